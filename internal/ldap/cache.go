package ldap

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/modkit/internal/log"
)

const (
	DefaultCacheExpiration      = 10 * time.Minute
	DefaultCacheCleanupInterval = 30 * time.Minute
)

// Cache compiles filter strings once and hands out the shared expression on
// later requests. Only successful parses are cached. A nil *Cache compiles
// every time.
type Cache struct {
	entries *gocache.Cache
	ttl     time.Duration
	logger  *log.Logger
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewCache returns a cache whose entries live for ttl after their last use.
func NewCache(ttl, cleanupInterval time.Duration, logger *log.Logger) *Cache {
	return &Cache{
		entries: gocache.New(ttl, cleanupInterval),
		ttl:     ttl,
		logger:  logger,
	}
}

// Compile returns the filter for text, parsing it on a miss.
func (c *Cache) Compile(text string) (Filter, error) {
	if c == nil || text == "" {
		return NewFilter(text)
	}

	if v, found := c.entries.Get(text); found {
		e, ok := v.(Expr)
		if ok {
			c.hits.Add(1)
			// Refresh the ttl for filters that stay in use.
			c.entries.Set(text, e, c.ttl)
			return Filter{expr: e}, nil
		}
		c.logger.Error(log.CatLDAP, "unexpected value type in filter cache", "filter", text)
		c.entries.Delete(text)
	}

	c.misses.Add(1)
	f, err := NewFilter(text)
	if err != nil {
		c.logger.Debug(log.CatLDAP, "filter rejected", "filter", text, "error", err)
		return Filter{}, err
	}
	c.entries.Set(text, f.expr, c.ttl)
	return f, nil
}

// Stats reports hits, misses and the current number of entries.
func (c *Cache) Stats() (hits, misses uint64, size int) {
	if c == nil {
		return 0, 0, 0
	}
	return c.hits.Load(), c.misses.Load(), c.entries.ItemCount()
}

// Flush drops every entry.
func (c *Cache) Flush() {
	if c == nil {
		return
	}
	c.entries.Flush()
}
