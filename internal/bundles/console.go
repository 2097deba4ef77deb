package bundles

import (
	"fmt"
	"io"
	"sync"

	"github.com/zjrosen/modkit/internal/framework"
	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/service"
	"github.com/zjrosen/modkit/internal/tracker"
)

// Console tracks greeters matching its "filter" header and prints a line
// each time one comes, changes or goes. The greeted name comes from the
// "name" header (default "world").
type Console struct {
	out    io.Writer
	logger *log.Logger

	mu      sync.Mutex
	name    string
	ctx     *framework.Context
	tracker *tracker.Tracker
}

func (c *Console) Start(ctx *framework.Context) error {
	filter, _ := ctx.Property("filter").AsString()
	name, ok := ctx.Property("name").AsString()
	if !ok || name == "" {
		name = "world"
	}

	c.mu.Lock()
	c.ctx, c.name = ctx, name
	c.mu.Unlock()

	t, err := tracker.New(ctx, GreeterClass, filter, c, tracker.WithLogger(c.logger))
	if err != nil {
		return err
	}
	if err := t.Open(); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracker = t
	c.mu.Unlock()
	return nil
}

func (c *Console) Stop(*framework.Context) error {
	c.mu.Lock()
	t := c.tracker
	c.tracker = nil
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
	return nil
}

// Best returns the greeting of the best ranked greeter, or "" if none.
func (c *Console) Best() string {
	c.mu.Lock()
	t, name := c.tracker, c.name
	c.mu.Unlock()
	if t == nil {
		return ""
	}
	g, ok := t.Service().(Greeting)
	if !ok {
		return ""
	}
	return g.Greet(name)
}

func (c *Console) Adding(ref service.Reference) (any, bool) {
	c.mu.Lock()
	ctx, name := c.ctx, c.name
	c.mu.Unlock()

	g, ok := ctx.GetService(ref)[GreeterClass].(Greeting)
	if !ok {
		ctx.UngetService(ref)
		return nil, false
	}
	c.printf("+ %s %s\n", ref, g.Greet(name))
	return g, true
}

func (c *Console) Modified(ref service.Reference, _ any) {
	lang, _ := ref.Property("lang").AsString()
	c.printf("~ %s lang=%s\n", ref, lang)
}

func (c *Console) Removed(ref service.Reference, _ any) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	ctx.UngetService(ref)
	c.printf("- %s\n", ref)
}

func (c *Console) printf(format string, args ...any) {
	if c.out == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
