package bundles

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/modkit/internal/framework"
	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/props"
	"github.com/zjrosen/modkit/internal/service"
)

// ClockClass is the interface name of the clock service.
const ClockClass = "Clock"

// Ticks is the service the clock publishes.
type Ticks interface {
	Count() int64
}

// Clock registers a Clock service and bumps its "tick" property on every
// interval, so each tick is a MODIFIED event. The interval comes from the
// "interval" header (a duration string, default 1s).
type Clock struct {
	logger *log.Logger

	mu     sync.Mutex
	count  int64
	reg    *service.Registration
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Clock) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Clock) Start(ctx *framework.Context) error {
	interval := time.Second
	if s, ok := ctx.Property("interval").AsString(); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		interval = d
	}

	reg, err := ctx.RegisterService(map[string]any{ClockClass: Ticks(c)}, props.Properties{
		"tick": props.Int64(0),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.count = 0
	c.reg, c.cancel, c.done = reg, cancel, make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, interval, reg, done)
	return nil
}

func (c *Clock) run(ctx context.Context, interval time.Duration, reg *service.Registration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.count++
			n := c.count
			c.mu.Unlock()
			if err := reg.SetProperties(props.Properties{"tick": props.Int64(n)}); err != nil {
				c.logger.Debug(log.CatBundle, "clock stopped ticking", "error", err)
				return
			}
		}
	}
}

// Stop waits for the ticking goroutine before the framework unregisters
// the service.
func (c *Clock) Stop(*framework.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.reg = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
