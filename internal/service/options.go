package service

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/log"
)

// Observer receives registry activity for metrics. Implementations must be
// safe for concurrent use and must not call back into the registry.
type Observer interface {
	ServiceRegistered(classes []string)
	ServiceUnregistered(classes []string)
	ServiceModified()
	EventDelivered(t EventType, listeners int, elapsed time.Duration)
	ListenerPanicked()
	ListenerCount(n int)
	LookupDone(elapsed time.Duration, results int)
}

type nopObserver struct{}

func (nopObserver) ServiceRegistered([]string) {}
func (nopObserver) ServiceUnregistered([]string) {}
func (nopObserver) ServiceModified() {}
func (nopObserver) EventDelivered(EventType, int, time.Duration) {}
func (nopObserver) ListenerPanicked() {}
func (nopObserver) ListenerCount(int) {}
func (nopObserver) LookupDone(time.Duration, int) {}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default discards.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithFilterCache compiles filters through c.
func WithFilterCache(c *ldap.Cache) Option {
	return func(r *Registry) {
		r.filters = c
	}
}

// WithTracer records spans for registry operations. A nil tracer disables
// tracing.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		r.tracer = t
	}
}

// WithObserver reports registry activity to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithListenerErrorHandler is called, outside any lock, each time a
// listener panics.
func WithListenerErrorHandler(h func(ListenerError)) Option {
	return func(r *Registry) {
		r.onListenerError = h
	}
}
