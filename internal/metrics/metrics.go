// Package metrics exports service registry activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zjrosen/modkit/internal/service"
)

const namespace = "modkit"

// Collector implements service.Observer on top of Prometheus collectors.
// Each Collector owns its own prometheus.Registry so several frameworks can
// coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	registered   *prometheus.CounterVec
	unregistered *prometheus.CounterVec
	modified     prometheus.Counter
	events       *prometheus.CounterVec
	dispatch     prometheus.Histogram
	lookups      prometheus.Histogram
	results      prometheus.Histogram
	panics       prometheus.Counter
	listeners    prometheus.Gauge
	active       prometheus.Gauge
}

var _ service.Observer = (*Collector)(nil)

// NewCollector creates and registers the registry metrics. When runtime is
// true the Go and process collectors are registered too.
func NewCollector(runtime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "services_registered_total",
			Help:      "Services registered, by object class.",
		}, []string{"class"}),
		unregistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "services_unregistered_total",
			Help:      "Services unregistered, by object class.",
		}, []string{"class"}),
		modified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "services_modified_total",
			Help:      "Property updates applied to registered services.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listeners",
			Name:      "events_total",
			Help:      "Service events dispatched, by event type.",
		}, []string{"type"}),
		dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "listeners",
			Name:      "dispatch_seconds",
			Help:      "Time spent delivering one event to its listeners.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		lookups: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "lookup_seconds",
			Help:      "Latency of service reference lookups.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
		results: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "lookup_results",
			Help:      "References returned per lookup.",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100},
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listeners",
			Name:      "panics_total",
			Help:      "Listener invocations that panicked.",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listeners",
			Name:      "registered",
			Help:      "Service listeners currently registered.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "services",
			Help:      "Services currently registered.",
		}),
	}

	c.registry.MustRegister(
		c.registered, c.unregistered, c.modified,
		c.events, c.dispatch, c.lookups, c.results,
		c.panics, c.listeners, c.active,
	)
	if runtime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ServiceRegistered(classes []string) {
	for _, class := range classes {
		c.registered.WithLabelValues(class).Inc()
	}
	c.active.Inc()
}

func (c *Collector) ServiceUnregistered(classes []string) {
	for _, class := range classes {
		c.unregistered.WithLabelValues(class).Inc()
	}
	c.active.Dec()
}

func (c *Collector) ServiceModified() {
	c.modified.Inc()
}

func (c *Collector) EventDelivered(t service.EventType, _ int, elapsed time.Duration) {
	c.events.WithLabelValues(t.String()).Inc()
	c.dispatch.Observe(elapsed.Seconds())
}

func (c *Collector) ListenerPanicked() {
	c.panics.Inc()
}

func (c *Collector) ListenerCount(n int) {
	c.listeners.Set(float64(n))
}

func (c *Collector) LookupDone(elapsed time.Duration, results int) {
	c.lookups.Observe(elapsed.Seconds())
	c.results.Observe(float64(results))
}
