// Package framework hosts bundles on top of the service registry. A bundle
// is a named unit with an optional Activator; starting it hands the
// activator a Context through which it publishes and consumes services.
// Stopping a bundle withdraws everything it registered, releases every
// service it used and removes its listeners.
package framework

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/props"
	"github.com/zjrosen/modkit/internal/pubsub"
	"github.com/zjrosen/modkit/internal/service"
)

var (
	ErrBundleState     = errors.New("invalid bundle state")
	ErrUninstalled     = errors.New("bundle is uninstalled")
	ErrDuplicateBundle = errors.New("bundle already installed")
	ErrBundleName      = errors.New("bundle name is required")
)

// SystemBundleName is the symbolic name of bundle 0.
const SystemBundleName = "system.bundle"

// Activator is implemented by bundles that run code when started and
// stopped. Both calls happen without any framework lock held.
type Activator interface {
	Start(ctx *Context) error
	Stop(ctx *Context) error
}

// Option configures a Framework.
type Option func(*Framework)

// WithLogger sets the logger for the framework and its registry.
func WithLogger(l *log.Logger) Option {
	return func(f *Framework) {
		f.logger = l
	}
}

// WithTracer records registry spans with t.
func WithTracer(t trace.Tracer) Option {
	return func(f *Framework) {
		f.tracer = t
	}
}

// WithFilterCache compiles registry and bundle filters through c.
func WithFilterCache(c *ldap.Cache) Option {
	return func(f *Framework) {
		f.filters = c
	}
}

// WithRegistryOptions passes extra options to the service registry.
func WithRegistryOptions(opts ...service.Option) Option {
	return func(f *Framework) {
		f.registryOpts = append(f.registryOpts, opts...)
	}
}

// WithEventBuffer sets the per-subscriber queue length of Events.
func WithEventBuffer(n int) Option {
	return func(f *Framework) {
		f.eventBuffer = n
	}
}

type bundleListenerEntry struct {
	token    int64
	owner    *Bundle
	listener BundleListener
	removed  atomic.Bool
}

// Framework owns one service registry and the bundles using it.
type Framework struct {
	id       string
	registry *service.Registry
	events   *pubsub.Broker[Event]
	system   *Bundle
	stopped  atomic.Bool

	logger       *log.Logger
	tracer       trace.Tracer
	filters      *ldap.Cache
	registryOpts []service.Option
	eventBuffer  int

	mu      sync.RWMutex
	nextID  int64
	bundles map[int64]*Bundle
	byName  map[string]*Bundle

	lmu       sync.Mutex
	nextToken int64
	listeners []*bundleListenerEntry
}

// New creates a framework containing only the system bundle. Call Start
// before installing bundles that expect an active system context.
func New(opts ...Option) *Framework {
	f := &Framework{
		id:          uuid.New().String(),
		bundles:     map[int64]*Bundle{},
		byName:      map[string]*Bundle{},
		eventBuffer: 64,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.events = pubsub.NewBrokerSize[Event](f.eventBuffer)

	regOpts := []service.Option{
		service.WithLogger(f.logger),
		service.WithTracer(f.tracer),
		service.WithFilterCache(f.filters),
		service.WithListenerErrorHandler(f.listenerFailed),
	}
	f.registry = service.NewRegistry(append(regOpts, f.registryOpts...)...)

	f.system = &Bundle{
		id:    0,
		name:  SystemBundleName,
		fw:    f,
		state: StateInstalled,
		headers: props.Properties{
			props.BundleSymbolicName: props.String(SystemBundleName),
			props.BundleVersion:      props.String("0.0.0"),
			props.FrameworkUUID:      props.String(f.id),
		},
	}
	f.bundles[0] = f.system
	f.byName[SystemBundleName] = f.system
	return f
}

// UUID identifies this framework instance.
func (f *Framework) UUID() string { return f.id }

// Registry exposes the service registry.
func (f *Framework) Registry() *service.Registry { return f.registry }

// SystemBundle returns bundle 0.
func (f *Framework) SystemBundle() *Bundle { return f.system }

// Properties describes the framework itself.
func (f *Framework) Properties() props.Properties {
	return props.Properties{props.FrameworkUUID: props.String(f.id)}
}

// Start activates the system bundle and starts publishing service events
// on the broker. A stopped framework cannot be started again.
func (f *Framework) Start() error {
	if f.stopped.Load() {
		return fmt.Errorf("%w: framework %s was stopped", ErrBundleState, f.id)
	}
	if f.system.State() == StateActive {
		return nil
	}
	if err := f.system.Start(); err != nil {
		return err
	}
	ctx := f.system.Context()
	if _, err := ctx.AddServiceListener(service.ListenerFunc(f.publishService), ""); err != nil {
		return fmt.Errorf("watch services: %w", err)
	}
	f.logger.Info(log.CatBundle, "framework started", "uuid", f.id)
	f.publish(TopicFramework, Event{Kind: EventStarted, Bundle: f.system})
	return nil
}

// Stop stops every active bundle, most recently installed first, then the
// system bundle, and closes the event broker. Errors from activators are
// joined and returned after every bundle has been stopped.
func (f *Framework) Stop() error {
	if !f.stopped.CompareAndSwap(false, true) {
		return nil
	}
	bundles := f.Bundles()
	var errs []error
	for i := len(bundles) - 1; i >= 0; i-- {
		b := bundles[i]
		if b == f.system || b.State() != StateActive {
			continue
		}
		if err := b.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.system.State() == StateActive {
		if err := f.system.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	f.logger.Info(log.CatBundle, "framework stopped", "uuid", f.id)
	f.publish(TopicFramework, Event{Kind: EventStopped, Bundle: f.system})
	f.events.Close()
	return errors.Join(errs...)
}

// Events subscribes to framework, bundle and service events until ctx is
// done. Slow subscribers drop events.
func (f *Framework) Events(ctx context.Context) <-chan pubsub.Message[Event] {
	return f.events.Subscribe(ctx)
}

// Install adds a bundle in the INSTALLED state. headers become the
// bundle's properties; bundle.symbolicname is always name.
func (f *Framework) Install(name string, a Activator, headers map[string]any) (*Bundle, error) {
	if name == "" {
		return nil, ErrBundleName
	}
	h := props.FromMap(headers)
	h[props.BundleSymbolicName] = props.String(name)
	if _, ok := h.Find(props.BundleVersion, false); !ok {
		h[props.BundleVersion] = props.String("0.0.0")
	}

	f.mu.Lock()
	if _, exists := f.byName[name]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBundle, name)
	}
	f.nextID++
	b := &Bundle{
		id:        f.nextID,
		name:      name,
		headers:   h,
		activator: a,
		fw:        f,
		state:     StateInstalled,
	}
	f.bundles[b.id] = b
	f.byName[name] = b
	f.mu.Unlock()

	f.logger.Debug(log.CatBundle, "bundle installed", "bundle", name, "id", b.id)
	f.fireBundle(BundleInstalled, b)
	return b, nil
}

// Bundle returns the bundle with the given id.
func (f *Framework) Bundle(id int64) (*Bundle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.bundles[id]
	return b, ok
}

// BundleByName returns the bundle with the given symbolic name.
func (f *Framework) BundleByName(name string) (*Bundle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.byName[name]
	return b, ok
}

// Bundles lists every installed bundle ordered by id.
func (f *Framework) Bundles() []*Bundle {
	f.mu.RLock()
	out := make([]*Bundle, 0, len(f.bundles))
	for _, b := range f.bundles {
		out = append(out, b)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// FindBundles returns the bundles whose headers match filter.
func (f *Framework) FindBundles(filter string) ([]*Bundle, error) {
	flt, err := f.filters.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("find bundles: %w", err)
	}
	var out []*Bundle
	for _, b := range f.Bundles() {
		if flt.Match(b.headers) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *Framework) forget(b *Bundle) {
	f.mu.Lock()
	delete(f.bundles, b.id)
	delete(f.byName, b.name)
	f.mu.Unlock()
}

// cleanup withdraws what b left behind in the registry.
func (f *Framework) cleanup(b *Bundle) {
	unregistered := f.registry.UnregisterAll(b)
	released := f.registry.ReleaseAll(b)
	listeners := f.registry.RemoveAllServiceListeners(b)
	listeners += f.removeBundleListeners(b)
	f.logger.Debug(log.CatBundle, "bundle cleaned up",
		"bundle", b.name, "unregistered", unregistered, "released", released, "listeners", listeners)
}

func (f *Framework) addBundleListener(owner *Bundle, l BundleListener) int64 {
	f.lmu.Lock()
	defer f.lmu.Unlock()
	f.nextToken++
	f.listeners = append(f.listeners, &bundleListenerEntry{token: f.nextToken, owner: owner, listener: l})
	return f.nextToken
}

func (f *Framework) removeBundleListener(owner *Bundle, token int64) bool {
	f.lmu.Lock()
	defer f.lmu.Unlock()
	for i, e := range f.listeners {
		if e.token == token && e.owner == owner {
			e.removed.Store(true)
			f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Framework) removeBundleListeners(owner *Bundle) int {
	f.lmu.Lock()
	defer f.lmu.Unlock()
	kept := f.listeners[:0:0]
	n := 0
	for _, e := range f.listeners {
		if e.owner == owner {
			e.removed.Store(true)
			n++
			continue
		}
		kept = append(kept, e)
	}
	f.listeners = kept
	return n
}

func (f *Framework) fireBundle(t BundleEventType, b *Bundle) {
	f.lmu.Lock()
	entries := append([]*bundleListenerEntry(nil), f.listeners...)
	f.lmu.Unlock()

	ev := BundleEvent{Type: t, Bundle: b}
	for _, e := range entries {
		if e.removed.Load() {
			continue
		}
		f.invokeBundleListener(e, ev)
	}
	f.publish(TopicBundle, Event{Kind: EventBundle, Bundle: b, BundleEvent: t})
}

func (f *Framework) invokeBundleListener(e *bundleListenerEntry, ev BundleEvent) {
	defer func() {
		if v := recover(); v != nil {
			err := fmt.Errorf("bundle listener panicked on %s: %v", ev.Type, v)
			f.logger.ErrorErr(log.CatListener, "bundle listener failed", err, "bundle", e.owner.name)
			f.publish(TopicFramework, Event{Kind: EventError, Bundle: e.owner, Err: err})
		}
	}()
	e.listener.BundleChanged(ev)
}

func (f *Framework) listenerFailed(le service.ListenerError) {
	b, _ := le.Bundle.(*Bundle)
	f.publish(TopicFramework, Event{Kind: EventError, Bundle: b, Err: le})
}

func (f *Framework) publishService(ev service.Event) {
	f.publish(TopicService, Event{Kind: EventService, ServiceEvent: ev})
}

func (f *Framework) publish(topic pubsub.Topic, ev Event) {
	f.events.Publish(topic, ev)
}
