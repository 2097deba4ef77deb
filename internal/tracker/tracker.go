// Package tracker follows the set of services matching an interface name and
// filter, so consumers do not have to write their own service listeners.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/props"
	"github.com/zjrosen/modkit/internal/service"
)

var ErrClosed = errors.New("tracker is closed")

// Context is the part of a bundle context a tracker needs.
// *framework.Context implements it.
type Context interface {
	GetServiceReferences(class, filter string) ([]service.Reference, error)
	GetService(ref service.Reference) map[string]any
	UngetService(ref service.Reference) bool
	AddServiceListener(l service.Listener, filter string) (service.Token, error)
	RemoveListener(tok service.Token)
}

// Customizer decides what is tracked for each matching service. Adding
// returns the object to track, or false to ignore the service.
type Customizer interface {
	Adding(ref service.Reference) (any, bool)
	Modified(ref service.Reference, tracked any)
	Removed(ref service.Reference, tracked any)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// Tracker keeps the services matching class and filter. It is a service
// listener of the context it was created with while open.
type Tracker struct {
	ctx        Context
	class      string
	filter     string
	listen     string
	customizer Customizer
	logger     *log.Logger

	mu      sync.Mutex
	open    bool
	token   service.Token
	tracked map[service.Reference]any
	changed chan struct{}
}

// New prepares a tracker for services offering class (any class when
// empty) that match filter. A nil customizer tracks the service object
// registered under class, fetched through ctx.
func New(ctx Context, class, filter string, c Customizer, opts ...Option) (*Tracker, error) {
	f, err := ldap.NewFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("tracker filter: %w", err)
	}
	// The class matches literally; rendering escapes it.
	listen := f
	if class != "" {
		byClass := ldap.Eq(props.ObjectClass, class)
		if f.IsEmpty() {
			listen = ldap.FromExpr(byClass)
		} else {
			listen = ldap.FromExpr(ldap.And(byClass, f.Expr()))
		}
	}

	t := &Tracker{
		ctx:     ctx,
		class:   class,
		filter:  filter,
		listen:  listen.String(),
		tracked: map[service.Reference]any{},
		changed: make(chan struct{}),
	}
	t.customizer = c
	if c == nil {
		t.customizer = defaultCustomizer{t}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Filter is the listener filter the tracker registers.
func (t *Tracker) Filter() string { return t.listen }

// Open starts tracking. Services already registered are added before it
// returns. Opening an open tracker does nothing.
func (t *Tracker) Open() error {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = true
	t.mu.Unlock()

	tok, err := t.ctx.AddServiceListener(t, t.listen)
	if err != nil {
		t.mu.Lock()
		t.open = false
		t.mu.Unlock()
		return fmt.Errorf("open tracker: %w", err)
	}
	t.mu.Lock()
	t.token = tok
	t.mu.Unlock()

	refs, err := t.ctx.GetServiceReferences(t.class, t.filter)
	if err != nil {
		t.Close()
		return fmt.Errorf("open tracker: %w", err)
	}
	for _, ref := range refs {
		t.add(ref)
	}
	t.logger.Debug(log.CatTracker, "tracker opened", "filter", t.listen, "tracked", t.Size())
	return nil
}

// Close stops tracking and hands every tracked service to the customizer's
// Removed.
func (t *Tracker) Close() {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	t.open = false
	tok := t.token
	refs := make([]service.Reference, 0, len(t.tracked))
	for ref := range t.tracked {
		refs = append(refs, ref)
	}
	t.mu.Unlock()

	t.ctx.RemoveListener(tok)
	for _, ref := range refs {
		t.remove(ref)
	}
	t.notify()
	t.logger.Debug(log.CatTracker, "tracker closed", "filter", t.listen)
}

// ServiceChanged implements service.Listener.
func (t *Tracker) ServiceChanged(ev service.Event) {
	switch ev.Type {
	case service.EventRegistered, service.EventModified:
		t.mu.Lock()
		obj, known := t.tracked[ev.Reference]
		open := t.open
		t.mu.Unlock()
		if !open {
			return
		}
		if !known {
			t.add(ev.Reference)
			return
		}
		t.customizer.Modified(ev.Reference, obj)
		t.notify()
	case service.EventModifiedEndMatch, service.EventUnregistering:
		t.remove(ev.Reference)
	}
}

func (t *Tracker) add(ref service.Reference) {
	t.mu.Lock()
	if _, ok := t.tracked[ref]; ok || !t.open {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	obj, ok := t.customizer.Adding(ref)
	if !ok {
		return
	}

	t.mu.Lock()
	if _, dup := t.tracked[ref]; dup || !t.open {
		t.mu.Unlock()
		t.customizer.Removed(ref, obj)
		return
	}
	t.tracked[ref] = obj
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) remove(ref service.Reference) {
	t.mu.Lock()
	obj, ok := t.tracked[ref]
	delete(t.tracked, ref)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.customizer.Removed(ref, obj)
	t.notify()
}

func (t *Tracker) notify() {
	t.mu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

// References lists the tracked services, best ranked first.
func (t *Tracker) References() []service.Reference {
	t.mu.Lock()
	refs := make([]service.Reference, 0, len(t.tracked))
	for ref := range t.tracked {
		refs = append(refs, ref)
	}
	t.mu.Unlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].Before(refs[j]) })
	return refs
}

// Reference is the best ranked tracked service, or the zero Reference.
func (t *Tracker) Reference() service.Reference {
	refs := t.References()
	if len(refs) == 0 {
		return service.Reference{}
	}
	return refs[0]
}

// Service is the object tracked for the best ranked service, or nil.
func (t *Tracker) Service() any {
	ref := t.Reference()
	if ref.IsZero() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracked[ref]
}

// Services returns the tracked objects, best ranked first.
func (t *Tracker) Services() []any {
	refs := t.References()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, 0, len(refs))
	for _, ref := range refs {
		if obj, ok := t.tracked[ref]; ok {
			out = append(out, obj)
		}
	}
	return out
}

func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Wait blocks until a service is tracked, ctx is done or the tracker
// closes.
func (t *Tracker) Wait(ctx context.Context) (any, error) {
	for {
		t.mu.Lock()
		open := t.open
		ch := t.changed
		t.mu.Unlock()
		if !open {
			return nil, ErrClosed
		}
		if svc := t.Service(); svc != nil {
			return svc, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type defaultCustomizer struct{ t *Tracker }

func (d defaultCustomizer) Adding(ref service.Reference) (any, bool) {
	objs := d.t.ctx.GetService(ref)
	if len(objs) == 0 {
		return nil, false
	}
	if d.t.class != "" {
		obj, ok := objs[d.t.class]
		if !ok {
			d.t.ctx.UngetService(ref)
		}
		return obj, ok
	}
	classes := ref.Classes()
	if len(classes) == 0 {
		return nil, false
	}
	return objs[classes[0]], true
}

func (d defaultCustomizer) Modified(service.Reference, any) {}

func (d defaultCustomizer) Removed(ref service.Reference, _ any) {
	d.t.ctx.UngetService(ref)
}
