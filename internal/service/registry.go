package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/props"
)

// Span attribute keys.
const (
	AttrServiceID    = "service.id"
	AttrServiceClass = "service.class"
	AttrBundleID     = "bundle.id"
	AttrFilter       = "ldap.filter"
	AttrEventType    = "service.event"
	AttrListeners    = "listener.count"
	AttrResults      = "lookup.results"
)

// Registry holds every registration of one framework. All methods are safe
// for concurrent use. Listeners are invoked without any registry lock held
// and may call back into the registry.
type Registry struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*record
	byClass map[string][]*record // best ranked first

	listeners *listenerTable

	filters         *ldap.Cache
	logger          *log.Logger
	tracer          trace.Tracer
	observer        Observer
	onListenerError func(ListenerError)
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		records:   map[int64]*record{},
		byClass:   map[string][]*record{},
		listeners: newListenerTable(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) startSpan(name string, attrs ...attribute.KeyValue) (trace.Span, bool) {
	if r.tracer == nil {
		return nil, false
	}
	_, span := r.tracer.Start(context.Background(), name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return span, true
}

func endSpan(span trace.Span, traced bool, err error) {
	if !traced {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (r *Registry) compile(filter string) (ldap.Filter, error) {
	f, err := r.filters.Compile(filter)
	if err != nil {
		return ldap.Filter{}, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return f, nil
}

// RegisterService publishes the values in services, keyed by interface
// name, as one service. REGISTERED is delivered before it returns.
func (r *Registry) RegisterService(b Bundle, services map[string]any, p props.Properties) (*Registration, error) {
	span, traced := r.startSpan("registry.register")
	reg, err := r.register(b, services, p)
	if traced && reg != nil {
		span.SetAttributes(
			attribute.Int64(AttrServiceID, reg.rec.id),
			attribute.StringSlice(AttrServiceClass, reg.rec.classes),
			attribute.Int64(AttrBundleID, b.ID()),
		)
	}
	endSpan(span, traced, err)
	return reg, err
}

func (r *Registry) register(b Bundle, services map[string]any, p props.Properties) (*Registration, error) {
	if b == nil {
		return nil, ErrNilBundle
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: no interface names given", ErrInvalidService)
	}
	classes := make([]string, 0, len(services))
	for name, svc := range services {
		if name == "" {
			return nil, fmt.Errorf("%w: empty interface name", ErrInvalidService)
		}
		if svc == nil {
			return nil, fmt.Errorf("%w: nil service object for %s", ErrInvalidService, name)
		}
		classes = append(classes, name)
	}
	sort.Strings(classes)

	impls := make(map[string]any, len(services))
	for k, v := range services {
		impls[k] = v
	}

	r.mu.Lock()
	r.nextID++
	rec := &record{
		id:       r.nextID,
		owner:    b,
		classes:  classes,
		registry: r,
		services: impls,
		users:    map[int64]*use{},
	}
	rec.props = buildProperties(rec.id, b, classes, p)
	rec.ranking = rankingOf(rec.props)

	r.records[rec.id] = rec
	for _, c := range classes {
		list := append(r.byClass[c], rec)
		sortRecords(list)
		r.byClass[c] = list
	}
	r.mu.Unlock()

	r.logger.Debug(log.CatRegistry, "service registered",
		"id", rec.id, "classes", classes, "bundle", b.SymbolicName(), "ranking", rec.ranking)
	r.observer.ServiceRegistered(classes)

	ref := Reference{rec: rec}
	r.deliver(Event{Type: EventRegistered, Reference: ref}, r.listeners.matching(rec.id, classes, rec.props))
	return &Registration{rec: rec}, nil
}

// GetServiceReferences returns the registered services offering class (any
// class when empty) whose properties match filter, best ranked first:
// higher service.ranking, then the most recent registration. A malformed
// filter is an error wrapping ErrInvalidFilter.
func (r *Registry) GetServiceReferences(class, filter string) ([]Reference, error) {
	start := time.Now()
	span, traced := r.startSpan("registry.lookup",
		attribute.String(AttrServiceClass, class),
		attribute.String(AttrFilter, filter),
	)

	refs, err := r.lookup(class, filter)

	if traced {
		span.SetAttributes(attribute.Int(AttrResults, len(refs)))
	}
	endSpan(span, traced, err)
	r.observer.LookupDone(time.Since(start), len(refs))
	return refs, err
}

func (r *Registry) lookup(class, filter string) ([]Reference, error) {
	f, err := r.compile(filter)
	if err != nil {
		r.logger.Warn(log.CatRegistry, "lookup with invalid filter", "filter", filter, "error", err)
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*record
	switch {
	case class != "":
		candidates = r.byClass[class]
	default:
		if classes, ok := f.Expr().MatchedObjectClasses(); ok {
			seen := map[int64]bool{}
			for _, c := range classes {
				for _, rec := range r.byClass[c] {
					if !seen[rec.id] {
						seen[rec.id] = true
						candidates = append(candidates, rec)
					}
				}
			}
		} else {
			candidates = make([]*record, 0, len(r.records))
			for _, rec := range r.records {
				candidates = append(candidates, rec)
			}
		}
	}

	matched := make([]*record, 0, len(candidates))
	for _, rec := range candidates {
		p, st := rec.snapshot()
		if st != stateRegistered {
			continue
		}
		if f.Match(p) {
			matched = append(matched, rec)
		}
	}
	sortRecords(matched)

	refs := make([]Reference, len(matched))
	for i, rec := range matched {
		refs[i] = Reference{rec: rec}
	}
	return refs, nil
}

// GetServiceReference returns the best ranked service offering class, or
// the zero Reference.
func (r *Registry) GetServiceReference(class string) Reference {
	refs, err := r.GetServiceReferences(class, "")
	if err != nil || len(refs) == 0 {
		return Reference{}
	}
	return refs[0]
}

// GetService returns the service objects keyed by interface name and counts
// one use by b. It works while the service is unregistering and returns nil
// once it is gone.
func (r *Registry) GetService(b Bundle, ref Reference) map[string]any {
	if b == nil || ref.rec == nil {
		return nil
	}
	rec := ref.rec
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state == stateGone {
		return nil
	}
	u := rec.users[b.ID()]
	if u == nil {
		u = &use{bundle: b}
		rec.users[b.ID()] = u
	}
	u.count++

	out := make(map[string]any, len(rec.services))
	for k, v := range rec.services {
		out[k] = v
	}
	return out
}

// UngetService releases one use of ref by b. It returns false when b held
// no use.
func (r *Registry) UngetService(b Bundle, ref Reference) bool {
	if b == nil || ref.rec == nil {
		return false
	}
	rec := ref.rec
	rec.mu.Lock()
	defer rec.mu.Unlock()

	u := rec.users[b.ID()]
	if u == nil {
		return false
	}
	u.count--
	if u.count <= 0 {
		delete(rec.users, b.ID())
	}
	return true
}

func (r *Registry) unregister(rec *record) error {
	span, traced := r.startSpan("registry.unregister", attribute.Int64(AttrServiceID, rec.id))

	r.mu.Lock()
	rec.mu.Lock()
	switch rec.state {
	case stateUnregistering:
		// Another caller is delivering UNREGISTERING right now.
		rec.mu.Unlock()
		r.mu.Unlock()
		endSpan(span, traced, nil)
		return nil
	case stateGone:
		rec.mu.Unlock()
		r.mu.Unlock()
		endSpan(span, traced, ErrUnregistered)
		return ErrUnregistered
	}
	rec.state = stateUnregistering
	p := rec.props
	rec.mu.Unlock()

	delete(r.records, rec.id)
	for _, c := range rec.classes {
		list := r.byClass[c]
		for i, other := range list {
			if other == rec {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.byClass, c)
		} else {
			r.byClass[c] = list
		}
	}
	r.mu.Unlock()

	r.deliver(Event{Type: EventUnregistering, Reference: Reference{rec: rec}},
		r.listeners.matching(rec.id, rec.classes, p))

	rec.mu.Lock()
	rec.state = stateGone
	rec.services = nil
	rec.users = map[int64]*use{}
	rec.mu.Unlock()

	r.logger.Debug(log.CatRegistry, "service unregistered", "id", rec.id, "classes", rec.classes)
	r.observer.ServiceUnregistered(rec.classes)
	endSpan(span, traced, nil)
	return nil
}

func (r *Registry) setProperties(rec *record, p props.Properties) error {
	span, traced := r.startSpan("registry.set_properties", attribute.Int64(AttrServiceID, rec.id))

	r.mu.Lock()
	rec.mu.Lock()
	if rec.state != stateRegistered {
		rec.mu.Unlock()
		r.mu.Unlock()
		endSpan(span, traced, ErrUnregistered)
		return ErrUnregistered
	}
	old := rec.props
	rec.mu.Unlock()

	before := r.listeners.matching(rec.id, rec.classes, old)

	next := buildProperties(rec.id, rec.owner, rec.classes, p)
	ranking := rankingOf(next)

	rec.mu.Lock()
	rec.props = next
	changed := rec.ranking != ranking
	rec.ranking = ranking
	rec.mu.Unlock()

	if changed {
		for _, c := range rec.classes {
			sortRecords(r.byClass[c])
		}
	}
	r.mu.Unlock()

	after := r.listeners.matching(rec.id, rec.classes, next)
	ref := Reference{rec: rec}
	r.deliver(Event{Type: EventModified, Reference: ref}, after)

	still := make(map[Token]bool, len(after))
	for _, e := range after {
		still[e.token] = true
	}
	var ended []*listenerEntry
	for _, e := range before {
		if !still[e.token] {
			ended = append(ended, e)
		}
	}
	r.deliver(Event{Type: EventModifiedEndMatch, Reference: ref}, ended)

	r.logger.Debug(log.CatRegistry, "service modified", "id", rec.id, "ranking", ranking)
	r.observer.ServiceModified()
	endSpan(span, traced, nil)
	return nil
}

// AddServiceListener registers l for events on services matching filter;
// an empty filter matches every service. The returned token removes it.
func (r *Registry) AddServiceListener(b Bundle, l Listener, filter string) (Token, error) {
	if b == nil {
		return 0, ErrNilBundle
	}
	if l == nil {
		return 0, fmt.Errorf("%w: nil listener", ErrInvalidService)
	}
	f, err := r.compile(filter)
	if err != nil {
		return 0, err
	}
	tok, err := r.listeners.add(b, l, f)
	if err != nil {
		return 0, err
	}
	r.logger.Debug(log.CatListener, "listener added", "bundle", b.SymbolicName(), "token", tok, "filter", filter)
	r.observer.ListenerCount(r.listeners.size())
	return tok, nil
}

// RemoveServiceListener removes the listener b added under tok. Unknown
// tokens are ignored.
func (r *Registry) RemoveServiceListener(b Bundle, tok Token) {
	if b == nil {
		return
	}
	if r.listeners.remove(b, tok) {
		r.logger.Debug(log.CatListener, "listener removed", "bundle", b.SymbolicName(), "token", tok)
		r.observer.ListenerCount(r.listeners.size())
	}
}

// RemoveAllServiceListeners drops every listener b added.
func (r *Registry) RemoveAllServiceListeners(b Bundle) int {
	if b == nil {
		return 0
	}
	n := r.listeners.removeBundle(b)
	if n > 0 {
		r.observer.ListenerCount(r.listeners.size())
	}
	return n
}

// ListenerCount reports the number of registered service listeners.
func (r *Registry) ListenerCount() int {
	return r.listeners.size()
}

// GetRegisteredBy lists the live services registered by b, best ranked
// first.
func (r *Registry) GetRegisteredBy(b Bundle) []Reference {
	if b == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var recs []*record
	for _, rec := range r.records {
		if rec.owner.ID() == b.ID() {
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	out := make([]Reference, len(recs))
	for i, rec := range recs {
		out[i] = Reference{rec: rec}
	}
	return out
}

// GetUsedBy lists the live services b currently holds.
func (r *Registry) GetUsedBy(b Bundle) []Reference {
	if b == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var recs []*record
	for _, rec := range r.records {
		rec.mu.Lock()
		_, using := rec.users[b.ID()]
		rec.mu.Unlock()
		if using {
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	out := make([]Reference, len(recs))
	for i, rec := range recs {
		out[i] = Reference{rec: rec}
	}
	return out
}

// ReleaseAll drops every use b holds without delivering events.
func (r *Registry) ReleaseAll(b Bundle) int {
	if b == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		rec.mu.Lock()
		if _, ok := rec.users[b.ID()]; ok {
			delete(rec.users, b.ID())
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// UnregisterAll withdraws every service b registered, best ranked first.
func (r *Registry) UnregisterAll(b Bundle) int {
	if b == nil {
		return 0
	}
	n := 0
	for _, ref := range r.GetRegisteredBy(b) {
		if err := r.unregister(ref.rec); err == nil {
			n++
		}
	}
	return n
}

// Size reports the number of live registrations.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// deliver calls each entry in order. An entry removed while the round is in
// progress is skipped. Panics are contained and reported.
func (r *Registry) deliver(ev Event, entries []*listenerEntry) {
	if len(entries) == 0 {
		return
	}
	start := time.Now()
	span, traced := r.startSpan("registry.dispatch",
		attribute.String(AttrEventType, ev.Type.String()),
		attribute.Int64(AttrServiceID, ev.Reference.ID()),
		attribute.Int(AttrListeners, len(entries)),
	)

	for _, e := range entries {
		if e.removed.Load() {
			continue
		}
		r.invoke(e, ev)
	}

	endSpan(span, traced, nil)
	r.observer.EventDelivered(ev.Type, len(entries), time.Since(start))
}

func (r *Registry) invoke(e *listenerEntry, ev Event) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		lerr := ListenerError{Bundle: e.bundle, Event: ev, Value: v}
		r.logger.Error(log.CatListener, "service listener panicked",
			"bundle", e.bundle.SymbolicName(), "event", ev.Type, "service", ev.Reference.ID(), "panic", v)
		r.observer.ListenerPanicked()
		if r.onListenerError != nil {
			r.onListenerError(lerr)
		}
	}()
	e.listener.ServiceChanged(ev)
}
