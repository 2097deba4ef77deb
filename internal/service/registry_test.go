package service

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/props"
)

type testBundle struct {
	id   int64
	name string
}

func (b *testBundle) ID() int64 { return b.id }
func (b *testBundle) SymbolicName() string { return b.name }

func bundle(id int64) *testBundle {
	return &testBundle{id: id, name: "test.bundle." + string(rune('a'+id))}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ServiceChanged(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func register(t *testing.T, reg *Registry, b Bundle, class string, p props.Properties) *Registration {
	t.Helper()
	r, err := reg.RegisterService(b, map[string]any{class: struct{ name string }{class}}, p)
	require.NoError(t, err)
	return r
}

func rankings(refs []Reference) []int32 {
	out := make([]int32, len(refs))
	for i, r := range refs {
		out[i] = r.Ranking()
	}
	return out
}

func TestRegistry_RankingOrder(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	for _, rank := range []int32{5, 10, 1} {
		register(t, reg, b, "Greeter", props.Properties{props.ServiceRanking: props.Int32(rank)})
	}

	refs, err := reg.GetServiceReferences("Greeter", "")
	require.NoError(t, err)
	require.Equal(t, []int32{10, 5, 1}, rankings(refs))
	require.Equal(t, int32(10), reg.GetServiceReference("Greeter").Ranking())
}

func TestRegistry_EqualRankingPrefersLatest(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	first := register(t, reg, b, "Greeter", nil)
	second := register(t, reg, b, "Greeter", nil)

	refs, err := reg.GetServiceReferences("Greeter", "")
	require.NoError(t, err)
	require.Equal(t, []Reference{second.Reference(), first.Reference()}, refs)
	require.True(t, second.Reference().Before(first.Reference()))
	require.False(t, first.Reference().Before(second.Reference()))
}

func TestRegistry_RankingProperty(t *testing.T) {
	tests := []struct {
		name  string
		value props.Value
		want  int32
	}{
		{"int32", props.Int32(7), 7},
		{"negative", props.Int32(-3), -3},
		{"int64 in range", props.Int64(42), 42},
		{"int64 overflow", props.Int64(math.MaxInt32 + 1), 0},
		{"uint8", props.Uint8(9), 9},
		{"string", props.String("7"), 0},
		{"float", props.Float64(3), 0},
		{"bool", props.Bool(true), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			r := register(t, reg, bundle(1), "A", props.Properties{"SERVICE.RANKING": tt.value})
			require.Equal(t, tt.want, r.Reference().Ranking())
		})
	}
}

func TestRegistry_ReservedKeys(t *testing.T) {
	reg := NewRegistry()
	r := register(t, reg, bundle(3), "Greeter", props.Properties{
		"Service.ID":  props.Int64(999),
		"objectClass": props.String("Other"),
		"lang":        props.String("en"),
	})

	p := r.Reference().Properties()
	id, ok := p.Find(props.ServiceID, true)
	require.True(t, ok)
	got, _ := id.AsInt()
	require.Equal(t, r.Reference().ID(), got)
	classes, _ := p.Get(props.ObjectClass).AsStrings()
	require.Equal(t, []string{"Greeter"}, classes)
	scope, _ := p.Get(props.ServiceScope).AsString()
	require.Equal(t, props.ScopeSingleton, scope)
	bid, _ := p.Get(props.ServiceBundle).AsInt()
	require.Equal(t, int64(3), bid)
	lang, _ := r.Reference().Property("LANG").AsString()
	require.Equal(t, "en", lang)
	_, ok = p["Service.ID"]
	require.False(t, ok)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RegisterService(nil, map[string]any{"A": 1}, nil)
	require.ErrorIs(t, err, ErrNilBundle)

	_, err = reg.RegisterService(bundle(1), nil, nil)
	require.ErrorIs(t, err, ErrInvalidService)

	_, err = reg.RegisterService(bundle(1), map[string]any{"": 1}, nil)
	require.ErrorIs(t, err, ErrInvalidService)

	_, err = reg.RegisterService(bundle(1), map[string]any{"A": nil}, nil)
	require.ErrorIs(t, err, ErrInvalidService)

	require.Zero(t, reg.Size())
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	en := register(t, reg, b, "Greeter", props.Properties{"lang": props.String("en")})
	fr := register(t, reg, b, "Greeter", props.Properties{"lang": props.String("fr")})
	store, err := reg.RegisterService(b, map[string]any{"Store": 1, "Cache": 2}, nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		class  string
		filter string
		want   []Reference
	}{
		{"by class", "Greeter", "", []Reference{fr.Reference(), en.Reference()}},
		{"by class and filter", "Greeter", "(lang=en)", []Reference{en.Reference()}},
		{"unknown class", "Missing", "", []Reference{}},
		{"objectclass in filter", "", "(objectclass=Cache)", []Reference{store.Reference()}},
		{"objectclass or", "", "(|(objectClass=Cache)(objectClass=Greeter))", []Reference{store.Reference(), fr.Reference(), en.Reference()}},
		{"no class", "", "(lang=*)", []Reference{fr.Reference(), en.Reference()}},
		{"everything", "", "", []Reference{store.Reference(), fr.Reference(), en.Reference()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.GetServiceReferences(tt.class, tt.filter)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_InvalidFilter(t *testing.T) {
	reg := NewRegistry(WithFilterCache(ldap.NewCache(0, 0, nil)))
	register(t, reg, bundle(1), "A", nil)

	_, err := reg.GetServiceReferences("A", "(a=1")
	require.ErrorIs(t, err, ErrInvalidFilter)
	require.ErrorIs(t, err, ldap.ErrInvalidSyntax)

	_, err = reg.AddServiceListener(bundle(1), &recorder{}, "bogus")
	require.ErrorIs(t, err, ErrInvalidFilter)
	require.Zero(t, reg.ListenerCount())
}

func TestRegistry_UsageCounts(t *testing.T) {
	reg := NewRegistry()
	owner, user := bundle(1), bundle(2)
	r := register(t, reg, owner, "A", nil)
	ref := r.Reference()

	require.NotEmpty(t, reg.GetService(user, ref))
	require.NotEmpty(t, reg.GetService(user, ref))
	require.Equal(t, []Bundle{user}, ref.UsingBundles())
	require.Equal(t, []Reference{ref}, reg.GetUsedBy(user))

	require.True(t, reg.UngetService(user, ref))
	require.Equal(t, []Bundle{user}, ref.UsingBundles())
	require.True(t, reg.UngetService(user, ref))
	require.Empty(t, ref.UsingBundles())
	require.False(t, reg.UngetService(user, ref))

	reg.GetService(user, ref)
	require.Equal(t, 1, reg.ReleaseAll(user))
	require.Empty(t, ref.UsingBundles())
}

func TestRegistry_UnregisterVisibility(t *testing.T) {
	reg := NewRegistry()
	owner, consumer := bundle(1), bundle(2)
	s := register(t, reg, owner, "Greeter", nil)

	var (
		sawUnregistering bool
		servicesInside   map[string]any
		usingAfterUnget  []Bundle
		refsInside       []Reference
		availableInside  bool
	)
	_, err := reg.AddServiceListener(consumer, ListenerFunc(func(ev Event) {
		if ev.Type != EventUnregistering {
			return
		}
		sawUnregistering = true
		availableInside = ev.Reference.IsAvailable()
		servicesInside = reg.GetService(consumer, ev.Reference)
		reg.UngetService(consumer, ev.Reference)
		usingAfterUnget = ev.Reference.UsingBundles()
		refsInside, _ = reg.GetServiceReferences("Greeter", "")
	}), "")
	require.NoError(t, err)

	require.NoError(t, s.Unregister())

	require.True(t, sawUnregistering)
	require.True(t, availableInside)
	require.NotEmpty(t, servicesInside)
	require.Empty(t, usingAfterUnget)
	require.Empty(t, refsInside)

	refs, err := reg.GetServiceReferences("", "")
	require.NoError(t, err)
	require.NotContains(t, refs, s.Reference())
	require.False(t, s.Reference().IsAvailable())
	require.Nil(t, reg.GetService(consumer, s.Reference()))
	require.Zero(t, reg.Size())
}

func TestRegistry_UnregisterTwice(t *testing.T) {
	reg := NewRegistry()
	s := register(t, reg, bundle(1), "A", nil)

	var nested error
	_, err := reg.AddServiceListener(bundle(1), ListenerFunc(func(ev Event) {
		if ev.Type == EventUnregistering {
			nested = s.Unregister()
		}
	}), "")
	require.NoError(t, err)

	require.NoError(t, s.Unregister())
	require.NoError(t, nested)
	require.ErrorIs(t, s.Unregister(), ErrUnregistered)
	require.ErrorIs(t, s.SetProperties(nil), ErrUnregistered)
}

func TestRegistry_EventSequence(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	first, second := &recorder{}, &recorder{}
	_, err := reg.AddServiceListener(b, first, "")
	require.NoError(t, err)
	_, err = reg.AddServiceListener(b, second, "(objectclass=A)")
	require.NoError(t, err)

	s := register(t, reg, b, "A", nil)
	require.NoError(t, s.SetProperties(props.Properties{"x": props.Int32(1)}))
	require.NoError(t, s.Unregister())

	want := []EventType{EventRegistered, EventModified, EventUnregistering}
	require.Equal(t, want, first.types())
	require.Equal(t, want, second.types())
}

func TestRegistry_ModifiedEndMatch(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	watcher := &recorder{}
	_, err := reg.AddServiceListener(b, watcher, "(color=red)")
	require.NoError(t, err)

	s := register(t, reg, b, "A", props.Properties{"color": props.String("red")})
	require.NoError(t, s.SetProperties(props.Properties{"color": props.String("blue")}))
	require.NoError(t, s.SetProperties(props.Properties{"color": props.String("green")}))
	require.NoError(t, s.SetProperties(props.Properties{"color": props.String("red")}))

	require.Equal(t, []EventType{EventRegistered, EventModifiedEndMatch, EventModified}, watcher.types())
}

func TestRegistry_SetPropertiesReorders(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	low := register(t, reg, b, "A", props.Properties{props.ServiceRanking: props.Int32(1)})
	high := register(t, reg, b, "A", props.Properties{props.ServiceRanking: props.Int32(2)})

	require.Equal(t, high.Reference(), reg.GetServiceReference("A"))

	require.NoError(t, low.SetProperties(props.Properties{props.ServiceRanking: props.Int32(3)}))
	require.Equal(t, low.Reference(), reg.GetServiceReference("A"))
	rank, _ := low.Reference().Property(props.ServiceRanking).AsInt32()
	require.Equal(t, int32(3), rank)
}

func TestRegistry_RemoveListenerDuringDispatch(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)

	late := &recorder{}
	var lateTok Token
	_, err := reg.AddServiceListener(b, ListenerFunc(func(Event) {
		reg.RemoveServiceListener(b, lateTok)
	}), "")
	require.NoError(t, err)
	lateTok, err = reg.AddServiceListener(b, late, "")
	require.NoError(t, err)

	register(t, reg, b, "A", nil)

	require.Empty(t, late.types())
	require.Equal(t, 1, reg.ListenerCount())
}

func TestRegistry_AddListenerDuringDispatch(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	added := &recorder{}
	once := sync.Once{}
	_, err := reg.AddServiceListener(b, ListenerFunc(func(Event) {
		once.Do(func() {
			_, err := reg.AddServiceListener(b, added, "")
			assert.NoError(t, err)
		})
	}), "")
	require.NoError(t, err)

	register(t, reg, b, "A", nil)
	require.Empty(t, added.types())

	register(t, reg, b, "B", nil)
	require.Equal(t, []EventType{EventRegistered}, added.types())
}

func TestRegistry_ListenerPanic(t *testing.T) {
	var reported []ListenerError
	reg := NewRegistry(WithListenerErrorHandler(func(e ListenerError) {
		reported = append(reported, e)
	}))
	b := bundle(1)

	_, err := reg.AddServiceListener(b, ListenerFunc(func(Event) { panic("boom") }), "")
	require.NoError(t, err)
	after := &recorder{}
	_, err = reg.AddServiceListener(b, after, "")
	require.NoError(t, err)

	s := register(t, reg, b, "A", nil)

	require.Equal(t, []EventType{EventRegistered}, after.types())
	require.Len(t, reported, 1)
	require.Equal(t, "boom", reported[0].Value)
	require.Equal(t, s.Reference(), reported[0].Event.Reference)
	require.Contains(t, reported[0].Error(), "panicked on REGISTERED")
}

func TestRegistry_DuplicateListener(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	_, err := reg.AddServiceListener(bundle(1), rec, "")
	require.NoError(t, err)
	_, err = reg.AddServiceListener(bundle(1), rec, "(a=1)")
	require.ErrorIs(t, err, ErrDuplicateListener)
	_, err = reg.AddServiceListener(bundle(2), rec, "")
	require.NoError(t, err)

	fn := ListenerFunc(func(Event) {})
	_, err = reg.AddServiceListener(bundle(1), fn, "")
	require.NoError(t, err)
	_, err = reg.AddServiceListener(bundle(1), fn, "")
	require.NoError(t, err)

	require.Equal(t, 4, reg.ListenerCount())
	require.Equal(t, 3, reg.RemoveAllServiceListeners(bundle(1)))
	require.Equal(t, 1, reg.ListenerCount())
}

func TestRegistry_RemoveListenerOwnership(t *testing.T) {
	reg := NewRegistry()
	tok, err := reg.AddServiceListener(bundle(1), &recorder{}, "")
	require.NoError(t, err)

	reg.RemoveServiceListener(bundle(2), tok)
	require.Equal(t, 1, reg.ListenerCount())
	reg.RemoveServiceListener(bundle(1), tok)
	require.Zero(t, reg.ListenerCount())
	reg.RemoveServiceListener(bundle(1), tok)
}

func TestRegistry_HashedDispatch(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)

	byClass := &recorder{}
	byID := &recorder{}
	byPaddedID := &recorder{}
	byOr := &recorder{}
	_, err := reg.AddServiceListener(b, byClass, "(objectclass=B)")
	require.NoError(t, err)
	_, err = reg.AddServiceListener(b, byID, "(service.id=2)")
	require.NoError(t, err)
	_, err = reg.AddServiceListener(b, byPaddedID, "(service.id=02)")
	require.NoError(t, err)
	_, err = reg.AddServiceListener(b, byOr, "(|(objectclass=A)(service.id=3))")
	require.NoError(t, err)

	a := register(t, reg, b, "A", nil)
	bb := register(t, reg, b, "B", nil)
	c := register(t, reg, b, "C", nil)

	ids := func(r *recorder) []int64 {
		r.mu.Lock()
		defer r.mu.Unlock()
		var out []int64
		for _, e := range r.events {
			out = append(out, e.Reference.ID())
		}
		return out
	}

	require.Equal(t, []int64{bb.Reference().ID()}, ids(byClass))
	require.Equal(t, []int64{bb.Reference().ID()}, ids(byID))
	require.Equal(t, []int64{bb.Reference().ID()}, ids(byPaddedID))
	require.Equal(t, []int64{a.Reference().ID(), c.Reference().ID()}, ids(byOr))
}

func TestRegistry_BundleCleanup(t *testing.T) {
	reg := NewRegistry()
	owner, other := bundle(1), bundle(2)
	register(t, reg, owner, "A", nil)
	register(t, reg, owner, "B", nil)
	keep := register(t, reg, other, "A", nil)

	require.Len(t, reg.GetRegisteredBy(owner), 2)
	require.Equal(t, 2, reg.UnregisterAll(owner))
	require.Empty(t, reg.GetRegisteredBy(owner))
	require.Equal(t, []Reference{keep.Reference()}, reg.GetRegisteredBy(other))
	require.Equal(t, 1, reg.Size())
}

func TestReference_Zero(t *testing.T) {
	var ref Reference
	require.True(t, ref.IsZero())
	require.Zero(t, ref.ID())
	require.Nil(t, ref.Bundle())
	require.Empty(t, ref.Properties())
	require.True(t, ref.Property("x").IsEmpty())
	require.False(t, ref.IsAvailable())
	require.Equal(t, "service(<none>)", ref.String())
	require.Nil(t, NewRegistry().GetService(bundle(1), ref))
}

type fakeObserver struct {
	nopObserver
	mu         sync.Mutex
	registered int
	panicked   int
	delivered  map[EventType]int
}

func (o *fakeObserver) ServiceRegistered([]string) {
	o.mu.Lock()
	o.registered++
	o.mu.Unlock()
}

func (o *fakeObserver) ListenerPanicked() {
	o.mu.Lock()
	o.panicked++
	o.mu.Unlock()
}

func (o *fakeObserver) EventDelivered(t EventType, _ int, _ time.Duration) {
	o.mu.Lock()
	if o.delivered == nil {
		o.delivered = map[EventType]int{}
	}
	o.delivered[t]++
	o.mu.Unlock()
}

func TestRegistry_Observer(t *testing.T) {
	obs := &fakeObserver{}
	reg := NewRegistry(WithObserver(obs), WithObserver(nil))
	b := bundle(1)
	_, err := reg.AddServiceListener(b, ListenerFunc(func(ev Event) {
		if ev.Type == EventUnregistering {
			panic(errors.New("late"))
		}
	}), "")
	require.NoError(t, err)

	s := register(t, reg, b, "A", nil)
	require.NoError(t, s.Unregister())

	require.Equal(t, 1, obs.registered)
	require.Equal(t, 1, obs.panicked)
	require.Equal(t, map[EventType]int{EventRegistered: 1, EventUnregistering: 1}, obs.delivered)
}

// Whatever sequence of registrations and withdrawals runs, an unfiltered
// lookup returns exactly the live services ordered by ranking then id.
func TestRegistry_LookupOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := NewRegistry()
		b := bundle(1)
		var live []*Registration

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "unregister") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "victim")
				if err := live[idx].Unregister(); err != nil {
					t.Fatalf("unregister: %v", err)
				}
				live = append(live[:idx], live[idx+1:]...)
				continue
			}
			rank := rapid.Int32Range(-3, 3).Draw(t, "rank")
			r, err := reg.RegisterService(b, map[string]any{"A": i}, props.Properties{props.ServiceRanking: props.Int32(rank)})
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			live = append(live, r)
		}

		want := make([]Reference, len(live))
		for i, r := range live {
			want[i] = r.Reference()
		}
		sort.SliceStable(want, func(i, j int) bool {
			if want[i].Ranking() != want[j].Ranking() {
				return want[i].Ranking() > want[j].Ranking()
			}
			return want[i].ID() > want[j].ID()
		})

		got, err := reg.GetServiceReferences("A", "")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("got %d references, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("position %d: got %s, want %s", i, got[i], want[i])
			}
		}
		if reg.Size() != len(live) {
			t.Fatalf("size %d, want %d", reg.Size(), len(live))
		}
	})
}

func TestRegistry_WildcardObjectClass(t *testing.T) {
	reg := NewRegistry()
	b := bundle(1)
	byPrefix := &recorder{}
	byPresence := &recorder{}
	_, err := reg.AddServiceListener(b, byPrefix, "(objectclass=Gree*)")
	require.NoError(t, err)
	_, err = reg.AddServiceListener(b, byPresence, "(lang=*)")
	require.NoError(t, err)

	s := register(t, reg, b, "Greeter", props.Properties{"lang": props.String("en")})
	register(t, reg, b, "Clock", nil)

	refs, err := reg.GetServiceReferences("", "(objectclass=Gree*)")
	require.NoError(t, err)
	require.Equal(t, []Reference{s.Reference()}, refs)

	refs, err = reg.GetServiceReferences("", "(objectclass=*)")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	refs, err = reg.GetServiceReferences("", "(objectclass=Cl*ck)")
	require.NoError(t, err)
	require.Len(t, refs, 1)

	require.NoError(t, s.SetProperties(props.Properties{"lang": props.String("fr")}))
	require.NoError(t, s.Unregister())

	want := []EventType{EventRegistered, EventModified, EventUnregistering}
	require.Equal(t, want, byPrefix.types())
	require.Equal(t, want, byPresence.types())
}

func TestRegistry_ConcurrentMutationsWithReentrantListeners(t *testing.T) {
	reg := NewRegistry()
	consumer := bundle(0)
	const workers, rounds = 8, 25

	var delivered atomic.Int64
	_, err := reg.AddServiceListener(consumer, ListenerFunc(func(e Event) {
		if _, err := reg.GetServiceReferences("Worker", "(worker=*)"); err != nil {
			t.Errorf("lookup from listener: %v", err)
		}
		if svc := reg.GetService(consumer, e.Reference); svc != nil {
			if !reg.UngetService(consumer, e.Reference) {
				t.Errorf("unget of %s failed", e.Reference)
			}
		}
		delivered.Add(1)
	}), "(objectclass=Worker)")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			b := bundle(int64(w + 1))
			for i := 0; i < rounds; i++ {
				r, err := reg.RegisterService(b, map[string]any{"Worker": w}, props.Properties{"worker": props.Int32(int32(w))})
				if err != nil {
					t.Errorf("register: %v", err)
					return
				}
				if err := r.SetProperties(props.Properties{"worker": props.Int32(int32(w)), "round": props.Int32(int32(i))}); err != nil {
					t.Errorf("set properties: %v", err)
					return
				}
				if err := r.Unregister(); err != nil {
					t.Errorf("unregister: %v", err)
					return
				}
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		churn := bundle(20)
		for i := 0; i < rounds; i++ {
			tok, err := reg.AddServiceListener(churn, ListenerFunc(func(Event) {}), "(worker=1)")
			if err != nil {
				t.Errorf("add listener: %v", err)
				return
			}
			reg.RemoveServiceListener(churn, tok)
		}
	}()
	wg.Wait()

	require.Equal(t, int64(workers*rounds*3), delivered.Load())
	require.Zero(t, reg.Size())
	require.Equal(t, 1, reg.ListenerCount())
	refs, err := reg.GetServiceReferences("Worker", "")
	require.NoError(t, err)
	require.Empty(t, refs)
}
