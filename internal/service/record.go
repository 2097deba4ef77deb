package service

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/zjrosen/modkit/internal/props"
)

type state int

const (
	stateRegistered state = iota
	stateUnregistering
	stateGone
)

type use struct {
	bundle Bundle
	count  int
}

// record is one registration. id, owner, classes and registry never
// change. mu guards the rest; the registry lock is taken before mu.
type record struct {
	id       int64
	owner    Bundle
	classes  []string
	registry *Registry

	mu       sync.Mutex
	state    state
	services map[string]any
	props    props.Properties
	ranking  int32
	users    map[int64]*use
}

func (r *record) snapshot() (props.Properties, state) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.props, r.state
}

// rankingOf reads service.ranking. Any integer that fits in an int32 is
// accepted; everything else ranks 0.
func rankingOf(p props.Properties) int32 {
	v, ok := p.Find(props.ServiceRanking, false)
	if !ok {
		return 0
	}
	if i, ok := v.AsInt(); ok && i >= math.MinInt32 && i <= math.MaxInt32 {
		return int32(i)
	}
	if u, ok := v.AsUint(); ok && u <= math.MaxInt32 {
		return int32(u)
	}
	return 0
}

var reservedKeys = []string{props.ObjectClass, props.ServiceID, props.ServiceScope, props.ServiceBundle}

// buildProperties copies the caller's properties and sets the keys the
// registry owns, replacing any caller value for them regardless of case.
func buildProperties(id int64, owner Bundle, classes []string, user props.Properties) props.Properties {
	out := make(props.Properties, len(user)+len(reservedKeys))
	for k, v := range user {
		reserved := false
		for _, r := range reservedKeys {
			if strings.EqualFold(k, r) {
				reserved = true
				break
			}
		}
		if !reserved {
			out[k] = v
		}
	}
	out[props.ObjectClass] = props.Strings(classes...)
	out[props.ServiceID] = props.Int64(id)
	out[props.ServiceScope] = props.String(props.ScopeSingleton)
	out[props.ServiceBundle] = props.Int64(owner.ID())
	return out
}

// ranks reports whether a sorts before b: higher ranking first, then the
// later registration.
func ranks(a, b *record) bool {
	if a.ranking != b.ranking {
		return a.ranking > b.ranking
	}
	return a.id > b.id
}

func sortRecords(recs []*record) {
	sort.SliceStable(recs, func(i, j int) bool { return ranks(recs[i], recs[j]) })
}

// Reference is a comparable handle on a registration. It stays comparable
// and usable as a map key after the service is gone; the zero Reference
// refers to nothing.
type Reference struct {
	rec *record
}

func (r Reference) IsZero() bool { return r.rec == nil }

// ID is the registry assigned service id, or 0 for the zero Reference.
func (r Reference) ID() int64 {
	if r.rec == nil {
		return 0
	}
	return r.rec.id
}

// Bundle is the registering bundle.
func (r Reference) Bundle() Bundle {
	if r.rec == nil {
		return nil
	}
	return r.rec.owner
}

// Classes lists the interface names, sorted.
func (r Reference) Classes() []string {
	if r.rec == nil {
		return nil
	}
	return append([]string(nil), r.rec.classes...)
}

// Properties returns a copy of the current properties.
func (r Reference) Properties() props.Properties {
	if r.rec == nil {
		return props.Properties{}
	}
	p, _ := r.rec.snapshot()
	return p.Clone()
}

// Property looks key up case-insensitively.
func (r Reference) Property(key string) props.Value {
	if r.rec == nil {
		return props.Empty
	}
	p, _ := r.rec.snapshot()
	v, _ := p.Find(key, false)
	return v
}

// Ranking is the effective service ranking.
func (r Reference) Ranking() int32 {
	if r.rec == nil {
		return 0
	}
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	return r.rec.ranking
}

// IsAvailable is true until unregistration has completed.
func (r Reference) IsAvailable() bool {
	if r.rec == nil {
		return false
	}
	_, st := r.rec.snapshot()
	return st != stateGone
}

// UsingBundles lists the bundles holding the service, ordered by id.
func (r Reference) UsingBundles() []Bundle {
	if r.rec == nil {
		return nil
	}
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	out := make([]Bundle, 0, len(r.rec.users))
	for _, u := range r.rec.users {
		out = append(out, u.bundle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Before reports whether r ranks ahead of o in lookups.
func (r Reference) Before(o Reference) bool {
	if r.rec == nil || o.rec == nil {
		return o.rec == nil && r.rec != nil
	}
	r.rec.registry.mu.RLock()
	defer r.rec.registry.mu.RUnlock()
	return ranks(r.rec, o.rec)
}

func (r Reference) String() string {
	if r.rec == nil {
		return "service(<none>)"
	}
	return fmt.Sprintf("service(id=%d %s)", r.rec.id, strings.Join(r.rec.classes, ","))
}

// Registration is held by the registering bundle to update or withdraw the
// service.
type Registration struct {
	rec *record
}

func (r *Registration) Reference() Reference { return Reference{rec: r.rec} }

// SetProperties replaces the caller supplied properties. The registry's own
// keys are kept.
func (r *Registration) SetProperties(p props.Properties) error {
	return r.rec.registry.setProperties(r.rec, p)
}

// Unregister withdraws the service. Listeners see UNREGISTERING while the
// service can still be fetched through existing references, but lookups no
// longer find it. A second call returns ErrUnregistered.
func (r *Registration) Unregister() error {
	return r.rec.registry.unregister(r.rec)
}
