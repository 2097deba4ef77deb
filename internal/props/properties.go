package props

import (
	"sort"
	"strings"
)

// Reserved property keys.
const (
	ObjectClass    = "objectclass"
	ServiceID      = "service.id"
	ServiceRanking = "service.ranking"
	ServiceScope   = "service.scope"
	ServiceBundle  = "service.bundleid"

	FrameworkUUID      = "framework.uuid"
	BundleSymbolicName = "bundle.symbolicname"
	BundleVersion      = "bundle.version"
)

// Values of the service.scope property.
const (
	ScopeSingleton = "singleton"
	ScopeBundle    = "bundle"
	ScopePrototype = "prototype"
)

// Properties is a case-preserving property map. Lookups can fold case.
// A Properties value is not safe for concurrent mutation; the registry only
// hands out clones.
type Properties map[string]Value

// FromMap converts an untyped map, as decoded from YAML or supplied by
// callers, into Properties. Unsupported value types are dropped.
func FromMap(m map[string]any) Properties {
	p := make(Properties, len(m))
	for k, v := range m {
		val := Of(v)
		if val.IsEmpty() {
			continue
		}
		p[k] = val
	}
	return p
}

// Get returns the value stored under exactly key, or Empty.
func (p Properties) Get(key string) Value {
	return p[key]
}

// Find looks key up. With matchCase false an exact hit wins, otherwise the
// first key (in sorted order) that is equal under case folding is used.
func (p Properties) Find(key string, matchCase bool) (Value, bool) {
	if v, ok := p[key]; ok {
		return v, true
	}
	if matchCase {
		return Empty, false
	}
	found, ok := "", false
	for k := range p {
		if strings.EqualFold(k, key) && (!ok || k < found) {
			found, ok = k, true
		}
	}
	if !ok {
		return Empty, false
	}
	return p[found], true
}

// Keys returns the keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ToMap converts back to native Go values.
func (p Properties) ToMap() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}
