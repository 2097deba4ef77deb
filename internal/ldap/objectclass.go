package ldap

import (
	"sort"
	"strings"

	"github.com/zjrosen/modkit/internal/props"
)

// MatchedObjectClasses returns the interface names any match of e must
// carry in its objectclass property, sorted. ok is false when e places no
// such restriction, in which case every record is a candidate.
//
// AND keeps the intersection of the children that restrict. OR restricts
// only when every child restricts; one unrestricted branch makes the whole
// OR unrestricted.
func (e Expr) MatchedObjectClasses() (classes []string, ok bool) {
	set, ok := e.matchedObjectClasses()
	if !ok {
		return nil, false
	}
	classes = make([]string, 0, len(set))
	for c := range set {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes, true
}

func (e Expr) matchedObjectClasses() (map[string]struct{}, bool) {
	if e.n == nil {
		return nil, false
	}
	switch e.n.op {
	case OpEq:
		if strings.EqualFold(e.n.attr, props.ObjectClass) && !strings.Contains(e.n.value, wildcardString) {
			return map[string]struct{}{e.n.value: {}}, true
		}
		return nil, false

	case OpAnd:
		var acc map[string]struct{}
		restricted := false
		for _, c := range e.n.children {
			set, ok := c.matchedObjectClasses()
			if !ok {
				continue
			}
			restricted = true
			if len(acc) == 0 {
				acc = set
				continue
			}
			for name := range acc {
				if _, keep := set[name]; !keep {
					delete(acc, name)
				}
			}
		}
		return acc, restricted

	case OpOr:
		acc := map[string]struct{}{}
		for _, c := range e.n.children {
			set, ok := c.matchedObjectClasses()
			if !ok {
				return nil, false
			}
			for name := range set {
				acc[name] = struct{}{}
			}
		}
		return acc, true
	}
	return nil, false
}

// SimpleKeys reports whether e is an equality on one of keys, or an OR made
// only of such equalities, with no wildcards. When it is, the returned map
// holds the values compared per key. Listener dispatch uses it to index
// filters by objectclass and service.id instead of evaluating them.
//
// keys are expected in lower case. With matchCase false attribute names are
// lowered before the lookup.
func (e Expr) SimpleKeys(keys []string, matchCase bool) (map[string][]string, bool) {
	out := map[string][]string{}
	if !e.simpleKeys(keys, matchCase, out) {
		return nil, false
	}
	return out, true
}

func (e Expr) simpleKeys(keys []string, matchCase bool, out map[string][]string) bool {
	if e.n == nil {
		return false
	}
	switch e.n.op {
	case OpEq:
		name := e.n.attr
		if !matchCase {
			name = strings.ToLower(name)
		}
		if strings.Contains(e.n.value, wildcardString) {
			return false
		}
		for _, k := range keys {
			if k == name {
				out[k] = append(out[k], e.n.value)
				return true
			}
		}
		return false
	case OpOr:
		for _, c := range e.n.children {
			if !c.simpleKeys(keys, matchCase, out) {
				return false
			}
		}
		return true
	}
	return false
}
