package service

import (
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/props"
)

// Keys whose simple equality filters are indexed instead of evaluated.
var hashedKeys = []string{props.ObjectClass, props.ServiceID}

type listenerEntry struct {
	token    Token
	bundle   Bundle
	listener Listener
	filter   ldap.Filter
	hashed   map[string][]string // nil when the filter has to be evaluated
	removed  atomic.Bool
}

// listenerTable keeps service listeners. Simple filters on objectclass or
// service.id are indexed by value; everything else lives in complicated and
// is evaluated per event.
type listenerTable struct {
	mu          sync.Mutex
	next        Token
	entries     map[Token]*listenerEntry
	complicated map[Token]*listenerEntry
	index       map[string]map[string]map[Token]*listenerEntry // key -> value -> entries
}

func newListenerTable() *listenerTable {
	idx := make(map[string]map[string]map[Token]*listenerEntry, len(hashedKeys))
	for _, k := range hashedKeys {
		idx[k] = map[string]map[Token]*listenerEntry{}
	}
	return &listenerTable{
		entries:     map[Token]*listenerEntry{},
		complicated: map[Token]*listenerEntry{},
		index:       idx,
	}
}

// sameListener compares listener values when their dynamic type allows it.
func sameListener(a, b Listener) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// hashable reports which index values f can be filed under.
func hashable(f ldap.Filter) (map[string][]string, bool) {
	if f.IsEmpty() {
		return nil, false
	}
	keys, ok := f.Expr().SimpleKeys(hashedKeys, false)
	if !ok {
		return nil, false
	}
	// Ids are indexed by their canonical decimal form; "(service.id=07)" has
	// to be evaluated to match id 7.
	for _, v := range keys[props.ServiceID] {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || strconv.FormatInt(n, 10) != v {
			return nil, false
		}
	}
	return keys, true
}

func (t *listenerTable) add(b Bundle, l Listener, f ldap.Filter) (Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.bundle.ID() == b.ID() && sameListener(e.listener, l) {
			return 0, ErrDuplicateListener
		}
	}

	t.next++
	e := &listenerEntry{token: t.next, bundle: b, listener: l, filter: f}
	t.entries[e.token] = e

	if keys, ok := hashable(f); ok {
		e.hashed = keys
		for k, values := range keys {
			for _, v := range values {
				byValue := t.index[k]
				if byValue[v] == nil {
					byValue[v] = map[Token]*listenerEntry{}
				}
				byValue[v][e.token] = e
			}
		}
	} else {
		t.complicated[e.token] = e
	}
	return e.token, nil
}

func (t *listenerTable) removeLocked(e *listenerEntry) {
	e.removed.Store(true)
	delete(t.entries, e.token)
	if e.hashed == nil {
		delete(t.complicated, e.token)
		return
	}
	for k, values := range e.hashed {
		for _, v := range values {
			byValue := t.index[k]
			delete(byValue[v], e.token)
			if len(byValue[v]) == 0 {
				delete(byValue, v)
			}
		}
	}
}

// remove drops the listener if b owns it.
func (t *listenerTable) remove(b Bundle, tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tok]
	if !ok || e.bundle.ID() != b.ID() {
		return false
	}
	t.removeLocked(e)
	return true
}

// removeBundle drops every listener owned by b and returns how many.
func (t *listenerTable) removeBundle(b Bundle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.bundle.ID() == b.ID() {
			t.removeLocked(e)
			n++
		}
	}
	return n
}

func (t *listenerTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// matching returns, in registration order, the listeners interested in a
// service with the given id, classes and properties.
func (t *listenerTable) matching(id int64, classes []string, p props.Properties) []*listenerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := map[Token]*listenerEntry{}
	for tok, e := range t.complicated {
		if e.filter.Match(p) {
			set[tok] = e
		}
	}
	for _, c := range classes {
		for tok, e := range t.index[props.ObjectClass][c] {
			set[tok] = e
		}
	}
	for tok, e := range t.index[props.ServiceID][strconv.FormatInt(id, 10)] {
		set[tok] = e
	}

	out := make([]*listenerEntry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].token < out[j].token })
	return out
}
