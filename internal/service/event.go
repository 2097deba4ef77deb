// Package service implements the service registry: bundles publish service
// objects under interface names with a property map, consumers look them up
// by name and LDAP filter, and listeners are told synchronously about every
// registration, modification and unregistration.
package service

import (
	"errors"
	"fmt"
)

var (
	ErrNilBundle         = errors.New("bundle is required")
	ErrInvalidService    = errors.New("invalid service")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrUnregistered      = errors.New("service already unregistered")
	ErrDuplicateListener = errors.New("listener already registered by this bundle")
)

// Bundle identifies the owner of registrations, uses and listeners. IDs
// are unique within a framework.
type Bundle interface {
	ID() int64
	SymbolicName() string
}

// EventType tells listeners what happened to a service.
type EventType int

const (
	EventRegistered EventType = 1 << iota
	EventModified
	EventUnregistering
	// EventModifiedEndMatch goes to listeners whose filter matched before a
	// property change and no longer does.
	EventModifiedEndMatch
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "REGISTERED"
	case EventModified:
		return "MODIFIED"
	case EventUnregistering:
		return "UNREGISTERING"
	case EventModifiedEndMatch:
		return "MODIFIED_ENDMATCH"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered to service listeners.
type Event struct {
	Type      EventType
	Reference Reference
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Type, e.Reference)
}

// Listener receives service events on the goroutine that caused them.
type Listener interface {
	ServiceChanged(Event)
}

// ListenerFunc adapts a function to Listener. Function listeners cannot be
// compared, so each registration of one is distinct.
type ListenerFunc func(Event)

func (f ListenerFunc) ServiceChanged(e Event) { f(e) }

// Token identifies one listener registration.
type Token int64

// ListenerError describes a listener that panicked during delivery.
type ListenerError struct {
	Bundle Bundle
	Event  Event
	Value  any
}

func (e ListenerError) Error() string {
	name := "<nil>"
	if e.Bundle != nil {
		name = e.Bundle.SymbolicName()
	}
	return fmt.Sprintf("service listener of bundle %s panicked on %s: %v", name, e.Event.Type, e.Value)
}
