package framework

import (
	"fmt"

	"github.com/zjrosen/modkit/internal/pubsub"
	"github.com/zjrosen/modkit/internal/service"
)

// BundleEventType tells bundle listeners what happened to a bundle.
type BundleEventType int

const (
	BundleInstalled BundleEventType = 1 << iota
	BundleStarting
	BundleStarted
	BundleStopping
	BundleStopped
	BundleUninstalled
)

func (t BundleEventType) String() string {
	switch t {
	case BundleInstalled:
		return "INSTALLED"
	case BundleStarting:
		return "STARTING"
	case BundleStarted:
		return "STARTED"
	case BundleStopping:
		return "STOPPING"
	case BundleStopped:
		return "STOPPED"
	case BundleUninstalled:
		return "UNINSTALLED"
	default:
		return fmt.Sprintf("BundleEventType(%d)", int(t))
	}
}

// BundleEvent is delivered synchronously to bundle listeners.
type BundleEvent struct {
	Type   BundleEventType
	Bundle *Bundle
}

func (e BundleEvent) String() string {
	return fmt.Sprintf("%s %s", e.Type, e.Bundle)
}

// BundleListener receives bundle lifecycle events.
type BundleListener interface {
	BundleChanged(BundleEvent)
}

// BundleListenerFunc adapts a function to BundleListener.
type BundleListenerFunc func(BundleEvent)

func (f BundleListenerFunc) BundleChanged(e BundleEvent) { f(e) }

// EventKind classifies framework events.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
	EventError   EventKind = "error"
	EventWarning EventKind = "warning"
	EventBundle  EventKind = "bundle"
	EventService EventKind = "service"
)

// Topics used on the framework event broker.
const (
	TopicFramework pubsub.Topic = "framework"
	TopicBundle    pubsub.Topic = "bundle"
	TopicService   pubsub.Topic = "service"
)

// Event is published asynchronously to Events subscribers. Subscribers
// that fall behind lose events; listener semantics never depend on them.
type Event struct {
	Kind         EventKind
	Bundle       *Bundle
	BundleEvent  BundleEventType // set for EventBundle
	ServiceEvent service.Event   // set for EventService
	Err          error
}

func (e Event) String() string {
	switch e.Kind {
	case EventBundle:
		return fmt.Sprintf("bundle %s %s", e.BundleEvent, e.Bundle)
	case EventService:
		return "service " + e.ServiceEvent.String()
	case EventError, EventWarning:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Bundle, e.Err)
	default:
		return string(e.Kind)
	}
}
