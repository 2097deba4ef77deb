// Package pubsub fans framework notifications out to asynchronous observers.
// Delivery is lossy: a slow observer misses messages rather than stalling
// the publisher.
package pubsub

import (
	"context"
	"time"
)

// Topic classifies a published message.
type Topic string

// Message is one published payload.
type Message[T any] struct {
	Topic   Topic
	Payload T
	At      time.Time
}

// Subscriber hands out subscription channels.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Message[T]
}

// Publisher accepts payloads for fan-out.
type Publisher[T any] interface {
	Publish(topic Topic, payload T) int
}
