package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueLen = 64

// Broker fans each published message out to every live subscription.
type Broker[T any] struct {
	mu       sync.RWMutex
	queues   map[chan Message[T]]struct{}
	closed   chan struct{}
	queueLen int
	dropped  atomic.Uint64
}

// NewBroker returns a broker whose subscriptions buffer 64 messages.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerSize[T](defaultQueueLen)
}

// NewBrokerSize returns a broker with the given per-subscription buffer.
func NewBrokerSize[T any](queueLen int) *Broker[T] {
	if queueLen < 0 {
		queueLen = 0
	}
	return &Broker[T]{
		queues:   make(map[chan Message[T]]struct{}),
		closed:   make(chan struct{}),
		queueLen: queueLen,
	}
}

func (b *Broker[T]) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Subscribe registers a subscription that lives until ctx is done or the
// broker closes. Subscribing to a closed broker yields a closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Message[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		q := make(chan Message[T])
		close(q)
		return q
	}

	q := make(chan Message[T], b.queueLen)
	b.queues[q] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.closed:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.queues[q]; ok {
			delete(b.queues, q)
			close(q)
		}
	}()

	return q
}

// Publish offers the payload to every subscription and returns how many
// accepted it. Full subscriptions are skipped and counted as dropped.
func (b *Broker[T]) Publish(topic Topic, payload T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isClosed() {
		return 0
	}

	msg := Message[T]{Topic: topic, Payload: payload, At: time.Now()}
	delivered := 0
	for q := range b.queues {
		select {
		case q <- msg:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped reports how many deliveries were skipped because a subscription
// was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports the number of live subscriptions.
func (b *Broker[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues)
}

// Close ends every subscription. Safe to call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		return
	}
	close(b.closed)
	for q := range b.queues {
		close(q)
	}
	b.queues = map[chan Message[T]]struct{}{}
}
