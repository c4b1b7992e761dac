package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Filter selects the payloads a subscriber receives.
type Filter[T any] func(T) bool

type subscription[T any] struct {
	ch     chan Event[T]
	filter Filter[T]
}

func (s *subscription[T]) wants(payload T) bool {
	return s.filter == nil || s.filter(payload)
}

// Broker fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the broker counts the drop.
// Filtered-out events never reach a subscriber's buffer.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[*subscription[T]]struct{}
	closed     chan struct{}
	bufferSize int
	dropped    atomic.Int64
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker whose subscribers buffer size events.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[*subscription[T]]struct{}),
		closed:     make(chan struct{}),
		bufferSize: size,
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

// Subscribe returns a channel of events matching every filter. It is closed
// when ctx ends or the broker closes. Subscribing to a closed broker yields
// an already closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...Filter[T]) <-chan Event[T] {
	sub := &subscription[T]{
		ch:     make(chan Event[T], b.bufferSize),
		filter: all(filters),
	}

	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.unsubscribeOnDone(ctx, sub)
	return sub.ch
}

func (b *Broker[T]) unsubscribeOnDone(ctx context.Context, sub *subscription[T]) {
	select {
	case <-ctx.Done():
	case <-b.closed:
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

func all[T any](filters []Filter[T]) Filter[T] {
	switch len(filters) {
	case 0:
		return nil
	case 1:
		return filters[0]
	}
	return func(v T) bool {
		for _, f := range filters {
			if f != nil && !f(v) {
				return false
			}
		}
		return true
	}
}

// Publish delivers payload to every interested subscriber.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isClosed() {
		return
	}

	event := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		if !sub.wants(payload) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later calls are no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return
	}
	close(b.closed)
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}
