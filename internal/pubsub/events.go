// Package pubsub provides a generic, non-blocking publish/subscribe broker.
// It carries log entries to listeners and registry changes to watchers.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// CreatedEvent marks a value seen for the first time.
	CreatedEvent EventType = "created"
	// UpdatedEvent marks a value that replaced an earlier one with the same identity.
	UpdatedEvent EventType = "updated"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
