// Package session owns the connection to the native session service.
//
// A Loop pins itself to one OS thread and is the only code that touches the
// Connection: it forwards every announced global object through the
// translator to the registry, resolves the link factory once at startup, and
// executes link creation commands submitted from other goroutines.
package session

import (
	"context"
	"errors"
)

// Global is one object announced by the session registry.
type Global struct {
	ID    uint32
	Type  string
	Props map[string]string
}

// Connection is the native session handle. It is not safe for concurrent use;
// only the Loop calls it.
type Connection interface {
	// Globals streams announced objects in session order. The channel is
	// closed when the connection ends; Err then reports why.
	Globals() <-chan Global
	// CreateObject asks the session to instantiate an object from a factory.
	CreateObject(ctx context.Context, factory string, props map[string]string) error
	Err() error
	Close() error
}

// Dialer initializes the native library and opens a connection with a
// registry listener attached.
type Dialer func(ctx context.Context) (Connection, error)

var (
	// ErrFactoryNotResolved means the globals stream ended (or the deadline
	// passed) before the link factory was announced.
	ErrFactoryNotResolved = errors.New("link factory not resolved")
	// ErrQueueFull is returned when the command queue is at capacity.
	ErrQueueFull = errors.New("session command queue full")
	// ErrLoopStopped is returned for commands submitted to, or pending in, a
	// loop that is not running.
	ErrLoopStopped = errors.New("session loop stopped")
	// ErrConnectionClosed means the native connection ended unexpectedly.
	ErrConnectionClosed = errors.New("session connection closed")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("session loop already started")
)
