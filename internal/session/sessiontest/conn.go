// Package sessiontest provides an in-memory session.Connection for tests.
package sessiontest

import (
	"context"
	"strconv"
	"sync"

	"github.com/zjrosen/pwgraph/internal/session"
)

// LinkFactory is the factory name announced by AnnounceLinkFactory.
const LinkFactory = "link-factory"

// Created records one CreateObject call.
type Created struct {
	Factory string
	Props   map[string]string
}

// Conn is a scripted connection. Globals are pushed with Announce and the
// stream ends with End.
type Conn struct {
	globals chan session.Global

	mu        sync.Mutex
	nextID    uint32
	err       error
	createErr error
	created   []Created
	closed    bool
	ended     bool
}

// NewConn returns a connection whose globals channel holds up to buffer entries.
func NewConn(buffer int) *Conn {
	return &Conn{globals: make(chan session.Global, buffer)}
}

// Dialer returns a session.Dialer that always yields c.
func (c *Conn) Dialer() session.Dialer {
	return func(context.Context) (session.Connection, error) {
		return c, nil
	}
}

// Announce pushes a global with the given properties. It blocks when the
// buffer is full.
func (c *Conn) Announce(props map[string]string) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	c.globals <- session.Global{ID: id, Props: props}
}

// AnnounceLinkFactory pushes the link factory global.
func (c *Conn) AnnounceLinkFactory() {
	c.Announce(map[string]string{
		session.KeyFactoryTypeName: session.LinkInterfaceType,
		session.KeyFactoryName:     LinkFactory,
		"factory.type.version":     strconv.Itoa(3),
	})
}

// End closes the globals stream, reporting err from Err.
func (c *Conn) End(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.globals)
}

// FailCreates makes subsequent CreateObject calls return err.
func (c *Conn) FailCreates(err error) {
	c.mu.Lock()
	c.createErr = err
	c.mu.Unlock()
}

// Created returns the CreateObject calls seen so far.
func (c *Conn) Created() []Created {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Created(nil), c.created...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Globals() <-chan session.Global {
	return c.globals
}

func (c *Conn) CreateObject(_ context.Context, factory string, props map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, Created{Factory: factory, Props: props})
	return c.createErr
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
