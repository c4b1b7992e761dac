// Package registry holds the in-memory mirror of the session graph.
//
// The Manager is an actor: one goroutine owns every collection and handles
// one message at a time, either an event from the session loop or a read
// request from the service layer. Nothing outside that goroutine touches the
// state, so no locks guard it.
package registry

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/pubsub"
	"github.com/zjrosen/pwgraph/internal/tracing"
)

const (
	// DefaultEventQueue is the default capacity of the event input.
	DefaultEventQueue = 4096
	// DefaultRequestQueue is the default capacity of the request input.
	DefaultRequestQueue = 256
	// DefaultFeedBuffer is the per-subscriber buffer of the change feed.
	DefaultFeedBuffer = 256
)

// Recorder observes collection sizes. metrics.Collectors implements it.
type Recorder interface {
	ObjectCount(kind graph.Kind, n int)
}

type nopRecorder struct{}

func (nopRecorder) ObjectCount(graph.Kind, int) {}

// Option configures the Manager.
type Option func(*Manager)

// WithEventQueue sets the event input capacity.
func WithEventQueue(capacity int) Option {
	return func(m *Manager) {
		if capacity > 0 {
			m.eventCapacity = capacity
		}
	}
}

// WithRequestQueue sets the request input capacity.
func WithRequestQueue(capacity int) Option {
	return func(m *Manager) {
		if capacity > 0 {
			m.requestCapacity = capacity
		}
	}
}

// WithFeedBuffer sets the per-subscriber buffer of the change feed.
func WithFeedBuffer(size int) Option {
	return func(m *Manager) {
		m.feedBuffer = size
	}
}

// WithRecorder sets the collection size observer.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Stats is a snapshot of the registry and its queues.
type Stats struct {
	Counts
	EventsApplied    int64
	RequestsServed   int64
	AbandonedReplies int64
	EventQueue       int
	RequestQueue     int
	FeedDropped      int64
}

// Manager is the registry actor.
type Manager struct {
	events          chan graph.Event
	eventCapacity   int
	requests        chan request
	requestCapacity int
	feedBuffer      int

	feed     *pubsub.Broker[graph.Event]
	recorder Recorder
	tracer   trace.Tracer

	// Owned by the Run goroutine.
	state state

	// lifecycle guards started and stopped so Stop and Run agree on
	// whether the loop ever runs.
	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	running   atomic.Bool
	readyCh   chan struct{}
	done      chan struct{}

	eventsApplied  atomic.Int64
	requestsServed atomic.Int64
	abandoned      atomic.Int64
}

// NewManager creates a Manager. Its event input is usable before Run.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		eventCapacity:   DefaultEventQueue,
		requestCapacity: DefaultRequestQueue,
		feedBuffer:      DefaultFeedBuffer,
		recorder:        nopRecorder{},
		tracer:          tracing.NoopTracer(),
		stop:            make(chan struct{}),
		readyCh:         make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = make(chan graph.Event, m.eventCapacity)
	m.requests = make(chan request, m.requestCapacity)
	m.feed = pubsub.NewBrokerWithBuffer[graph.Event](m.feedBuffer)
	return m
}

// Events is the write path. Senders block while it is full.
func (m *Manager) Events() chan<- graph.Event {
	return m.events
}

// Run processes events and requests until ctx is cancelled or Stop is
// called. Only the first call runs; later calls, and any call after Stop,
// return immediately.
func (m *Manager) Run(ctx context.Context) {
	m.lifecycle.Lock()
	if m.started || m.stopped {
		m.lifecycle.Unlock()
		return
	}
	m.started = true
	m.running.Store(true)
	m.lifecycle.Unlock()

	close(m.readyCh)
	log.Info(log.CatRegistry, "registry running",
		"event_queue", m.eventCapacity, "request_queue", m.requestCapacity)

	defer func() {
		m.running.Store(false)
		m.feed.Close()
		close(m.done)
		log.Info(log.CatRegistry, "registry stopped",
			"events", m.eventsApplied.Load(), "requests", m.requestsServed.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case ev := <-m.events:
			m.applyEvent(ev)
		case req := <-m.requests:
			m.serve(req)
		}
	}
}

// WaitForReady blocks until Run has started.
func (m *Manager) WaitForReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends Run and waits for it to return. Queued messages are dropped.
// Called before Run, it keeps Run from ever starting.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	started := m.started
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.lifecycle.Unlock()

	if started {
		<-m.done
	}
}

// IsRunning reports whether the actor is accepting requests.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Subscribe returns the change feed: every applied event, as CreatedEvent,
// or UpdatedEvent when a port replaced an earlier one. With kinds, only
// events of those kinds are delivered. Slow subscribers miss events rather
// than stall the registry.
func (m *Manager) Subscribe(ctx context.Context, kinds ...graph.Kind) <-chan pubsub.Event[graph.Event] {
	if len(kinds) == 0 {
		return m.feed.Subscribe(ctx)
	}
	return m.feed.Subscribe(ctx, func(ev graph.Event) bool {
		return slices.Contains(kinds, ev.Kind())
	})
}

func (m *Manager) applyEvent(ev graph.Event) {
	replaced := m.state.apply(ev)
	m.eventsApplied.Add(1)
	kind := ev.Kind()
	m.recorder.ObjectCount(kind, m.state.count(kind))

	evType := pubsub.CreatedEvent
	if replaced {
		evType = pubsub.UpdatedEvent
	}
	m.feed.Publish(evType, ev)
	log.Debug(log.CatRegistry, "event applied", "kind", kind, "replaced", replaced)
}

func (m *Manager) serve(req request) {
	m.requestsServed.Add(1)
	ctx := req.requestContext()
	if ctx.Err() != nil {
		m.abandon(req)
		return
	}
	if !req.serve(&m.state) {
		m.abandon(req)
	}
}

// abandon records a reply nobody is waiting for. The actor carries on.
func (m *Manager) abandon(req request) {
	m.abandoned.Add(1)
	trace.SpanFromContext(req.requestContext()).AddEvent(tracing.EventReplyAbandoned)
	log.Warn(log.CatRegistry, "reply abandoned", "request", req.name(), "reason", context.Cause(req.requestContext()))
}

func (m *Manager) submit(req request) error {
	if !m.running.Load() {
		return ErrNotRunning
	}
	select {
	case m.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// do submits the request built by mk and waits for its reply.
func do[T any, R request](ctx context.Context, m *Manager, mk func(reply[T]) R) (T, error) {
	var zero T
	ctx, span := tracing.StartRegistrySpan(ctx, m.tracer, mk(reply[T]{}).name())

	r := newReply[T](ctx)
	if err := m.submit(mk(r)); err != nil {
		tracing.End(span, err)
		return zero, err
	}
	span.AddEvent(tracing.EventRequestQueued)

	select {
	case v := <-r.ch:
		tracing.End(span, nil)
		return v, nil
	case <-ctx.Done():
		tracing.End(span, ctx.Err())
		return zero, ctx.Err()
	case <-m.done:
		select {
		case v := <-r.ch:
			tracing.End(span, nil)
			return v, nil
		default:
		}
		tracing.End(span, ErrNotRunning)
		return zero, ErrNotRunning
	}
}

// ListNodes returns all nodes in arrival order.
func (m *Manager) ListNodes(ctx context.Context) ([]graph.Node, error) {
	return do(ctx, m, func(r reply[[]graph.Node]) listNodes { return listNodes{r} })
}

// ListPorts returns all ports ordered by (direction, node id, port id).
func (m *Manager) ListPorts(ctx context.Context) ([]graph.Port, error) {
	return do(ctx, m, func(r reply[[]graph.Port]) listPorts { return listPorts{r} })
}

// ListDevices returns all devices in arrival order.
func (m *Manager) ListDevices(ctx context.Context) ([]graph.Device, error) {
	return do(ctx, m, func(r reply[[]graph.Device]) listDevices { return listDevices{r} })
}

// ListApplications returns all applications in arrival order.
func (m *Manager) ListApplications(ctx context.Context) ([]graph.Application, error) {
	return do(ctx, m, func(r reply[[]graph.Application]) listApplications { return listApplications{r} })
}

// ListLinks returns all links in arrival order.
func (m *Manager) ListLinks(ctx context.Context) ([]graph.Link, error) {
	return do(ctx, m, func(r reply[[]graph.Link]) listLinks { return listLinks{r} })
}

// GetPortBySerial scans ports for the first with the given serial.
// It returns ErrPortNotFound when none matches. graph.InvalidID marks a
// missing serial, so looking it up never matches, even for a port whose
// object.serial really is 65535.
func (m *Manager) GetPortBySerial(ctx context.Context, serial graph.ObjectID) (graph.Port, error) {
	res, err := do(ctx, m, func(r reply[portLookup]) getPortBySerial {
		return getPortBySerial{reply: r, serial: serial}
	})
	if err != nil {
		return graph.Port{}, err
	}
	if !res.found {
		return graph.Port{}, ErrPortNotFound
	}
	return res.port, nil
}

// Stats returns collection sizes, read through the actor, plus counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := do(ctx, m, func(r reply[Counts]) stats { return stats{r} })
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Counts:           counts,
		EventsApplied:    m.eventsApplied.Load(),
		RequestsServed:   m.requestsServed.Load(),
		AbandonedReplies: m.abandoned.Load(),
		EventQueue:       len(m.events),
		RequestQueue:     len(m.requests),
		FeedDropped:      m.feed.Dropped(),
	}, nil
}
