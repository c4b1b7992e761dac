package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/translator"
)

const (
	// DefaultCommandQueue is the default capacity of the command queue.
	DefaultCommandQueue = 64
	// DefaultFactoryTimeout bounds factory resolution at startup.
	DefaultFactoryTimeout = 10 * time.Second
	// DefaultCommandTimeout bounds a single native create call.
	DefaultCommandTimeout = 5 * time.Second
)

// Recorder observes translation outcomes. metrics.Collectors implements it.
type Recorder interface {
	EventForwarded(kind graph.Kind)
	TranslateFailed(kind graph.Kind)
}

type nopRecorder struct{}

func (nopRecorder) EventForwarded(graph.Kind)  {}
func (nopRecorder) TranslateFailed(graph.Kind) {}

// Option configures a Loop.
type Option func(*Loop)

// WithCommandQueue sets the command queue capacity.
func WithCommandQueue(capacity int) Option {
	return func(l *Loop) {
		if capacity > 0 {
			l.commandCapacity = capacity
		}
	}
}

// WithFactoryTimeout bounds factory resolution. Zero waits until the globals
// stream ends.
func WithFactoryTimeout(d time.Duration) Option {
	return func(l *Loop) {
		l.factoryTimeout = d
	}
}

// WithCommandTimeout bounds each native create call.
func WithCommandTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.commandTimeout = d
		}
	}
}

// WithRecorder sets the translation observer.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		if r != nil {
			l.recorder = r
		}
	}
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Running       bool
	Factories     graph.Factories
	Forwarded     int64
	Failed        int64
	Unclassified  int64
	Commands      int64
	CommandErrors int64
	QueueLength   int
}

// Loop runs the native session on a dedicated OS thread.
type Loop struct {
	dial   Dialer
	events chan<- graph.Event

	commands        chan *PendingCommand
	commandCapacity int
	factoryTimeout  time.Duration
	commandTimeout  time.Duration
	recorder        Recorder

	started   atomic.Bool
	running   atomic.Bool
	resolved  chan struct{}
	factories atomic.Pointer[graph.Factories]
	done      chan struct{}

	forwarded     atomic.Int64
	failed        atomic.Int64
	unclassified  atomic.Int64
	commandCount  atomic.Int64
	commandErrors atomic.Int64
}

// NewLoop creates a loop that dials with dial and sends translated events to
// events. Sends block when events is full, so no event is lost or reordered.
func NewLoop(dial Dialer, events chan<- graph.Event, opts ...Option) *Loop {
	l := &Loop{
		dial:            dial,
		events:          events,
		commandCapacity: DefaultCommandQueue,
		factoryTimeout:  DefaultFactoryTimeout,
		commandTimeout:  DefaultCommandTimeout,
		recorder:        nopRecorder{},
		resolved:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.commands = make(chan *PendingCommand, l.commandCapacity)
	return l
}

// Run connects, resolves the link factory and serves globals and commands
// until ctx is cancelled (nil error) or the connection fails.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(l.done)

	// The native handle must never migrate between threads.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log.Info(log.CatSession, "connecting to session service")
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to session service: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.ErrorErr(log.CatSession, "closing connection", cerr)
		}
	}()

	// Accept commands while resolving; they wait in the queue until the
	// factory is known.
	l.running.Store(true)
	defer l.shutdown()

	globals := conn.Globals()
	resolver := Resolver{Timeout: l.factoryTimeout, Forward: l.forward}
	factories, err := resolver.Resolve(ctx, globals)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return l.connErr(conn, err)
	}
	return l.serve(ctx, conn, globals, factories)
}

// serve runs once the factories are known: it publishes them, then forwards
// globals and executes queued commands until ctx ends or the stream closes.
func (l *Loop) serve(ctx context.Context, conn Connection, globals <-chan Global, factories graph.Factories) error {
	l.factories.Store(&factories)
	close(l.resolved)

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatSession, "session loop stopping")
			return nil
		case g, ok := <-globals:
			if !ok {
				return l.connErr(conn, ErrConnectionClosed)
			}
			if err := l.forward(ctx, g); err != nil {
				return nil
			}
		case cmd := <-l.commands:
			l.execute(ctx, conn, factories.Link, cmd)
		}
	}
}

func (l *Loop) connErr(conn Connection, err error) error {
	if cerr := conn.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", err, cerr)
	}
	return err
}

// forward translates one global and hands the event to the registry. It only
// fails when ctx ends while waiting for room in the event queue.
func (l *Loop) forward(ctx context.Context, g Global) error {
	ev, err := translator.Classify(g.Props)
	if err != nil {
		l.failed.Add(1)
		kind := graph.Kind("unknown")
		var missing *translator.MissingFieldError
		if errors.As(err, &missing) {
			kind = missing.Kind
		}
		l.recorder.TranslateFailed(kind)
		log.ErrorErr(log.CatTranslator, "dropping global", err, "global", g.ID, "type", g.Type)
		return nil
	}
	if ev == nil {
		l.unclassified.Add(1)
		log.Debug(log.CatTranslator, "unclassified global", "global", g.ID, "type", g.Type)
		return nil
	}

	select {
	case l.events <- ev:
		l.forwarded.Add(1)
		l.recorder.EventForwarded(ev.Kind())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) execute(ctx context.Context, conn Connection, factory string, cmd *PendingCommand) {
	l.commandCount.Add(1)

	cctx, cancel := context.WithTimeout(ctx, l.commandTimeout)
	defer cancel()

	err := conn.CreateObject(cctx, factory, cmd.Request.Props())
	if err != nil {
		l.commandErrors.Add(1)
		err = fmt.Errorf("creating link %s: %w", cmd.Request, err)
		log.ErrorErr(log.CatSession, "link creation failed", err, "command_id", cmd.ID)
	} else {
		log.Info(log.CatSession, "link created", "command_id", cmd.ID, "link", cmd.Request.String())
	}
	cmd.complete(err)
}

// shutdown stops accepting commands and fails any still queued.
func (l *Loop) shutdown() {
	l.running.Store(false)
	for {
		select {
		case cmd := <-l.commands:
			cmd.complete(ErrLoopStopped)
		default:
			return
		}
	}
}

// CreateLink queues a link creation without blocking. The returned command
// completes once the native call has returned.
func (l *Loop) CreateLink(req LinkRequest) (*PendingCommand, error) {
	return l.CreateLinkWithID(NewCommandID(), req)
}

// CreateLinkWithID is CreateLink for a caller that picked the command id up
// front, so it can hand the id out before the command is queued.
func (l *Loop) CreateLinkWithID(id string, req LinkRequest) (*PendingCommand, error) {
	if !l.running.Load() {
		return nil, ErrLoopStopped
	}
	cmd := newPendingCommand(id, req)
	select {
	case l.commands <- cmd:
		log.Debug(log.CatSession, "link command queued", "command_id", cmd.ID, "link", req.String())
	default:
		return nil, ErrQueueFull
	}
	// Run may have drained the queue between the check and the send.
	if !l.running.Load() {
		l.shutdown()
	}
	return cmd, nil
}

// Resolved is closed once the link factory is known.
func (l *Loop) Resolved() <-chan struct{} {
	return l.resolved
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats returns counters and the resolved factories.
func (l *Loop) Stats() Stats {
	s := Stats{
		Running:       l.running.Load(),
		Forwarded:     l.forwarded.Load(),
		Failed:        l.failed.Load(),
		Unclassified:  l.unclassified.Load(),
		Commands:      l.commandCount.Load(),
		CommandErrors: l.commandErrors.Load(),
		QueueLength:   len(l.commands),
	}
	if f := l.factories.Load(); f != nil {
		s.Factories = *f
	}
	return s
}
