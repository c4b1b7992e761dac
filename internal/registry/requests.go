package registry

import (
	"context"
	"errors"

	"github.com/zjrosen/pwgraph/internal/graph"
)

var (
	// ErrQueueFull is returned when the request queue is at capacity.
	ErrQueueFull = errors.New("registry request queue full")
	// ErrNotRunning is returned for requests to a manager that is not running.
	ErrNotRunning = errors.New("registry not running")
	// ErrPortNotFound is returned by GetPortBySerial when no port matches.
	ErrPortNotFound = errors.New("port not found")
)

// request is one read against the registry state. Each variant carries its
// own single-use reply channel.
type request interface {
	name() string
	requestContext() context.Context
	// serve computes the reply from s and delivers it. It reports false if
	// the caller had already gone away.
	serve(s *state) bool
}

// reply is a capacity-1 channel owned by one caller.
type reply[T any] struct {
	ctx context.Context
	ch  chan T
}

func newReply[T any](ctx context.Context) reply[T] {
	return reply[T]{ctx: ctx, ch: make(chan T, 1)}
}

func (r reply[T]) requestContext() context.Context { return r.ctx }

func (r reply[T]) send(v T) bool {
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.ch <- v:
		return true
	default:
		return false
	}
}

type listNodes struct{ reply[[]graph.Node] }

func (listNodes) name() string { return "list_nodes" }
func (r listNodes) serve(s *state) bool {
	return r.send(cloneSlice(s.nodes))
}

type listPorts struct{ reply[[]graph.Port] }

func (listPorts) name() string { return "list_ports" }
func (r listPorts) serve(s *state) bool {
	return r.send(cloneSlice(s.ports))
}

type listDevices struct{ reply[[]graph.Device] }

func (listDevices) name() string { return "list_devices" }
func (r listDevices) serve(s *state) bool {
	return r.send(cloneSlice(s.devices))
}

type listApplications struct{ reply[[]graph.Application] }

func (listApplications) name() string { return "list_applications" }
func (r listApplications) serve(s *state) bool {
	return r.send(cloneSlice(s.applications))
}

type listLinks struct{ reply[[]graph.Link] }

func (listLinks) name() string { return "list_links" }
func (r listLinks) serve(s *state) bool {
	return r.send(cloneSlice(s.links))
}

type portLookup struct {
	port  graph.Port
	found bool
}

type getPortBySerial struct {
	reply[portLookup]
	serial graph.ObjectID
}

func (getPortBySerial) name() string { return "get_port_by_serial" }
func (r getPortBySerial) serve(s *state) bool {
	p, ok := s.portBySerial(r.serial)
	return r.send(portLookup{port: p, found: ok})
}

type stats struct{ reply[Counts] }

func (stats) name() string { return "stats" }
func (r stats) serve(s *state) bool {
	return r.send(s.counts())
}

// Counts is the number of objects held per collection.
type Counts struct {
	Nodes        int
	Ports        int
	Devices      int
	Applications int
	Links        int
}

// cloneSlice returns a copy that never aliases registry state. Nil becomes
// an empty slice so callers can tell "empty" from "no reply".
func cloneSlice[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}
