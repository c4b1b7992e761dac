package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/pwgraph/internal/graph"
)

// Properties set on created link objects.
const (
	PropLinkOutputPort = "link.output.port"
	PropLinkInputPort  = "link.input.port"
	PropLinkOutputNode = "link.output.node"
	PropLinkInputNode  = "link.input.node"
	PropObjectLinger   = "object.linger"
)

// LinkRequest asks for a link from an output port to an input port.
type LinkRequest struct {
	OutputPortID graph.ObjectID
	InputPortID  graph.ObjectID
	OutputNodeID graph.ObjectID
	InputNodeID  graph.ObjectID
}

// Props renders the request as link factory properties. Links linger so they
// outlive this client.
func (r LinkRequest) Props() map[string]string {
	return map[string]string{
		PropLinkOutputPort: r.OutputPortID.String(),
		PropLinkInputPort:  r.InputPortID.String(),
		PropLinkOutputNode: r.OutputNodeID.String(),
		PropLinkInputNode:  r.InputNodeID.String(),
		PropObjectLinger:   "true",
	}
}

func (r LinkRequest) String() string {
	return fmt.Sprintf("%d:%d -> %d:%d", r.OutputNodeID, r.OutputPortID, r.InputNodeID, r.InputPortID)
}

// PendingCommand tracks a submitted link creation until the session loop has
// executed it.
type PendingCommand struct {
	ID      string
	Request LinkRequest

	done chan struct{}
	once sync.Once
	err  error
}

// NewCommandID returns a fresh command id.
func NewCommandID() string {
	return uuid.New().String()
}

func newPendingCommand(id string, req LinkRequest) *PendingCommand {
	return &PendingCommand{
		ID:      id,
		Request: req,
		done:    make(chan struct{}),
	}
}

func (p *PendingCommand) complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the command has been executed or abandoned.
func (p *PendingCommand) Done() <-chan struct{} {
	return p.done
}

// Err returns the native outcome. Only meaningful after Done is closed.
func (p *PendingCommand) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the command completes or ctx is done.
func (p *PendingCommand) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
