package session

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/log"
)

// Factory property keys and the interface type name of link objects.
const (
	KeyFactoryTypeName = "factory.type.name"
	KeyFactoryName     = "factory.name"
	LinkInterfaceType  = "PipeWire:Interface:Link"
)

// Resolver finds the name of the link factory among the first globals of a
// session. Globals seen while resolving are passed to Forward so the
// registry still observes them.
type Resolver struct {
	Timeout time.Duration
	Forward func(ctx context.Context, g Global) error
}

// Resolve reads globals until the link factory is announced.
// It fails with ErrFactoryNotResolved if the stream ends or Timeout elapses first.
func (r Resolver) Resolve(ctx context.Context, globals <-chan Global) (graph.Factories, error) {
	var deadline <-chan time.Time
	if r.Timeout > 0 {
		timer := time.NewTimer(r.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return graph.Factories{}, ctx.Err()
		case <-deadline:
			return graph.Factories{}, fmt.Errorf("%w: no %s factory after %s (%d globals)",
				ErrFactoryNotResolved, LinkInterfaceType, r.Timeout, seen)
		case g, ok := <-globals:
			if !ok {
				return graph.Factories{}, fmt.Errorf("%w: stream ended after %d globals",
					ErrFactoryNotResolved, seen)
			}
			seen++
			if r.Forward != nil {
				if err := r.Forward(ctx, g); err != nil {
					return graph.Factories{}, err
				}
			}
			if g.Props[KeyFactoryTypeName] != LinkInterfaceType {
				continue
			}
			name, ok := g.Props[KeyFactoryName]
			if !ok || name == "" {
				log.Warn(log.CatFactory, "link factory has no name", "global", g.ID)
				continue
			}
			log.Info(log.CatFactory, "resolved link factory", "name", name, "global", g.ID, "scanned", seen)
			return graph.Factories{Link: name}, nil
		}
	}
}
