// Package rpc is the gRPC face of pwgraph. Every call becomes a message to
// the registry actor or the session loop; the service itself holds no graph
// state.
package rpc

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/zjrosen/pwgraph/internal/cachemanager"
	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/journal"
	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/pubsub"
	"github.com/zjrosen/pwgraph/internal/registry"
	"github.com/zjrosen/pwgraph/internal/session"
	"github.com/zjrosen/pwgraph/internal/tracing"
)

// Registry is the query side, served by registry.Manager.
type Registry interface {
	ListNodes(ctx context.Context) ([]graph.Node, error)
	ListPorts(ctx context.Context) ([]graph.Port, error)
	ListDevices(ctx context.Context) ([]graph.Device, error)
	ListApplications(ctx context.Context) ([]graph.Application, error)
	ListLinks(ctx context.Context) ([]graph.Link, error)
	GetPortBySerial(ctx context.Context, serial graph.ObjectID) (graph.Port, error)
	Stats(ctx context.Context) (registry.Stats, error)
	Subscribe(ctx context.Context, kinds ...graph.Kind) <-chan pubsub.Event[graph.Event]
	WaitForReady(ctx context.Context) error
}

// Session is the command side, served by session.Loop.
type Session interface {
	CreateLinkWithID(id string, req session.LinkRequest) (*session.PendingCommand, error)
	Stats() session.Stats
	Resolved() <-chan struct{}
	Done() <-chan struct{}
}

// Journal records CreateLink commands. journal.Journal implements it.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	Complete(ctx context.Context, id string, cause error) error
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

const journalTimeout = 5 * time.Second

// Service implements GraphServer.
type Service struct {
	registry Registry
	session  Session
	journal  Journal
	dedup    *cachemanager.InMemoryCacheManager[string, string]
	window   time.Duration

	pending sync.WaitGroup
}

var _ GraphServer = (*Service)(nil)

// NewService creates the service. journal may be nil; a zero dedupWindow
// turns de-duplication off.
func NewService(reg Registry, sess Session, j Journal, dedupWindow time.Duration) *Service {
	s := &Service{
		registry: reg,
		session:  sess,
		journal:  j,
		window:   dedupWindow,
	}
	if dedupWindow > 0 {
		s.dedup = cachemanager.NewInMemoryCacheManager[string, string]("link-dedup", dedupWindow, dedupWindow)
	}
	return s
}

func (s *Service) ListNodes(ctx context.Context, _ *ListNodesRequest) (*ListNodesResponse, error) {
	nodes, err := s.registry.ListNodes(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	setResultCount(ctx, len(nodes))
	return &ListNodesResponse{Nodes: mapSlice(nodes, fromNode)}, nil
}

// ListPorts returns the full ordered snapshot, filtered here by node when
// the request names one.
func (s *Service) ListPorts(ctx context.Context, req *ListPortsRequest) (*ListPortsResponse, error) {
	ports, err := s.registry.ListPorts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if req.NodeID != nil {
		nodeID := *req.NodeID
		ports = slices.DeleteFunc(ports, func(p graph.Port) bool {
			return wide(p.NodeID) != nodeID
		})
	}
	setResultCount(ctx, len(ports))
	return &ListPortsResponse{Ports: mapSlice(ports, fromPort)}, nil
}

func (s *Service) ListApplications(ctx context.Context, _ *ListApplicationsRequest) (*ListApplicationsResponse, error) {
	apps, err := s.registry.ListApplications(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	setResultCount(ctx, len(apps))
	return &ListApplicationsResponse{Applications: mapSlice(apps, fromApplication)}, nil
}

func (s *Service) ListDevices(ctx context.Context, _ *ListDevicesRequest) (*ListDevicesResponse, error) {
	devices, err := s.registry.ListDevices(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	setResultCount(ctx, len(devices))
	return &ListDevicesResponse{Devices: mapSlice(devices, fromDevice)}, nil
}

func (s *Service) ListLinks(ctx context.Context, _ *ListLinksRequest) (*ListLinksResponse, error) {
	links, err := s.registry.ListLinks(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	setResultCount(ctx, len(links))
	return &ListLinksResponse{Links: mapSlice(links, fromLink)}, nil
}

func (s *Service) GetPortByObjectSerial(ctx context.Context, req *GetPortByObjectSerialRequest) (*GetPortByObjectSerialResponse, error) {
	serial, err := narrow("object_serial", req.ObjectSerial)
	if err != nil {
		return nil, toStatus(err)
	}
	port, err := s.registry.GetPortBySerial(ctx, serial)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetPortByObjectSerialResponse{Port: fromPort(port)}, nil
}

// CreateLink hands the command to the session loop. By default it replies
// as soon as the loop has accepted the command; with Wait it replies after
// the native call and reports its failure.
func (s *Service) CreateLink(ctx context.Context, req *CreateLinkRequest) (*CreateLinkResponse, error) {
	lr, err := req.toLinkRequest()
	if err != nil {
		return nil, toStatus(err)
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String(tracing.AttrLink, lr.String()))

	// The id is claimed together with the dedup slot, so a duplicate racing
	// this call still gets the id of the command it duplicates.
	key, id := lr.String(), session.NewCommandID()
	if s.dedup != nil && !s.dedup.Add(ctx, key, id, s.window) {
		first, _ := s.dedup.Get(ctx, key)
		log.Debug(log.CatRPC, "duplicate link request suppressed", "link", key, "command_id", first)
		return &CreateLinkResponse{CommandID: first, Deduplicated: true}, nil
	}

	cmd, err := s.session.CreateLinkWithID(id, lr)
	if err != nil {
		if s.dedup != nil {
			s.dedup.Delete(ctx, key)
		}
		return nil, toStatus(err)
	}
	span.SetAttributes(attribute.String(tracing.AttrCommandID, cmd.ID))
	span.AddEvent(tracing.EventCommandAccepted)

	s.track(cmd)

	resp := &CreateLinkResponse{CommandID: cmd.ID}
	if !req.Wait {
		return resp, nil
	}
	if err := cmd.Wait(ctx); err != nil {
		return nil, toStatus(err)
	}
	resp.Completed = true
	return resp, nil
}

// track journals cmd and records its outcome once the loop has run it.
func (s *Service) track(cmd *session.PendingCommand) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := s.journal.Record(ctx, journal.Entry{
		ID:           cmd.ID,
		OutputPortID: cmd.Request.OutputPortID,
		InputPortID:  cmd.Request.InputPortID,
		OutputNodeID: cmd.Request.OutputNodeID,
		InputNodeID:  cmd.Request.InputNodeID,
	})
	if err != nil {
		log.ErrorErr(log.CatJournal, "journal record failed", err, "command_id", cmd.ID)
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		<-cmd.Done()
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := s.journal.Complete(ctx, cmd.ID, cmd.Err()); err != nil {
			log.ErrorErr(log.CatJournal, "journal complete failed", err, "command_id", cmd.ID)
		}
	}()
}

// WaitPending blocks until every accepted command has had its outcome
// journaled. Call it after the session loop has stopped.
func (s *Service) WaitPending() {
	s.pending.Wait()
}

func (s *Service) GetStatus(ctx context.Context, _ *GetStatusRequest) (*GetStatusResponse, error) {
	rs, err := s.registry.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	ss := s.session.Stats()
	return &GetStatusResponse{
		Session: SessionStatus{
			Running:       ss.Running,
			LinkFactory:   ss.Factories.Link,
			Forwarded:     ss.Forwarded,
			Failed:        ss.Failed,
			Unclassified:  ss.Unclassified,
			Commands:      ss.Commands,
			CommandErrors: ss.CommandErrors,
			CommandQueue:  ss.QueueLength,
		},
		Registry: RegistryStatus{
			Nodes:            rs.Nodes,
			Ports:            rs.Ports,
			Devices:          rs.Devices,
			Applications:     rs.Applications,
			Links:            rs.Links,
			EventsApplied:    rs.EventsApplied,
			RequestsServed:   rs.RequestsServed,
			AbandonedReplies: rs.AbandonedReplies,
			EventQueue:       rs.EventQueue,
			RequestQueue:     rs.RequestQueue,
			FeedDropped:      rs.FeedDropped,
		},
		LogDropped: log.Dropped(),
	}, nil
}

func (s *Service) ListLinkCommands(ctx context.Context, req *ListLinkCommandsRequest) (*ListLinkCommandsResponse, error) {
	if s.journal == nil {
		return nil, toStatus(errJournalDisabled)
	}
	entries, err := s.journal.Recent(ctx, int(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	setResultCount(ctx, len(entries))
	return &ListLinkCommandsResponse{Commands: mapSlice(entries, fromJournal)}, nil
}

// WatchGraph streams registry changes from the moment of the call until the
// client goes away or the registry stops.
func (s *Service) WatchGraph(req *WatchGraphRequest, stream GraphWatchServer) error {
	ctx := stream.Context()
	kinds := make([]graph.Kind, 0, len(req.Kinds))
	for _, raw := range req.Kinds {
		k, ok := graph.ParseKind(raw)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "unknown kind %q", raw)
		}
		kinds = append(kinds, k)
	}

	feed := s.registry.Subscribe(ctx, kinds...)
	// The empty header tells the client the subscription is live.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-feed:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return toStatus(registry.ErrNotRunning)
			}
			if err := stream.Send(fromFeed(ev)); err != nil {
				return err
			}
		}
	}
}

func setResultCount(ctx context.Context, n int) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int(tracing.AttrResultCount, n))
}
