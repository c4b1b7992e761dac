package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zjrosen/pwgraph/internal/journal"
	"github.com/zjrosen/pwgraph/internal/registry"
	"github.com/zjrosen/pwgraph/internal/session"
	"github.com/zjrosen/pwgraph/internal/session/sessiontest"
	"github.com/zjrosen/pwgraph/internal/tracing"
)

type harnessOptions struct {
	dedup   time.Duration
	journal bool
	obs     Observer
	tracer  trace.Tracer
}

type harness struct {
	conn    *sessiontest.Conn
	reg     *registry.Manager
	loop    *session.Loop
	svc     *Service
	client  *Client
	journal *journal.Journal
	loopErr chan error
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		conn:    sessiontest.NewConn(64),
		reg:     registry.NewManager(),
		loopErr: make(chan error, 1),
	}
	go h.reg.Run(ctx)
	require.NoError(t, h.reg.WaitForReady(ctx))

	// Opening the journal can be slow under the race detector; do it before
	// the loop starts so it does not eat into factory resolution.
	var j Journal
	if opts.journal {
		var err error
		h.journal, err = journal.Open(":memory:")
		require.NoError(t, err)
		j = h.journal
	}

	// Resolution waits for the factory however long a test takes to announce it.
	h.loop = session.NewLoop(h.conn.Dialer(), h.reg.Events(), session.WithFactoryTimeout(0))
	go func() { h.loopErr <- h.loop.Run(ctx) }()
	h.svc = NewService(h.reg, h.loop, j, opts.dedup)
	srv := NewServer(h.svc, ServerOptions{Observer: opts.obs, Tracer: opts.tracer})

	lis := bufconn.Listen(1 << 20)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, lis) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	h.client = client

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		require.NoError(t, <-served)
		<-h.loop.Done()
		h.svc.WaitPending()
		h.reg.Stop()
		if h.journal != nil {
			_ = h.journal.Close()
		}
	})
	return h
}

func portProps(id, node, serial, dir, name string) map[string]string {
	props := map[string]string{
		"port.id":        id,
		"port.name":      name,
		"port.direction": dir,
		"object.path":    "alsa:pcm:0:" + name,
		"node.id":        node,
	}
	if serial != "" {
		props["object.serial"] = serial
	}
	return props
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGraph_Scenario(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := callCtx(t)

	// The link factory has not been announced yet, so the loop is still
	// resolving and cannot run native commands.
	h.conn.Announce(portProps("1", "10", "", "out", "mic"))
	h.conn.Announce(portProps("1", "10", "", "out", "mic-renamed"))

	require.Eventually(t, func() bool {
		st, err := h.client.GetStatus(ctx)
		return err == nil && st.Registry.EventsApplied == 2
	}, 2*time.Second, 5*time.Millisecond)

	ports, err := h.client.ListPorts(ctx, nil)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	require.Equal(t, "mic-renamed", ports[0].Name)
	require.Equal(t, DirectionOut, ports[0].Direction)
	require.Equal(t, uint32(65535), ports[0].ObjectSerial)

	_, err = h.client.GetPortByObjectSerial(ctx, 4242)
	require.Equal(t, codes.NotFound, status.Code(err))

	ack, err := h.client.CreateLink(ctx, &CreateLinkRequest{
		OutputPortID: 1, InputPortID: 2, OutputNodeID: 10, InputNodeID: 11,
	})
	require.NoError(t, err)
	require.NotEmpty(t, ack.CommandID)
	require.False(t, ack.Completed)
	require.Empty(t, h.conn.Created(), "ack must not wait for the native call")

	h.conn.AnnounceLinkFactory()
	require.Eventually(t, func() bool { return len(h.conn.Created()) == 1 }, 2*time.Second, 5*time.Millisecond)

	created := h.conn.Created()[0]
	require.Equal(t, sessiontest.LinkFactory, created.Factory)
	require.Equal(t, map[string]string{
		"link.output.port": "1",
		"link.input.port":  "2",
		"link.output.node": "10",
		"link.input.node":  "11",
		"object.linger":    "true",
	}, created.Props)
}

func TestGraph_ListQueries(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := callCtx(t)

	h.conn.AnnounceLinkFactory()
	h.conn.Announce(map[string]string{"node.name": "alsa_output", "object.serial": "40", "media.class": "Audio/Sink"})
	h.conn.Announce(map[string]string{
		"device.name": "alsa_card.pci", "device.description": "Built-in Audio",
		"media.class": "Audio/Device", "factory.id": "14", "client.id": "31", "object.serial": "41",
	})
	h.conn.Announce(map[string]string{"application.name": "Firefox", "object.serial": "42", "module.id": "2"})
	h.conn.Announce(map[string]string{
		"link.output.port": "5", "link.input.port": "6", "link.output.node": "7", "link.input.node": "8",
		"object.serial": "43", "factory.id": "9",
	})
	h.conn.Announce(portProps("3", "20", "50", "in", "playback_FL"))
	h.conn.Announce(portProps("4", "21", "51", "in", "playback_FR"))

	require.Eventually(t, func() bool {
		st, err := h.client.GetStatus(ctx)
		return err == nil && st.Registry.EventsApplied == 6
	}, 2*time.Second, 5*time.Millisecond)

	nodes, err := h.client.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "Audio/Sink", nodes[0].MediaClass)

	devices, err := h.client.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "unknown", devices[0].Nick)

	apps, err := h.client.ListApplications(ctx)
	require.NoError(t, err)
	require.Equal(t, "Firefox", apps[0].Name)

	links, err := h.client.ListLinks(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(5), links[0].OutputPortID)

	node := uint32(21)
	ports, err := h.client.ListPorts(ctx, &node)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	require.Equal(t, "playback_FR", ports[0].Name)

	port, err := h.client.GetPortByObjectSerial(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, "playback_FL", port.Name)
	require.Equal(t, DirectionIn, port.Direction)

	_, err = h.client.GetPortByObjectSerial(ctx, 70000)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	st, err := h.client.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, sessiontest.LinkFactory, st.Session.LinkFactory)
	require.Equal(t, 2, st.Registry.Ports)
	require.Equal(t, int64(6), st.Session.Forwarded)
}

func TestGraph_EmptyListsSucceed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := callCtx(t)

	links, err := h.client.ListLinks(ctx)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestGraph_CreateLinkWait(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := callCtx(t)
	h.conn.AnnounceLinkFactory()

	ack, err := h.client.CreateLink(ctx, &CreateLinkRequest{
		OutputPortID: 1, InputPortID: 2, OutputNodeID: 3, InputNodeID: 4, Wait: true,
	})
	require.NoError(t, err)
	require.True(t, ack.Completed)
	require.Len(t, h.conn.Created(), 1)

	h.conn.FailCreates(errors.New("no such port"))
	_, err = h.client.CreateLink(ctx, &CreateLinkRequest{
		OutputPortID: 9, InputPortID: 2, OutputNodeID: 3, InputNodeID: 4, Wait: true,
	})
	require.Equal(t, codes.Internal, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "no such port")
}

func TestGraph_CreateLinkFailureStillAcksWithoutWait(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := callCtx(t)
	h.conn.FailCreates(errors.New("factory rejected"))
	h.conn.AnnounceLinkFactory()

	ack, err := h.client.CreateLink(ctx, &CreateLinkRequest{OutputPortID: 1, InputPortID: 2, OutputNodeID: 3, InputNodeID: 4})
	require.NoError(t, err)
	require.NotEmpty(t, ack.CommandID)
}

func TestGraph_CreateLinkRejectsWideIDs(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.client.CreateLink(callCtx(t), &CreateLinkRequest{OutputPortID: 1 << 16, InputPortID: 2})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Empty(t, h.conn.Created())
}

func TestGraph_CreateLinkDeduplicates(t *testing.T) {
	h := newHarness(t, harnessOptions{dedup: time.Minute})
	ctx := callCtx(t)
	h.conn.AnnounceLinkFactory()

	req := &CreateLinkRequest{OutputPortID: 1, InputPortID: 2, OutputNodeID: 3, InputNodeID: 4}
	first, err := h.client.CreateLink(ctx, req)
	require.NoError(t, err)
	second, err := h.client.CreateLink(ctx, req)
	require.NoError(t, err)

	require.False(t, first.Deduplicated)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.CommandID, second.CommandID)

	other, err := h.client.CreateLink(ctx, &CreateLinkRequest{OutputPortID: 1, InputPortID: 5, OutputNodeID: 3, InputNodeID: 4})
	require.NoError(t, err)
	require.False(t, other.Deduplicated)

	require.Eventually(t, func() bool { return len(h.conn.Created()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestGraph_LinkCommandJournal(t *testing.T) {
	h := newHarness(t, harnessOptions{journal: true})
	ctx := callCtx(t)
	h.conn.AnnounceLinkFactory()

	_, err := h.client.CreateLink(ctx, &CreateLinkRequest{OutputPortID: 1, InputPortID: 2, OutputNodeID: 3, InputNodeID: 4, Wait: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cmds, err := h.client.ListLinkCommands(ctx, 10)
		return err == nil && len(cmds) == 1 && cmds[0].Status == string(journal.StatusSucceeded)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGraph_LinkCommandsWithoutJournal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.client.ListLinkCommands(callCtx(t), 10)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGraph_Health(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := callCtx(t)

	st, err := h.client.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	h.conn.AnnounceLinkFactory()
	require.Eventually(t, func() bool {
		st, err := h.client.Health(ctx)
		return err == nil && st == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 5*time.Millisecond)

	h.conn.End(errors.New("broken pipe"))
	require.Eventually(t, func() bool {
		st, err := h.client.Health(ctx)
		return err == nil && st == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, <-h.loopErr, session.ErrConnectionClosed)

	_, err = h.client.CreateLink(ctx, &CreateLinkRequest{OutputPortID: 1, InputPortID: 2})
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGraph_WatchGraph(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := callCtx(t)

	stream, err := h.client.WatchGraph(ctx, "port")
	require.NoError(t, err)


	h.conn.Announce(map[string]string{"node.name": "ignored-by-filter", "object.serial": "1"})
	h.conn.Announce(portProps("1", "10", "", "out", "mic"))
	h.conn.Announce(portProps("1", "10", "", "out", "mic-renamed"))

	first, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, EventCreated, first.Type)
	require.Equal(t, "port", first.Kind)
	require.Equal(t, "mic", first.Port.Name)

	second, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, EventUpdated, second.Type)
	require.Equal(t, "mic-renamed", second.Port.Name)
}

func TestGraph_WatchGraphRejectsUnknownKind(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	stream, err := h.client.WatchGraph(callCtx(t), "port", "widget")
	if err == nil {
		_, err = stream.Recv()
	}
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

type countingObserver struct {
	mu    sync.Mutex
	codes map[string]string
}

func (o *countingObserver) ObserveRPC(method, code string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.codes[method] = code
}

func (o *countingObserver) get(method string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.codes[method]
}

func TestGraph_ObserverSeesEveryCall(t *testing.T) {
	obs := &countingObserver{codes: map[string]string{}}
	h := newHarness(t, harnessOptions{obs: obs})
	ctx := callCtx(t)

	_, err := h.client.ListNodes(ctx)
	require.NoError(t, err)
	_, err = h.client.GetPortByObjectSerial(ctx, 1)
	require.Error(t, err)

	require.Equal(t, "OK", obs.get("ListNodes"))
	require.Equal(t, "NotFound", obs.get("GetPortByObjectSerial"))
}

func TestGraph_CreateLinkSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, harnessOptions{tracer: tp.Tracer("test")})
	h.conn.AnnounceLinkFactory()

	ack, err := h.client.CreateLink(callCtx(t), &CreateLinkRequest{OutputPortID: 1, InputPortID: 2, OutputNodeID: 3, InputNodeID: 4})
	require.NoError(t, err)

	var span sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == tracing.SpanPrefixRPC+"CreateLink" {
			span = s
		}
	}
	require.NotNil(t, span)
	attrs := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	require.Equal(t, "3:1 -> 4:2", attrs[tracing.AttrLink])
	require.Equal(t, ack.CommandID, attrs[tracing.AttrCommandID])
	require.Equal(t, "OK", attrs[tracing.AttrRPCCode])
	require.Len(t, span.Events(), 1)
	require.Equal(t, tracing.EventCommandAccepted, span.Events()[0].Name)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{registry.ErrPortNotFound, codes.NotFound},
		{registry.ErrQueueFull, codes.ResourceExhausted},
		{session.ErrQueueFull, codes.ResourceExhausted},
		{registry.ErrNotRunning, codes.Unavailable},
		{session.ErrLoopStopped, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errInvalidID, codes.InvalidArgument},
		{errJournalDisabled, codes.FailedPrecondition},
		{errors.New("pw-cli: exit status 1"), codes.Internal},
		{status.Error(codes.Aborted, "kept"), codes.Aborted},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, status.Code(toStatus(tt.err)), tt.err.Error())
	}
	require.NoError(t, toStatus(nil))
}
