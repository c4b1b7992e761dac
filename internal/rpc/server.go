package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/tracing"
)

// DefaultShutdownTimeout bounds the graceful stop before open streams are cut.
const DefaultShutdownTimeout = 5 * time.Second

// ServerOptions configures NewServer.
type ServerOptions struct {
	Tracer          trace.Tracer
	Observer        Observer
	ShutdownTimeout time.Duration
}

// Server hosts the Graph service and the standard health service.
type Server struct {
	svc     *Service
	grpc    *grpc.Server
	health  *health.Server
	timeout time.Duration
}

// NewServer registers svc on a new grpc.Server. Tracing wraps logging so the
// log lines carry the trace id.
func NewServer(svc *Service, opts ServerOptions) *Server {
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			tracing.UnaryServerInterceptor(opts.Tracer),
			loggingUnaryInterceptor(obs),
		),
		grpc.ChainStreamInterceptor(
			tracing.StreamServerInterceptor(opts.Tracer),
			loggingStreamInterceptor(obs),
		),
	)
	gs.RegisterService(&GraphServiceDesc, svc)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{svc: svc, grpc: gs, health: hs, timeout: timeout}
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully. It returns nil after a cancellation.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()
	go s.watchHealth(healthCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	log.Info(log.CatRPC, "graph service listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.timeout):
		log.Warn(log.CatRPC, "graceful stop timed out, closing connections")
		s.grpc.Stop()
		<-stopped
	}
	<-errCh
	log.Info(log.CatRPC, "graph service stopped")
	return nil
}

// watchHealth reports SERVING once the registry runs and the link factory
// is resolved, and NOT_SERVING again when the session loop ends.
func (s *Server) watchHealth(ctx context.Context) {
	if err := s.svc.registry.WaitForReady(ctx); err != nil {
		return
	}
	select {
	case <-s.svc.session.Resolved():
	case <-s.svc.session.Done():
		return
	case <-ctx.Done():
		return
	}
	s.setServing(healthpb.HealthCheckResponse_SERVING)

	select {
	case <-s.svc.session.Done():
		s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	case <-ctx.Done():
	}
}

func (s *Server) setServing(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	log.Info(log.CatRPC, "health status changed", "status", st.String())
}
