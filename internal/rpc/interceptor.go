package rpc

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/tracing"
)

// Observer receives one observation per finished call. metrics.Collectors
// implements it.
type Observer interface {
	ObserveRPC(method, code string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRPC(string, string, time.Duration) {}

// loggingUnaryInterceptor logs each call and feeds obs.
func loggingUnaryInterceptor(obs Observer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		finish(ctx, obs, info.FullMethod, start, err)
		return resp, err
	}
}

// loggingStreamInterceptor is the streaming counterpart.
func loggingStreamInterceptor(obs Observer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		finish(ss.Context(), obs, info.FullMethod, start, err)
		return err
	}
}

func finish(ctx context.Context, obs Observer, fullMethod string, start time.Time, err error) {
	method := path.Base(fullMethod)
	duration := time.Since(start)
	code := status.Code(err)
	obs.ObserveRPC(method, code.String(), duration)

	fields := []any{
		"method", method,
		"code", code.String(),
		"duration", duration,
		"trace_id", tracing.TraceIDFromContext(ctx),
	}
	switch code {
	case codes.OK, codes.NotFound, codes.Canceled:
		log.Debug(log.CatRPC, "rpc completed", fields...)
	case codes.Internal, codes.Unknown:
		log.Error(log.CatRPC, "rpc failed", append(fields, "error", err.Error())...)
	default:
		log.Warn(log.CatRPC, "rpc rejected", append(fields, "error", err.Error())...)
	}
}
