package tracing

import (
	"context"
	"path"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor opens a server span per unary call. A nil tracer
// yields a pass-through interceptor.
func UnaryServerInterceptor(tracer trace.Tracer) grpc.UnaryServerInterceptor {
	if tracer == nil {
		return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := startServerSpan(ctx, tracer, info.FullMethod)
		defer span.End()

		resp, err := handler(ctx, req)
		recordStatus(span, err)
		return resp, err
	}
}

// StreamServerInterceptor opens a server span per stream.
func StreamServerInterceptor(tracer trace.Tracer) grpc.StreamServerInterceptor {
	if tracer == nil {
		return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			return handler(srv, ss)
		}
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startServerSpan(ss.Context(), tracer, info.FullMethod)
		defer span.End()

		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		recordStatus(span, err)
		return err
	}
}

func startServerSpan(ctx context.Context, tracer trace.Tracer, fullMethod string) (context.Context, trace.Span) {
	method := path.Base(fullMethod)
	return tracer.Start(ctx, SpanPrefixRPC+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String(AttrRPCMethod, fullMethod)),
	)
}

func recordStatus(span trace.Span, err error) {
	st := status.Convert(err)
	span.SetAttributes(attribute.String(AttrRPCCode, st.Code().String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, st.Message())
		return
	}
	span.SetStatus(codes.Ok, "")
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}
