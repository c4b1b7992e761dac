package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrRPCMethod   = "rpc.method"
	AttrRPCCode     = "rpc.grpc.status_code"
	AttrRequest     = "registry.request"
	AttrCommandID   = "command.id"
	AttrLink        = "link"
	AttrResultCount = "result.count"
)

// Span name prefixes.
const (
	SpanPrefixRPC      = "rpc."
	SpanPrefixRegistry = "registry."
)

// Event names.
const (
	EventRequestQueued   = "request.queued"
	EventReplyAbandoned  = "reply.abandoned"
	EventCommandAccepted = "command.accepted"
)

// StartRegistrySpan opens an internal span for a registry request.
func StartRegistrySpan(ctx context.Context, tracer trace.Tracer, request string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanPrefixRegistry+request,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrRequest, request)),
	)
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceIDFromContext returns the trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
