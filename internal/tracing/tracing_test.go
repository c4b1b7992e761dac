package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, "file", cfg.Exporter)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.Equal(t, DefaultServiceName, cfg.ServiceName)
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	require.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: path, SampleRate: 1})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	ctx, span := StartRegistrySpan(context.Background(), p.Tracer(), "list_ports")
	require.NotEmpty(t, TraceIDFromContext(ctx))
	End(span, nil)
	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var rec SpanRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	require.Equal(t, "registry.list_ports", rec.Name)
	require.Equal(t, "INTERNAL", rec.Kind)
	require.Equal(t, "OK", rec.Status)
	require.Equal(t, "list_ports", rec.Request)
	require.Empty(t, rec.Attributes)
}

func TestNewProvider_Errors(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.ErrorContains(t, err, "file_path required")

	_, err = NewProvider(Config{Enabled: true, Exporter: "zipkin"})
	require.ErrorContains(t, err, "unsupported exporter type: zipkin")
}

func TestNewProvider_NoneExporter(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "x")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_SampleRate(t *testing.T) {
	for _, tc := range []struct {
		rate    float64
		sampled bool
	}{
		{rate: 0, sampled: false},
		{rate: 1, sampled: true},
	} {
		p, err := NewProvider(Config{Enabled: true, Exporter: "none", SampleRate: tc.rate})
		require.NoError(t, err)
		_, span := p.Tracer().Start(context.Background(), "rpc.CreateLink")
		require.True(t, span.SpanContext().IsValid())
		require.Equal(t, tc.sampled, span.SpanContext().IsSampled(), "rate %v", tc.rate)
		span.End()
		require.NoError(t, p.Shutdown(context.Background()))
	}
}

func TestFileExporter_RecordsErrorStatusAndEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	exp, err := NewFileExporter(path)
	require.NoError(t, err)

	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	stub := tracetest.SpanStub{
		Name:      "rpc.CreateLink",
		SpanKind:  trace.SpanKindServer,
		StartTime: start,
		EndTime:   start.Add(1500 * time.Microsecond),
		Status:    sdktrace.Status{Code: codes.Error, Description: "queue full"},
		Attributes: []attribute.KeyValue{
			attribute.String(AttrCommandID, "abc"),
			attribute.String(AttrLink, "3:1 -> 4:2"),
			attribute.String(AttrRPCCode, "ResourceExhausted"),
			attribute.Int(AttrResultCount, 0),
			attribute.Bool("client.retry", true),
		},
		Events: []sdktrace.Event{{Name: EventCommandAccepted, Time: start}},
	}
	require.NoError(t, exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec SpanRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, "SERVER", rec.Kind)
	require.Equal(t, "ERROR", rec.Status)
	require.Equal(t, "queue full", rec.StatusMsg)
	require.InDelta(t, 1.5, rec.DurationMs, 0.001)
	require.Equal(t, "abc", rec.CommandID)
	require.Equal(t, "3:1 -> 4:2", rec.Link)
	require.Equal(t, "ResourceExhausted", rec.Code)
	require.NotNil(t, rec.Results)
	require.Equal(t, int64(0), *rec.Results)
	require.Equal(t, map[string]any{"client.retry": true}, rec.Attributes)
	require.Len(t, rec.Events, 1)
	require.Equal(t, EventCommandAccepted, rec.Events[0].Name)

	err = exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()})
	require.Error(t, err)
}

func TestUnaryServerInterceptor_RecordsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	interceptor := UnaryServerInterceptor(tp.Tracer("test"))
	info := &grpc.UnaryServerInfo{FullMethod: "/pwgraph.v1.Graph/GetPortByObjectSerial"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, _ any) (any, error) {
		require.NotEmpty(t, TraceIDFromContext(ctx))
		return nil, status.Error(grpccodes.NotFound, "no port")
	})
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "rpc.GetPortByObjectSerial", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "no port", spans[0].Status().Description)

	found := false
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == AttrRPCCode {
			found = true
			require.Equal(t, "NotFound", kv.Value.AsString())
		}
	}
	require.True(t, found)
}

func TestUnaryServerInterceptor_NilTracerPassesThrough(t *testing.T) {
	interceptor := UnaryServerInterceptor(nil)
	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{}, func(_ context.Context, req any) (any, error) {
		return req, nil
	})
	require.NoError(t, err)
	require.Equal(t, "req", resp)
}

func TestEnd_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, span := StartRegistrySpan(context.Background(), tp.Tracer("test"), "stats")
	End(span, errors.New("registry not running"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Len(t, ended[0].Events(), 1)
}

func TestTraceIDFromContext_Empty(t *testing.T) {
	require.Empty(t, TraceIDFromContext(context.Background()))
}
