package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var errExporterClosed = errors.New("trace exporter is shut down")

// FileExporter appends one SpanRecord per finished span to a JSONL file.
type FileExporter struct {
	mu  sync.Mutex
	out *os.File
	enc *json.Encoder
}

// NewFileExporter opens path for appending, creating parent directories.
func NewFileExporter(path string) (*FileExporter, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &FileExporter{out: f, enc: json.NewEncoder(f)}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *FileExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.out == nil {
		return errExporterClosed
	}
	for _, s := range spans {
		if err := e.enc.Encode(newSpanRecord(s)); err != nil {
			return fmt.Errorf("encode span %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. Later calls are no-ops.
func (e *FileExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.out == nil {
		return nil
	}
	err := e.out.Close()
	e.out, e.enc = nil, nil
	return err
}

// SpanRecord is one line of the trace file. The pwgraph attributes are lifted
// into their own fields so the file can be grepped by link or command id;
// anything else stays in Attributes.
type SpanRecord struct {
	TraceID      string  `json:"trace_id"`
	SpanID       string  `json:"span_id"`
	ParentSpanID string  `json:"parent_span_id,omitempty"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	StartTime    string  `json:"start_time"`
	DurationMs   float64 `json:"duration_ms"`
	Status       string  `json:"status"`
	StatusMsg    string  `json:"status_message,omitempty"`

	Method    string `json:"rpc_method,omitempty"`
	Code      string `json:"rpc_code,omitempty"`
	Request   string `json:"registry_request,omitempty"`
	Link      string `json:"link,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	Results   *int64 `json:"result_count,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []EventRecord  `json:"events,omitempty"`
}

// EventRecord is a span event inside a SpanRecord.
type EventRecord struct {
	Name       string         `json:"name"`
	Timestamp  string         `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func newSpanRecord(s sdktrace.ReadOnlySpan) SpanRecord {
	rec := SpanRecord{
		TraceID:    s.SpanContext().TraceID().String(),
		SpanID:     s.SpanContext().SpanID().String(),
		Name:       s.Name(),
		Kind:       strings.ToUpper(s.SpanKind().String()),
		StartTime:  s.StartTime().Format(time.RFC3339Nano),
		DurationMs: float64(s.EndTime().Sub(s.StartTime()).Microseconds()) / 1000,
		Status:     statusName(s.Status().Code),
		StatusMsg:  s.Status().Description,
	}
	if p := s.Parent(); p.IsValid() {
		rec.ParentSpanID = p.SpanID().String()
	}

	for _, kv := range s.Attributes() {
		switch string(kv.Key) {
		case AttrRPCMethod:
			rec.Method = kv.Value.Emit()
		case AttrRPCCode:
			rec.Code = kv.Value.Emit()
		case AttrRequest:
			rec.Request = kv.Value.Emit()
		case AttrLink:
			rec.Link = kv.Value.Emit()
		case AttrCommandID:
			rec.CommandID = kv.Value.Emit()
		case AttrResultCount:
			n := kv.Value.AsInt64()
			rec.Results = &n
		default:
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]any)
			}
			rec.Attributes[string(kv.Key)] = kv.Value.AsInterface()
		}
	}

	for _, ev := range s.Events() {
		rec.Events = append(rec.Events, EventRecord{
			Name:       ev.Name,
			Timestamp:  ev.Time.Format(time.RFC3339Nano),
			Attributes: attrMap(ev.Attributes),
		})
	}
	return rec
}

func attrMap(kvs []attribute.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func statusName(c codes.Code) string {
	switch c {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}
