// Package log provides structured logging for pwgraph.
// Entries carry a level, a component category and key=value fields. They are
// handed to a single writer goroutine over a bounded queue, so logging never
// blocks the session loop or the registry; when the queue is full the entry
// is dropped and counted.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/pwgraph/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config or env value to a Level.
func ParseLevel(raw string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Category groups related log messages by component.
type Category string

const (
	CatSession    Category = "session"    // Session loop and native connection
	CatFactory    Category = "factory"    // Factory resolution at startup
	CatTranslator Category = "translator" // Property-bag classification
	CatRegistry   Category = "registry"   // Registry state manager
	CatRPC        Category = "rpc"        // gRPC service layer
	CatConfig     Category = "config"     // Configuration loading/reloading
	CatJournal    Category = "journal"    // Command journal
	CatMetrics    Category = "metrics"    // Metrics endpoint
	CatCache      Category = "cache"      // TTL caches
)

// DefaultQueueSize is the capacity of the entry queue.
const DefaultQueueSize = 1024

// Options configures Init.
type Options struct {
	// Path is the log file. "-" writes to stderr.
	Path      string
	Level     Level
	QueueSize int
}

// Logger is the asynchronous log sink.
type Logger struct {
	writer   io.Writer
	closer   io.Closer
	minLevel atomic.Int32
	enabled  atomic.Bool

	queue   chan string
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
	broker    *pubsub.Broker[string]
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Init installs the global logger and starts its writer.
// Returns a cleanup function that drains the queue and closes the file.
func Init(opts Options) (func(), error) {
	var (
		w io.Writer
		c io.Closer
	)
	if opts.Path == "-" || opts.Path == "" {
		w = os.Stderr
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path comes from config
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w, c = f, f
	}

	l := newLogger(w, c, opts.Level, opts.QueueSize)

	mu.Lock()
	prev := defaultLogger
	defaultLogger = l
	mu.Unlock()
	if prev != nil {
		prev.close()
	}

	return l.close, nil
}

// InitWriter installs a logger writing to w. Used by tests and the CLI.
func InitWriter(w io.Writer, level Level) func() {
	l := newLogger(w, nil, level, DefaultQueueSize)
	mu.Lock()
	prev := defaultLogger
	defaultLogger = l
	mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return l.close
}

func newLogger(w io.Writer, c io.Closer, level Level, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	l := &Logger{
		writer: w,
		closer: c,
		queue:  make(chan string, queueSize),
		done:   make(chan struct{}),
		broker: pubsub.NewBroker[string](),
	}
	l.minLevel.Store(int32(level))
	l.enabled.Store(true)
	go l.run()
	return l
}

// run is the single writer. It exits when the queue is closed and drained.
func (l *Logger) run() {
	defer close(l.done)
	for entry := range l.queue {
		_, _ = io.WriteString(l.writer, entry)
		l.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

func (l *Logger) close() {
	l.closeOnce.Do(func() {
		// Detach first so no producer can send on the closed queue.
		mu.Lock()
		if defaultLogger == l {
			defaultLogger = nil
		}
		mu.Unlock()

		l.enabled.Store(false)
		close(l.queue)
		<-l.done
		l.broker.Close()
		if l.closer != nil {
			_ = l.closer.Close()
		}
	})
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if l := current(); l != nil {
		l.enabled.Store(enabled)
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if l := current(); l != nil {
		l.minLevel.Store(int32(level))
	}
}

// MinLevel returns the current minimum level.
func MinLevel() Level {
	if l := current(); l != nil {
		return Level(l.minLevel.Load())
	}
	return LevelInfo
}

// Dropped returns the number of entries discarded because the queue was full.
func Dropped() int64 {
	if l := current(); l != nil {
		return l.dropped.Load()
	}
	return 0
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	mu.RLock()
	defer mu.RUnlock()

	l := defaultLogger
	if l == nil || !l.enabled.Load() {
		return
	}
	if int32(level) < l.minLevel.Load() {
		return
	}

	select {
	case l.queue <- format(time.Now(), level, cat, msg, fields...):
	default:
		l.dropped.Add(1)
	}
}

// format renders one entry:
// 2025-12-06T10:45:00 [ERROR] [registry] message key=value key2=value2
func format(ts time.Time, level Level, cat Category, msg string, fields ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", ts.Format("2006-01-02T15:04:05"), level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	// Odd field count: orphan key with no value
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	return b.String()
}

// LogEvent is a pubsub event containing a log entry.
type LogEvent = pubsub.Event[string]

// NewListener subscribes to written log entries.
// The subscription ends when ctx is cancelled. Returns nil if logging is not initialized.
func NewListener(ctx context.Context) <-chan LogEvent {
	l := current()
	if l == nil {
		return nil
	}
	return l.broker.Subscribe(ctx)
}
