package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine-safe bytes.Buffer for capturing writer output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestFormat(t *testing.T) {
	ts := time.Date(2025, 12, 6, 10, 45, 0, 0, time.UTC)

	got := format(ts, LevelError, CatRegistry, "reply dropped", "request", "list_nodes", "orphan")
	require.Equal(t, "2025-12-06T10:45:00 [ERROR] [registry] reply dropped request=list_nodes orphan=<missing>\n", got)
}

func TestLogger_WritesAboveMinLevel(t *testing.T) {
	var out syncBuffer
	cleanup := InitWriter(&out, LevelInfo)

	Debug(CatSession, "hidden")
	Info(CatSession, "connected", "backend", "pwcli")
	Warn(CatRPC, "slow call")
	cleanup()

	text := out.String()
	require.NotContains(t, text, "hidden")
	require.Contains(t, text, "[INFO] [session] connected backend=pwcli")
	require.Contains(t, text, "[WARN] [rpc] slow call")
}

func TestLogger_SetMinLevel(t *testing.T) {
	var out syncBuffer
	cleanup := InitWriter(&out, LevelError)

	Info(CatConfig, "first")
	SetMinLevel(LevelDebug)
	require.Equal(t, LevelDebug, MinLevel())
	Debug(CatConfig, "second")
	cleanup()

	require.NotContains(t, out.String(), "first")
	require.Contains(t, out.String(), "second")
}

func TestLogger_ErrorErr(t *testing.T) {
	var out syncBuffer
	cleanup := InitWriter(&out, LevelDebug)

	ErrorErr(CatJournal, "insert failed", os.ErrClosed, "id", "abc")
	ErrorErr(CatJournal, "nil error", nil)
	cleanup()

	require.Contains(t, out.String(), "insert failed id=abc error=file already closed")
	require.Contains(t, out.String(), "nil error error=<nil>")
}

func TestLogger_NoopAfterCleanup(t *testing.T) {
	var out syncBuffer
	cleanup := InitWriter(&out, LevelDebug)
	cleanup()

	// Must not panic on a closed queue.
	Info(CatRPC, "after close")
	require.NotContains(t, out.String(), "after close")
}

func TestLogger_ListenerReceivesEntries(t *testing.T) {
	var out syncBuffer
	cleanup := InitWriter(&out, LevelDebug)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := NewListener(ctx)
	require.NotNil(t, ch)

	Info(CatRegistry, "event applied", "kind", "port")

	select {
	case ev := <-ch:
		require.True(t, strings.Contains(ev.Payload, "event applied kind=port"))
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for log event")
	}
}

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pwgraph.log")

	cleanup, err := Init(Options{Path: path, Level: LevelInfo, QueueSize: 8})
	require.NoError(t, err)
	Info(CatSession, "to file")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[INFO] [session] to file")
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel("WARNING")
	require.True(t, ok)
	require.Equal(t, LevelWarn, lvl)

	_, ok = ParseLevel("verbose")
	require.False(t, ok)
}
