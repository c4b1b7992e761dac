package pwcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/session"
)

// Default tool invocations.
var (
	DefaultDumpCommand   = []string{"pw-dump", "--monitor", "--no-colors"}
	DefaultCreateCommand = "pw-cli"
)

const globalsBuffer = 256

// Options selects the tools used to talk to the session.
type Options struct {
	DumpCommand   []string
	CreateCommand string
}

func (o Options) withDefaults() Options {
	if len(o.DumpCommand) == 0 {
		o.DumpCommand = DefaultDumpCommand
	}
	if o.CreateCommand == "" {
		o.CreateCommand = DefaultCreateCommand
	}
	return o
}

// Conn is a session.Connection backed by a pw-dump --monitor subprocess.
type Conn struct {
	opts    Options
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	globals chan session.Global
	stderr  *tailBuffer

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

// Dialer returns a session.Dialer that starts the dump tool.
func Dialer(opts Options) session.Dialer {
	return func(ctx context.Context) (session.Connection, error) {
		c, err := Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Dial starts the dump tool and begins streaming globals.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	if _, err := exec.LookPath(opts.DumpCommand[0]); err != nil {
		return nil, fmt.Errorf("dump tool %q: %w", opts.DumpCommand[0], err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cctx, opts.DumpCommand[0], opts.DumpCommand[1:]...) //nolint:gosec // G204: command comes from config
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dump stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", opts.DumpCommand[0], err)
	}
	log.Info(log.CatSession, "started dump tool", "command", strings.Join(opts.DumpCommand, " "), "pid", cmd.Process.Pid)

	c := &Conn{
		opts:    opts,
		cmd:     cmd,
		cancel:  cancel,
		globals: make(chan session.Global, globalsBuffer),
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	go c.read(cctx, stdout)
	return c, nil
}

func (c *Conn) read(ctx context.Context, stdout io.Reader) {
	defer close(c.done)
	defer close(c.globals)

	streamErr := pump(ctx, NewDecoder(stdout), c.globals)
	waitErr := c.cmd.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch {
	case streamErr != nil:
		c.err = streamErr
	case waitErr != nil:
		c.err = fmt.Errorf("%s exited: %w: %s", c.opts.DumpCommand[0], waitErr, c.stderr.String())
	default:
		c.err = fmt.Errorf("%s exited", c.opts.DumpCommand[0])
	}
}

// pump copies decoded globals to out until EOF, a decode error or ctx ends.
func pump(ctx context.Context, dec *Decoder, out chan<- session.Global) error {
	for {
		g, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- g:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conn) Globals() <-chan session.Global {
	return c.globals
}

// CreateObject runs `pw-cli create-object <factory> '{ k=v ... }'`.
func (c *Conn) CreateObject(ctx context.Context, factory string, props map[string]string) error {
	return createObject(ctx, c.opts.CreateCommand, factory, props)
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the dump tool and waits for the reader to finish.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	// Unblock pump if nobody reads globals anymore.
	go func() {
		for range c.globals {
		}
	}()
	<-c.done
	return nil
}

func createObject(ctx context.Context, tool, factory string, props map[string]string) error {
	args := []string{"create-object", factory, FormatProps(props)}
	cmd := exec.CommandContext(ctx, tool, args...) //nolint:gosec // G204: command comes from config
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return fmt.Errorf("%s create-object: %w: %s", tool, err, text)
		}
		return fmt.Errorf("%s create-object: %w", tool, err)
	}
	// pw-cli reports some failures on its output with a zero exit status.
	if strings.HasPrefix(text, "Error:") || strings.Contains(text, "\nError:") {
		return fmt.Errorf("%s create-object: %s", tool, text)
	}
	log.Debug(log.CatSession, "create-object", "factory", factory, "output", text)
	return nil
}

// FormatProps renders props as a SPA-JSON object, keys sorted.
func FormatProps(props map[string]string) string {
	var b strings.Builder
	b.WriteString("{")
	for _, k := range slices.Sorted(maps.Keys(props)) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quote(props[k]))
	}
	b.WriteString(" }")
	return b.String()
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"={}[],:") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

// Replay is a session.Connection that announces the objects of a saved
// pw-dump file once and then stays idle until closed. Link creation is
// delegated to the create tool only when one is configured.
type Replay struct {
	path    string
	create  string
	globals chan session.Global

	mu     sync.Mutex
	err    error
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// ReplayDialer returns a session.Dialer that replays the dump file at path.
// createTool may be empty, in which case CreateObject only logs.
func ReplayDialer(path, createTool string) session.Dialer {
	return func(context.Context) (session.Connection, error) {
		r, err := OpenReplay(path, createTool)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// OpenReplay opens a dump file for replay.
func OpenReplay(path, createTool string) (*Replay, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		return nil, fmt.Errorf("opening replay file: %w", err)
	}
	r := &Replay{
		path:    path,
		create:  createTool,
		globals: make(chan session.Global, globalsBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run(f)
	return r, nil
}

func (r *Replay) run(f *os.File) {
	defer close(r.done)
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := pump(ctx, NewDecoder(f), r.globals); err != nil {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.globals)
		return
	}
	log.Info(log.CatSession, "replay finished, idling", "path", r.path)
	<-ctx.Done()
	close(r.globals)
}

func (r *Replay) Globals() <-chan session.Global {
	return r.globals
}

func (r *Replay) CreateObject(ctx context.Context, factory string, props map[string]string) error {
	if r.create == "" {
		log.Info(log.CatSession, "replay: create-object not executed", "factory", factory, "props", FormatProps(props))
		return nil
	}
	return createObject(ctx, r.create, factory, props)
}

func (r *Replay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Replay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	go func() {
		for range r.globals {
		}
	}()
	<-r.done
	return nil
}
