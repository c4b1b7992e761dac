// Package config provides configuration types and defaults for pwgraph.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/tracing"
)

// Session backends.
const (
	BackendPWCLI  = "pwcli"
	BackendScript = "script"
)

// Config holds all configuration options for pwgraph.
type Config struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	Log        LogConfig      `mapstructure:"log"`
	Session    SessionConfig  `mapstructure:"session"`
	Registry   RegistryConfig `mapstructure:"registry"`
	Link       LinkConfig     `mapstructure:"link"`
	Journal    JournalConfig  `mapstructure:"journal"`
	Metrics    MetricsConfig  `mapstructure:"metrics"`
	Tracing    TracingConfig  `mapstructure:"tracing"`
}

// LogConfig controls the log sink.
type LogConfig struct {
	Level     string `mapstructure:"level"`      // debug, info, warn, error
	Path      string `mapstructure:"path"`       // "" = default file, "-" = stderr
	QueueSize int    `mapstructure:"queue_size"` // bounded entry queue
}

// SessionConfig selects and tunes the native session backend.
type SessionConfig struct {
	Backend        string        `mapstructure:"backend"` // "pwcli" or "script"
	DumpCommand    []string      `mapstructure:"dump_command"`
	CreateCommand  string        `mapstructure:"create_command"`
	ScriptPath     string        `mapstructure:"script_path"` // pw-dump JSON replayed by the script backend
	FactoryTimeout time.Duration `mapstructure:"factory_timeout"`
	CommandQueue   int           `mapstructure:"command_queue"`
}

// RegistryConfig sizes the registry actor's inputs.
type RegistryConfig struct {
	EventQueue   int `mapstructure:"event_queue"`
	RequestQueue int `mapstructure:"request_queue"`
}

// LinkConfig tunes CreateLink.
type LinkConfig struct {
	// DedupWindow suppresses identical CreateLink requests for this long. 0 disables.
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// JournalConfig enables the SQLite command journal.
type JournalConfig struct {
	Path string `mapstructure:"path"` // "" disables
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // "" disables
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // none, file, stdout, otlp
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// ToTracing converts to the tracing package's config, filling the default
// trace file when the file exporter has no path.
func (t TracingConfig) ToTracing() tracing.Config {
	cfg := tracing.Config{
		Enabled:      t.Enabled,
		Exporter:     t.Exporter,
		FilePath:     t.FilePath,
		OTLPEndpoint: t.OTLPEndpoint,
		SampleRate:   t.SampleRate,
		ServiceName:  tracing.DefaultServiceName,
	}
	if cfg.Exporter == "file" && cfg.FilePath == "" {
		cfg.FilePath = DefaultTracesFilePath()
	}
	return cfg
}

// DefaultConfigDir returns ~/.config/pwgraph, or a relative .pwgraph when
// the home directory is unknown.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pwgraph"
	}
	return filepath.Join(home, ".config", "pwgraph")
}

// DefaultLogPath returns the log file used when log.path is empty.
func DefaultLogPath() string {
	return filepath.Join(DefaultConfigDir(), "logs", "pwgraph.log")
}

// DefaultTracesFilePath returns the trace file used by the file exporter.
func DefaultTracesFilePath() string {
	return filepath.Join(DefaultConfigDir(), "traces", "traces.jsonl")
}

// LogPath resolves log.path.
func (c Config) LogPath() string {
	if c.Log.Path == "" {
		return DefaultLogPath()
	}
	return c.Log.Path
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		ListenAddr: "127.0.0.1:50000",
		Log: LogConfig{
			Level:     "info",
			QueueSize: log.DefaultQueueSize,
		},
		Session: SessionConfig{
			Backend:        BackendPWCLI,
			DumpCommand:    []string{"pw-dump", "--monitor", "--no-colors"},
			CreateCommand:  "pw-cli",
			FactoryTimeout: 10 * time.Second,
			CommandQueue:   64,
		},
		Registry: RegistryConfig{
			EventQueue:   4096,
			RequestQueue: 256,
		},
		Link: LinkConfig{
			DedupWindow: 2 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the whole configuration.
func Validate(c Config) error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if _, ok := log.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	if c.Log.QueueSize <= 0 {
		return fmt.Errorf("log.queue_size must be positive, got %d", c.Log.QueueSize)
	}
	if err := ValidateSession(c.Session); err != nil {
		return err
	}
	if c.Registry.EventQueue <= 0 {
		return fmt.Errorf("registry.event_queue must be positive, got %d", c.Registry.EventQueue)
	}
	if c.Registry.RequestQueue <= 0 {
		return fmt.Errorf("registry.request_queue must be positive, got %d", c.Registry.RequestQueue)
	}
	if c.Link.DedupWindow < 0 {
		return fmt.Errorf("link.dedup_window must not be negative, got %s", c.Link.DedupWindow)
	}
	return ValidateTracing(c.Tracing)
}

// ValidateSession checks the session backend settings.
func ValidateSession(s SessionConfig) error {
	switch s.Backend {
	case BackendPWCLI:
		if len(s.DumpCommand) == 0 {
			return fmt.Errorf("session.dump_command is required for the %q backend", BackendPWCLI)
		}
		if s.CreateCommand == "" {
			return fmt.Errorf("session.create_command is required for the %q backend", BackendPWCLI)
		}
	case BackendScript:
		if s.ScriptPath == "" {
			return fmt.Errorf("session.script_path is required for the %q backend", BackendScript)
		}
	default:
		return fmt.Errorf("session.backend must be %q or %q, got %q", BackendPWCLI, BackendScript, s.Backend)
	}
	if s.FactoryTimeout < 0 {
		return fmt.Errorf("session.factory_timeout must not be negative, got %s", s.FactoryTimeout)
	}
	if s.CommandQueue <= 0 {
		return fmt.Errorf("session.command_queue must be positive, got %d", s.CommandQueue)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# pwgraph configuration

# Address the gRPC service listens on
listen_addr: 127.0.0.1:50000

log:
  level: info            # debug, info, warn, error (reloaded on change)
  path: ""               # "" = ~/.config/pwgraph/logs/pwgraph.log, "-" = stderr
  queue_size: 1024

session:
  backend: pwcli         # pwcli = live session via pw-dump/pw-cli, script = replay a dump file
  dump_command: [pw-dump, --monitor, --no-colors]
  create_command: pw-cli
  script_path: ""
  factory_timeout: 10s   # give up if no link factory is announced; 0 waits for the stream
  command_queue: 64

registry:
  event_queue: 4096
  request_queue: 256

link:
  dedup_window: 2s       # identical CreateLink calls inside this window are not re-issued

journal:
  path: ""               # SQLite file recording CreateLink commands; "" disables

metrics:
  addr: ""               # e.g. 127.0.0.1:9464 serves /metrics; "" disables

# Distributed tracing
# tracing:
#   enabled: true
#   exporter: file       # none, file, stdout, otlp
#   file_path: ~/.config/pwgraph/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0     # 0 records no traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
