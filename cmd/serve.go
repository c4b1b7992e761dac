package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/pwgraph/internal/config"
	"github.com/zjrosen/pwgraph/internal/journal"
	"github.com/zjrosen/pwgraph/internal/log"
	"github.com/zjrosen/pwgraph/internal/metrics"
	"github.com/zjrosen/pwgraph/internal/registry"
	"github.com/zjrosen/pwgraph/internal/rpc"
	"github.com/zjrosen/pwgraph/internal/session"
	"github.com/zjrosen/pwgraph/internal/session/pwcli"
	"github.com/zjrosen/pwgraph/internal/tracing"
	"github.com/zjrosen/pwgraph/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the graph daemon",
	Long: `Connect to the audio session, mirror its graph and serve it over gRPC.

The daemon runs until interrupted or until the session connection fails.
log.level is re-read whenever the config file changes.

Example:
  pwgraph serve
  pwgraph serve --addr 127.0.0.1:6000
  PWGRAPH_SESSION_BACKEND=script PWGRAPH_SESSION_SCRIPT_PATH=dump.json pwgraph serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := log.ParseLevel(cfg.Log.Level)
	cleanup, err := log.Init(log.Options{Path: cfg.LogPath(), Level: level, QueueSize: cfg.Log.QueueSize})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.Info(log.CatConfig, "pwgraph starting", "version", version, "config", viper.ConfigFileUsed(),
		"backend", cfg.Session.Backend, "addr", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.NewProvider(cfg.Tracing.ToTracing())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatConfig, "tracing shutdown failed", err)
		}
	}()

	collectors := metrics.New()
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := collectors.Serve(metricsCtx, cfg.Metrics.Addr); err != nil {
				log.ErrorErr(log.CatMetrics, "metrics endpoint failed", err, "addr", cfg.Metrics.Addr)
			}
		}()
	}

	reg := registry.NewManager(
		registry.WithEventQueue(cfg.Registry.EventQueue),
		registry.WithRequestQueue(cfg.Registry.RequestQueue),
		registry.WithRecorder(collectors),
		registry.WithTracer(provider.Tracer()),
	)
	go reg.Run(context.Background())
	defer reg.Stop()

	loop := session.NewLoop(newDialer(cfg.Session), reg.Events(),
		session.WithCommandQueue(cfg.Session.CommandQueue),
		session.WithFactoryTimeout(cfg.Session.FactoryTimeout),
		session.WithRecorder(collectors),
	)

	var jr rpc.Journal
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.ErrorErr(log.CatJournal, "closing journal", err)
			}
		}()
		jr = j
	}

	svc := rpc.NewService(reg, loop, jr, cfg.Link.DedupWindow)
	srv := rpc.NewServer(svc, rpc.ServerOptions{
		Tracer:   provider.Tracer(),
		Observer: collectors,
	})
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}

	if stopWatch := watchConfig(configPathIfExists()); stopWatch != nil {
		defer stopWatch()
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(loopCtx) }()

	srvCtx, stopSrv := context.WithCancel(context.Background())
	defer stopSrv()
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(srvCtx, lis) }()

	fmt.Printf("pwgraph serving on %s\n", lis.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info(log.CatConfig, "shutdown requested")
	case err := <-loopErr:
		runErr = err
		loopErr <- err
		if err != nil {
			log.ErrorErr(log.CatSession, "session loop ended", err)
		}
	case err := <-srvErr:
		runErr = err
		srvErr <- err
	}

	// Stop taking calls before stopping the loop, then let pending commands
	// reach the journal before it closes.
	stopSrv()
	if err := <-srvErr; err != nil && runErr == nil {
		runErr = err
	}
	stopLoop()
	if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}
	svc.WaitPending()

	log.Info(log.CatConfig, "pwgraph stopped")
	return runErr
}

func newDialer(s config.SessionConfig) session.Dialer {
	if s.Backend == config.BackendScript {
		return pwcli.ReplayDialer(s.ScriptPath, s.CreateCommand)
	}
	return pwcli.Dialer(pwcli.Options{
		DumpCommand:   s.DumpCommand,
		CreateCommand: s.CreateCommand,
	})
}

func configPathIfExists() string {
	path := viper.ConfigFileUsed()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// watchConfig re-applies log.level whenever path changes. It returns nil
// when there is nothing to watch.
func watchConfig(path string) func() {
	if path == "" {
		return nil
	}
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		log.ErrorErr(log.CatConfig, "config watcher unavailable", err, "path", path)
		return nil
	}
	changes, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatConfig, "config watcher unavailable", err, "path", path)
		return nil
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-changes:
				if err := reloadLogLevel(path); err != nil {
					log.ErrorErr(log.CatConfig, "config reload failed", err, "path", path)
				}
			}
		}
	}()
	return func() {
		close(done)
		_ = w.Stop()
	}
}

// reloadLogLevel reads path and applies its log.level. --debug pins the
// level to debug.
func reloadLogLevel(path string) error {
	if debugFlag {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("log.level", config.Defaults().Log.Level)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	raw := v.GetString("log.level")
	level, ok := log.ParseLevel(raw)
	if !ok {
		return fmt.Errorf("log.level: unknown level %q", raw)
	}
	if level != log.MinLevel() {
		log.SetMinLevel(level)
		log.Info(log.CatConfig, "log level changed", "level", level.String())
	}
	return nil
}
