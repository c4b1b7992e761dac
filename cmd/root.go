// Package cmd holds the pwgraph command line: the serve daemon and the
// client subcommands that query it.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/pwgraph/internal/config"
)

const localConfigPath = ".pwgraph/config.yaml"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pwgraph",
	Short: "Audio graph registry and link service",
	Long: `pwgraph mirrors the audio session's object graph (nodes, ports, devices,
applications and links) and serves it over gRPC. Clients can list the graph,
look up ports, watch changes and ask the session to create links.

Run "pwgraph serve" to start the daemon; the other commands talk to it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.pwgraph/config.yaml, then ~/.config/pwgraph/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"debug logging (same as log.level=debug)")
	rootCmd.PersistentFlags().String("addr", "",
		"daemon address (overrides listen_addr)")

	_ = viper.BindPFlag("listen_addr", rootCmd.PersistentFlags().Lookup("addr"))
}

func initConfig() {
	setDefaults(config.Defaults())

	viper.SetEnvPrefix("PWGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .pwgraph/config.yaml (current directory)
		// 2. ~/.config/pwgraph/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			viper.SetConfigFile(localConfigPath)
		} else {
			viper.AddConfigPath(config.DefaultConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
	if debugFlag {
		cfg.Log.Level = "debug"
	}
}

func setDefaults(d config.Config) {
	viper.SetDefault("listen_addr", d.ListenAddr)
	viper.SetDefault("log.level", d.Log.Level)
	viper.SetDefault("log.path", d.Log.Path)
	viper.SetDefault("log.queue_size", d.Log.QueueSize)
	viper.SetDefault("session.backend", d.Session.Backend)
	viper.SetDefault("session.dump_command", d.Session.DumpCommand)
	viper.SetDefault("session.create_command", d.Session.CreateCommand)
	viper.SetDefault("session.script_path", d.Session.ScriptPath)
	viper.SetDefault("session.factory_timeout", d.Session.FactoryTimeout)
	viper.SetDefault("session.command_queue", d.Session.CommandQueue)
	viper.SetDefault("registry.event_queue", d.Registry.EventQueue)
	viper.SetDefault("registry.request_queue", d.Registry.RequestQueue)
	viper.SetDefault("link.dedup_window", d.Link.DedupWindow)
	viper.SetDefault("journal.path", d.Journal.Path)
	viper.SetDefault("metrics.addr", d.Metrics.Addr)
	viper.SetDefault("tracing.enabled", d.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", d.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", d.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// configPath is the file that was loaded, or where one would be written.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(config.DefaultConfigDir(), "config.yaml")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
