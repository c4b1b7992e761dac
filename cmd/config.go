package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/pwgraph/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration file",
	Long: `Write a commented default configuration. Without a path the file goes
to ~/.config/pwgraph/config.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := configPath()
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one value in the configuration file",
	Long: `Set a dotted key, keeping the file's comments and layout. A running
daemon picks up log.level changes without a restart.

Examples:
  pwgraph config set log.level debug
  pwgraph config set journal.path ~/.local/state/pwgraph/journal.db`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := config.WriteDefaultConfig(path); err != nil {
				return err
			}
		}
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s = %s (%s)\n", args[0], args[1], path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		format := outputFormat
		if format == formatTable {
			format = formatYAML
		}
		return render(os.Stdout, format, effectiveConfig(cfg), nil, nil)
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configSetCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// effectiveConfig flattens c into the file's key layout.
func effectiveConfig(c config.Config) map[string]any {
	return map[string]any{
		"listen_addr": c.ListenAddr,
		"log": map[string]any{
			"level":      c.Log.Level,
			"path":       c.LogPath(),
			"queue_size": c.Log.QueueSize,
		},
		"session": map[string]any{
			"backend":         c.Session.Backend,
			"dump_command":    c.Session.DumpCommand,
			"create_command":  c.Session.CreateCommand,
			"script_path":     c.Session.ScriptPath,
			"factory_timeout": c.Session.FactoryTimeout.String(),
			"command_queue":   c.Session.CommandQueue,
		},
		"registry": map[string]any{
			"event_queue":   c.Registry.EventQueue,
			"request_queue": c.Registry.RequestQueue,
		},
		"link":    map[string]any{"dedup_window": c.Link.DedupWindow.String()},
		"journal": map[string]any{"path": c.Journal.Path},
		"metrics": map[string]any{"addr": c.Metrics.Addr},
		"tracing": map[string]any{
			"enabled":       c.Tracing.Enabled,
			"exporter":      c.Tracing.Exporter,
			"file_path":     c.Tracing.ToTracing().FilePath,
			"otlp_endpoint": c.Tracing.OTLPEndpoint,
			"sample_rate":   c.Tracing.SampleRate,
		},
	}
}
