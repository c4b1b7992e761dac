package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/zjrosen/pwgraph/internal/rpc"
)

var watchKinds []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream graph changes",
	Long: `Print registry changes as they happen until interrupted.

Examples:
  pwgraph watch
  pwgraph watch --kind port --kind link
  pwgraph watch -o json`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringArrayVarP(&watchKinds, "kind", "k", nil,
		"only these kinds: node, port, device, application, link (repeatable)")
	rootCmd.AddCommand(watchCmd)
}

// describeWidth caps the summary column of a watch line.
const describeWidth = 96

var (
	createdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F"))
	updatedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FECA57"))
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#696969"))
)

func runWatch(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := rpc.Dial(cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	stream, err := c.WatchGraph(ctx, watchKinds...)
	if err != nil {
		return err
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			if rpc.IsEOF(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printEvent(os.Stdout, outputFormat, ev); err != nil {
			return err
		}
	}
}

// printEvent writes one event per line: a JSON object, or a short
// human-readable summary.
func printEvent(w io.Writer, format string, ev *rpc.GraphEvent) error {
	if format == formatJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	if format == formatYAML {
		return render(w, format, []*rpc.GraphEvent{ev}, nil, nil)
	}

	typ := createdStyle.Render(fmt.Sprintf("%-7s", ev.Type))
	if ev.Type == rpc.EventUpdated {
		typ = updatedStyle.Render(fmt.Sprintf("%-7s", ev.Type))
	}
	_, err := fmt.Fprintf(w, "%s %s %-11s %s\n",
		timeStyle.Render(ev.Timestamp.Local().Format(time.TimeOnly)), typ, ev.Kind, ansi.Truncate(describe(ev), describeWidth, "…"))
	return err
}

func describe(ev *rpc.GraphEvent) string {
	switch {
	case ev.Node != nil:
		return fmt.Sprintf("serial=%s name=%s class=%s", id(ev.Node.ObjectSerial), ev.Node.NodeName, ev.Node.MediaClass)
	case ev.Port != nil:
		return fmt.Sprintf("%s:%s %s %s", id(ev.Port.NodeID), id(ev.Port.ID),
			strings.ToLower(string(ev.Port.Direction)), ev.Port.Name)
	case ev.Device != nil:
		return fmt.Sprintf("serial=%s name=%s", id(ev.Device.ObjectSerial), ev.Device.Name)
	case ev.Application != nil:
		return fmt.Sprintf("serial=%s name=%s", id(ev.Application.ObjectSerial), ev.Application.Name)
	case ev.Link != nil:
		return fmt.Sprintf("%s:%s -> %s:%s", id(ev.Link.OutputNodeID), id(ev.Link.OutputPortID),
			id(ev.Link.InputNodeID), id(ev.Link.InputPortID))
	default:
		return ""
	}
}
