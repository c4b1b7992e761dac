package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/pwgraph/internal/rpc"
)

var (
	outputFormat string
	callTimeout  time.Duration
)

var (
	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "List nodes",
		Args:  cobra.NoArgs,
		RunE:  runNodes,
	}
	portsCmd = &cobra.Command{
		Use:   "ports",
		Short: "List ports ordered by node, port and direction",
		Long: `List ports in (node id, port id, direction) order.

Examples:
  pwgraph ports
  pwgraph ports --node 42
  pwgraph ports -o json | jq '.ports[].name'`,
		Args: cobra.NoArgs,
		RunE: runPorts,
	}
	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List devices",
		Args:  cobra.NoArgs,
		RunE:  runDevices,
	}
	appsCmd = &cobra.Command{
		Use:     "apps",
		Aliases: []string{"applications"},
		Short:   "List client applications",
		Args:    cobra.NoArgs,
		RunE:    runApps,
	}
	linksCmd = &cobra.Command{
		Use:   "links",
		Short: "List links",
		Args:  cobra.NoArgs,
		RunE:  runLinks,
	}
	portCmd = &cobra.Command{
		Use:   "port <object-serial>",
		Short: "Show the port with the given object serial",
		Args:  cobra.ExactArgs(1),
		RunE:  runPort,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show daemon counters and health",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	journalCmd = &cobra.Command{
		Use:   "journal",
		Short: "Show recent link commands",
		Args:  cobra.NoArgs,
		RunE:  runJournal,
	}
)

var (
	portsNode    uint32
	journalLimit int32
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatTable, "output format: table, yaml or json")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second, "per-call timeout for client commands")

	portsCmd.Flags().Uint32Var(&portsNode, "node", 0, "only ports of this node id")
	journalCmd.Flags().Int32VarP(&journalLimit, "limit", "n", 20, "number of commands to show")

	rootCmd.AddCommand(nodesCmd, portsCmd, devicesCmd, appsCmd, linksCmd, portCmd, statusCmd, journalCmd)
}

// withClient dials the daemon and runs fn under the call timeout.
func withClient(fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := rpc.Dial(cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return fn(ctx, c)
}

func runNodes(_ *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		nodes, err := c.ListNodes(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(nodes))
		for _, n := range nodes {
			rows = append(rows, []string{id(n.ObjectSerial), n.NodeName, n.MediaClass, n.ApplicationName, n.ClientAPI})
		}
		return render(os.Stdout, outputFormat, rpc.ListNodesResponse{Nodes: nodes},
			[]string{"SERIAL", "NAME", "MEDIA CLASS", "APPLICATION", "API"}, rows)
	})
}

func runPorts(cmd *cobra.Command, _ []string) error {
	var node *uint32
	if cmd.Flags().Changed("node") {
		node = &portsNode
	}
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		ports, err := c.ListPorts(ctx, node)
		if err != nil {
			return err
		}
		return render(os.Stdout, outputFormat, rpc.ListPortsResponse{Ports: ports}, portHeaders, portRows(ports))
	})
}

var portHeaders = []string{"NODE", "PORT", "DIR", "SERIAL", "NAME", "ALIAS", "CHANNEL"}

func portRows(ports []rpc.Port) [][]string {
	rows := make([][]string, 0, len(ports))
	for _, p := range ports {
		rows = append(rows, []string{
			id(p.NodeID), id(p.ID), strings.ToLower(string(p.Direction)), id(p.ObjectSerial),
			p.Name, p.Alias, p.AudioChannel,
		})
	}
	return rows
}

func runDevices(_ *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		devices, err := c.ListDevices(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(devices))
		for _, d := range devices {
			rows = append(rows, []string{id(d.ObjectSerial), d.Name, d.Nick, d.Description, d.MediaClass})
		}
		return render(os.Stdout, outputFormat, rpc.ListDevicesResponse{Devices: devices},
			[]string{"SERIAL", "NAME", "NICK", "DESCRIPTION", "MEDIA CLASS"}, rows)
	})
}

func runApps(_ *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		apps, err := c.ListApplications(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(apps))
		for _, a := range apps {
			rows = append(rows, []string{id(a.ObjectSerial), a.Name, a.SecPID, a.Protocol, a.Access})
		}
		return render(os.Stdout, outputFormat, rpc.ListApplicationsResponse{Applications: apps},
			[]string{"SERIAL", "NAME", "PID", "PROTOCOL", "ACCESS"}, rows)
	})
}

func runLinks(_ *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		links, err := c.ListLinks(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(links))
		for _, l := range links {
			rows = append(rows, []string{
				id(l.ObjectSerial),
				id(l.OutputNodeID) + ":" + id(l.OutputPortID),
				id(l.InputNodeID) + ":" + id(l.InputPortID),
			})
		}
		return render(os.Stdout, outputFormat, rpc.ListLinksResponse{Links: links},
			[]string{"SERIAL", "OUTPUT", "INPUT"}, rows)
	})
}

func runPort(_ *cobra.Command, args []string) error {
	serial, err := parseUint32("object serial", args[0])
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		port, err := c.GetPortByObjectSerial(ctx, serial)
		if err != nil {
			return err
		}
		return render(os.Stdout, outputFormat, rpc.GetPortByObjectSerialResponse{Port: port},
			portHeaders, portRows([]rpc.Port{port}))
	})
}

func runStatus(_ *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		st, err := c.GetStatus(ctx)
		if err != nil {
			return err
		}
		health, err := c.Health(ctx)
		if err != nil {
			return err
		}
		rows := [][]string{
			{"health", health.String()},
			{"link factory", orDash(st.Session.LinkFactory)},
			{"session running", strconv.FormatBool(st.Session.Running)},
			{"events forwarded", i64(st.Session.Forwarded)},
			{"translate failures", i64(st.Session.Failed)},
			{"unclassified globals", i64(st.Session.Unclassified)},
			{"link commands", i64(st.Session.Commands)},
			{"link command errors", i64(st.Session.CommandErrors)},
			{"command queue", strconv.Itoa(st.Session.CommandQueue)},
			{"nodes", strconv.Itoa(st.Registry.Nodes)},
			{"ports", strconv.Itoa(st.Registry.Ports)},
			{"devices", strconv.Itoa(st.Registry.Devices)},
			{"applications", strconv.Itoa(st.Registry.Applications)},
			{"links", strconv.Itoa(st.Registry.Links)},
			{"events applied", i64(st.Registry.EventsApplied)},
			{"requests served", i64(st.Registry.RequestsServed)},
			{"abandoned replies", i64(st.Registry.AbandonedReplies)},
			{"event queue", strconv.Itoa(st.Registry.EventQueue)},
			{"request queue", strconv.Itoa(st.Registry.RequestQueue)},
			{"feed drops", i64(st.Registry.FeedDropped)},
			{"log drops", i64(st.LogDropped)},
		}
		return render(os.Stdout, outputFormat, st, []string{"", ""}, rows)
	})
}

func runJournal(_ *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		cmds, err := c.ListLinkCommands(ctx, journalLimit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(cmds))
		for _, lc := range cmds {
			rows = append(rows, []string{
				lc.CreatedAt.Local().Format(time.DateTime),
				lc.ID,
				id(lc.OutputNodeID) + ":" + id(lc.OutputPortID),
				id(lc.InputNodeID) + ":" + id(lc.InputPortID),
				lc.Status,
				lc.Error,
			})
		}
		return render(os.Stdout, outputFormat, rpc.ListLinkCommandsResponse{Commands: cmds},
			[]string{"CREATED", "ID", "OUTPUT", "INPUT", "STATUS", "ERROR"}, rows)
	})
}

func parseUint32(what, raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, raw, err)
	}
	return uint32(v), nil
}

func i64(v int64) string { return strconv.FormatInt(v, 10) }

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
