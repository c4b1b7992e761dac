package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/pwgraph/internal/rpc"
)

var linkWait bool

var linkCmd = &cobra.Command{
	Use:   "link <out-node>:<out-port> <in-node>:<in-port>",
	Short: "Ask the session to link an output port to an input port",
	Long: `Queue a link creation. The command returns once the daemon has accepted
it; pass --wait to block until the session has created the link.

Identical requests inside the configured dedup window return the first
command's id instead of queueing a second one.

Examples:
  pwgraph link 42:3 57:1
  pwgraph link 42:3 57:1 --wait`,
	Args: cobra.ExactArgs(2),
	RunE: runLink,
}

func init() {
	linkCmd.Flags().BoolVarP(&linkWait, "wait", "w", false, "wait for the session to create the link")
	rootCmd.AddCommand(linkCmd)
}

func runLink(_ *cobra.Command, args []string) error {
	outNode, outPort, err := parseEndpoint(args[0])
	if err != nil {
		return err
	}
	inNode, inPort, err := parseEndpoint(args[1])
	if err != nil {
		return err
	}
	req := &rpc.CreateLinkRequest{
		OutputPortID: outPort,
		InputPortID:  inPort,
		OutputNodeID: outNode,
		InputNodeID:  inNode,
		Wait:         linkWait,
	}
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		resp, err := c.CreateLink(ctx, req)
		if err != nil {
			return err
		}
		state := "queued"
		switch {
		case resp.Deduplicated:
			state = "duplicate of pending command"
		case resp.Completed:
			state = "created"
		}
		return render(os.Stdout, outputFormat, resp,
			[]string{"COMMAND", "LINK", "STATE"},
			[][]string{{resp.CommandID, args[0] + " -> " + args[1], state}})
	})
}

// parseEndpoint splits "node:port".
func parseEndpoint(raw string) (node, port uint32, err error) {
	n, p, ok := strings.Cut(raw, ":")
	if !ok {
		return 0, 0, fmt.Errorf("endpoint %q must be <node>:<port>", raw)
	}
	if node, err = parseUint32("node id", n); err != nil {
		return 0, 0, err
	}
	if port, err = parseUint32("port id", p); err != nil {
		return 0, 0, err
	}
	return node, port, nil
}
