package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newCallCmd creates the call command
func newCallCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call TOOL-ID METHOD [PARAMS-JSON]",
		Short: "Call a method on a tool's backend",
		Long: `Start a tool's backend, wait until it is ready, call one JSON-RPC method and
print the result. The backend is stopped again afterwards.`,
		Example: `  toolhost call notes list
  toolhost call notes search '{"query":"todo"}' --timeout 5s`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tool.CallOptions{Timeout: timeout, UI: a.ui}
			if len(args) == 3 {
				opts.Params = args[2]
			}
			return a.withHost(cmd.Context(), func(ctx context.Context, h *host.Host) error {
				return tool.CallTool(ctx, h, args[0], args[1], opts)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Call timeout (default: rpc_timeout_ms)")

	return cmd
}
