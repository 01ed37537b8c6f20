package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newUpdateCmd creates the update command
func newUpdateCmd(a *app) *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "update [TOOL-ID]",
		Short: "Update tools to their newest catalog release",
		Long: `Update an installed tool to its newest catalog release, or every outdated tool
when no TOOL-ID is given. The running backends of an updated tool are stopped
first; the previous version is restored if the update fails.

Examples:
  toolhost update notes
  toolhost update
  toolhost update --check`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolID string
			if len(args) == 1 {
				toolID = args[0]
			}
			return a.withHost(cmd.Context(), func(ctx context.Context, h *host.Host) error {
				return tool.UpdateTool(ctx, h, toolID, tool.UpdateOptions{CheckOnly: checkOnly, UI: a.ui})
			})
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only list available updates")

	return cmd
}
