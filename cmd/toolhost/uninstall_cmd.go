package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newUninstallCmd creates the uninstall command
func newUninstallCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall TOOL-ID",
		Short: "Remove an installed tool",
		Long: `Remove an installed tool and its Python environment. The tool's data directory
is kept so a reinstall finds its storage again.

Examples:
  toolhost uninstall notes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd.Context(), func(ctx context.Context, h *host.Host) error {
				return tool.UninstallTool(ctx, h, args[0], a.ui)
			})
		},
	}

	return cmd
}
