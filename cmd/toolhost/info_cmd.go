package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newInfoCmd creates the info command
func newInfoCmd(a *app) *cobra.Command {
	var jsonOutput bool
	var noReadme bool

	cmd := &cobra.Command{
		Use:   "info TOOL-ID",
		Short: "Display detailed information about a tool",
		Long: `Display detailed information about an installed tool: its manifest metadata,
runtime, backend and permissions, followed by its README when it ships one.

Examples:
  toolhost info notes
  toolhost info notes --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd.Context(), func(_ context.Context, h *host.Host) error {
				return tool.GetToolInfo(h, args[0], tool.InfoOptions{JSON: jsonOutput, NoReadme: noReadme, UI: a.ui})
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&noReadme, "no-readme", false, "Do not show the tool's README")

	return cmd
}
