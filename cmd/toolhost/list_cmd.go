package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newListCmd creates the list command
func newListCmd(a *app) *cobra.Command {
	var jsonOutput bool
	var verbose bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed tools",
		Long: `List all installed tools and their versions.

By default, shows a simple list format. Use --verbose or --table to see detailed
information including runtime type and descriptions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd.Context(), func(_ context.Context, h *host.Host) error {
				return tool.ListTools(h, tool.ListOptions{JSON: jsonOutput, Verbose: verbose, UI: a.ui})
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed information including descriptions")
	cmd.Flags().BoolVar(&verbose, "table", false, "Show detailed information in table format (alias for --verbose)")

	return cmd
}
