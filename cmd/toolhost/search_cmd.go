package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newSearchCmd creates the search command
func newSearchCmd(a *app) *cobra.Command {
	var verbose bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search [QUERY]",
		Short: "Search the catalog for tools",
		Long: `Search the catalog for tools matching the query. Ids, names, descriptions,
categories and keywords are matched case-insensitively and fuzzily. Without a
query every catalog entry is listed.

Examples:
  toolhost search notes
  toolhost search --verbose markdown`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var query string
			if len(args) == 1 {
				query = args[0]
			}
			return a.withHost(cmd.Context(), func(ctx context.Context, h *host.Host) error {
				return tool.SearchTools(ctx, h, query, tool.SearchOptions{Verbose: verbose, JSON: jsonOutput, UI: a.ui})
			})
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed information in table format")
	cmd.Flags().BoolVar(&verbose, "table", false, "Show detailed information in table format (alias for --verbose)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
