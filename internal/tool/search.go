package tool

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// SearchOptions configures the output format for searching the catalog
type SearchOptions struct {
	Verbose bool
	JSON    bool
	UI      *tui.UI
}

// SearchTools searches the catalog for tools matching the query
func SearchTools(ctx context.Context, h Host, query string, opts SearchOptions) error {
	ui := uiOrDefault(opts.UI)
	out := ui.Out()

	results, err := resultData[[]installer.Entry](h.SearchCatalog(ctx, query))
	if err != nil {
		return fmt.Errorf("failed to search catalog: %w", err)
	}

	if opts.JSON {
		return writeJSON(out, results)
	}

	if len(results) == 0 {
		core.MustFprintf(out, "No tools found matching '%s'\n", query)
		return nil
	}

	if opts.Verbose {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		core.MustFprintf(w, "ID\tVERSION\tCATEGORY\tDESCRIPTION\n")
		core.MustFprintf(w, "--\t-------\t--------\t-----------\n")
		for _, entry := range results {
			core.MustFprintf(w, "%s\t%s\t%s\t%s\n", entry.ID, entry.Version, entry.Category, truncate(entry.Description, 60))
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush writer: %w", err)
		}
	} else {
		for _, entry := range results {
			core.MustFprintf(out, "%s: %s\n", ui.Heading(entry.ID), truncate(entry.Description, 80))
		}
	}

	core.MustFprintf(out, "\nInstall a tool with: toolhost install TOOL-ID\n")
	return nil
}
