package tool

import (
	"fmt"
	"text/tabwriter"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// ListOptions configures the output format for listing tools
type ListOptions struct {
	JSON    bool
	Verbose bool
	UI      *tui.UI
}

// ListTools lists all installed tools with the specified output format
func ListTools(h Host, opts ListOptions) error {
	ui := uiOrDefault(opts.UI)
	out := ui.Out()

	tools, err := resultData[[]host.ToolSummary](h.ListTools())
	if err != nil {
		return fmt.Errorf("failed to list installed tools: %w", err)
	}

	if opts.JSON {
		return writeJSON(out, tools)
	}

	if len(tools) == 0 {
		core.MustFprintf(out, "No tools installed.\n")
		core.MustFprintf(out, "Install tools with: toolhost install TOOL-ID\n")
		return nil
	}

	if opts.Verbose {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		core.MustFprintf(w, "ID\tVERSION\tTYPE\tRUNNING\tDESCRIPTION\n")
		core.MustFprintf(w, "--\t-------\t----\t-------\t-----------\n")
		for _, tool := range tools {
			running := "no"
			if tool.Running {
				running = "yes"
			}
			core.MustFprintf(w, "%s\t%s\t%s\t%s\t%s\n", tool.ID, tool.Version, tool.Type, running, truncate(tool.Description, 60))
		}
		return w.Flush()
	}

	for _, tool := range tools {
		core.MustFprintf(out, "%s (%s)\n", tool.ID, ui.Muted(tool.Version))
	}
	return nil
}
