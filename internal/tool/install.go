package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// InstallOptions configures tool installation. At most one of URL and
// LocalPath is set; without either the tool comes from the catalog.
type InstallOptions struct {
	Version   string
	URL       string
	Hash      string
	LocalPath string
	UI        *tui.UI
}

// InstallTool installs a tool from the catalog, a package URL or a local directory
func InstallTool(ctx context.Context, h Host, toolID string, opts InstallOptions) error {
	ui := uiOrDefault(opts.UI)

	if opts.URL != "" && opts.LocalPath != "" {
		return errors.New("--url and --local cannot be used together")
	}

	var res host.Result
	switch {
	case opts.LocalPath != "":
		ui.Progress(fmt.Sprintf("Installing from %s", opts.LocalPath))
		res = h.InstallLocal(ctx, opts.LocalPath)
	case opts.URL != "":
		if toolID == "" {
			return errors.New("a tool id is required with --url")
		}
		entry := &installer.Entry{ID: toolID, Version: opts.Version, DownloadURL: opts.URL, Hash: opts.Hash}
		res = h.InstallTool(ctx, entry, ui.InstallProgress)
	default:
		if toolID == "" {
			return errors.New("a tool id is required")
		}
		res = h.InstallFromCatalog(ctx, toolID, opts.Version, ui.InstallProgress)
	}

	summary, err := resultData[host.ToolSummary](res)
	if err != nil {
		ui.ProgressFailure("")
		return fmt.Errorf("failed to install tool: %w", err)
	}

	ui.ProgressSuccess(fmt.Sprintf("Installed %s %s", summary.ID, summary.Version))
	if !ui.Enabled() {
		core.MustFprintf(ui.Out(), "Installed %s %s\n", summary.ID, summary.Version)
	}
	return nil
}
