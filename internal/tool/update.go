package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/dorcha-inc/toolhost/internal/catalog"
	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// UpdateOptions configures tool updates
type UpdateOptions struct {
	// CheckOnly lists available updates without installing them
	CheckOnly bool
	UI        *tui.UI
}

// UpdateTool updates toolID to its newest catalog release, or every outdated
// tool when toolID is empty
func UpdateTool(ctx context.Context, h Host, toolID string, opts UpdateOptions) error {
	ui := uiOrDefault(opts.UI)
	out := ui.Out()

	if toolID != "" && !opts.CheckOnly {
		return updateOne(ctx, h, toolID, ui)
	}

	updates, err := resultData[[]catalog.Update](h.Outdated(ctx))
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}
	if toolID != "" {
		filtered := updates[:0]
		for _, u := range updates {
			if u.ID == toolID {
				filtered = append(filtered, u)
			}
		}
		updates = filtered
	}

	if len(updates) == 0 {
		core.MustFprintf(out, "All tools are up to date.\n")
		return nil
	}

	if opts.CheckOnly {
		for _, u := range updates {
			core.MustFprintf(out, "%s %s -> %s\n", u.ID, ui.Muted(u.Installed), u.Available)
		}
		return nil
	}

	var errs []error
	for _, u := range updates {
		if err := updateOne(ctx, h, u.ID, ui); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func updateOne(ctx context.Context, h Host, toolID string, ui *tui.UI) error {
	data, err := resultData[map[string]any](h.UpdateTool(ctx, toolID, ui.InstallProgress))
	if err != nil {
		return fmt.Errorf("failed to update tool '%s': %w", toolID, err)
	}

	if updated, _ := data["updated"].(bool); !updated {
		core.MustFprintf(ui.Out(), "%s is up to date (%v)\n", toolID, data["version"])
		return nil
	}
	core.MustFprintf(ui.Out(), "Updated %s %v -> %v\n", toolID, data["previous"], data["version"])
	return nil
}
