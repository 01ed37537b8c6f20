package tool

import (
	"context"
	"fmt"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// UninstallTool stops and removes an installed tool. Its data directory is kept.
func UninstallTool(ctx context.Context, h Host, toolID string, ui *tui.UI) error {
	ui = uiOrDefault(ui)
	if err := resultErr(h.UninstallTool(ctx, toolID)); err != nil {
		return fmt.Errorf("failed to uninstall tool '%s': %w", toolID, err)
	}
	core.MustFprintf(ui.Out(), "Uninstalled tool '%s'\n", toolID)
	return nil
}
