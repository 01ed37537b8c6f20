// Package tool implements the toolhost CLI's tool management commands on top of the host.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// Host is the subset of the host facade the commands use
type Host interface {
	ListTools() host.Result
	Tool(toolID string) host.Result
	InstallTool(ctx context.Context, entry *installer.Entry, onProgress func(installer.Progress)) host.Result
	InstallFromCatalog(ctx context.Context, toolID string, version string, onProgress func(installer.Progress)) host.Result
	InstallLocal(ctx context.Context, dir string) host.Result
	UninstallTool(ctx context.Context, toolID string) host.Result
	UpdateTool(ctx context.Context, toolID string, onProgress func(installer.Progress)) host.Result
	Outdated(ctx context.Context) host.Result
	SearchCatalog(ctx context.Context, query string) host.Result
	StartTool(ctx context.Context, toolID string) host.Result
	StopTool(toolID string) host.Result
	CallTool(ctx context.Context, toolID string, method string, params json.RawMessage, timeout time.Duration) host.Result
}

// Interface guard for the host facade
var _ Host = &host.Host{}

// resultErr turns a failed result into an error
func resultErr(res host.Result) error {
	if res.Success {
		return nil
	}
	return errors.New(res.Error)
}

// resultData extracts the typed data of a successful result
func resultData[T any](res host.Result) (T, error) {
	var zero T
	if err := resultErr(res); err != nil {
		return zero, err
	}
	data, ok := res.Data.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", res.Data)
	}
	return data, nil
}

func uiOrDefault(ui *tui.UI) *tui.UI {
	if ui == nil {
		return tui.Default()
	}
	return ui
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// truncate shortens s to n runes with an ellipsis
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
