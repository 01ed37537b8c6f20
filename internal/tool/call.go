package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// CallOptions configures a one-off backend call
type CallOptions struct {
	// Params is the raw JSON passed as the call's params
	Params  string
	Timeout time.Duration
	UI      *tui.UI
}

// CallTool starts toolID's backend, calls method once, prints the result and
// releases the backend again
func CallTool(ctx context.Context, h Host, toolID string, method string, opts CallOptions) error {
	ui := uiOrDefault(opts.UI)

	var params json.RawMessage
	if opts.Params != "" {
		if !json.Valid([]byte(opts.Params)) {
			return fmt.Errorf("params must be valid JSON: %s", opts.Params)
		}
		params = json.RawMessage(opts.Params)
	}

	ui.Progress(fmt.Sprintf("Starting %s", toolID))
	started, err := resultData[map[string]string](h.StartTool(ctx, toolID))
	if err != nil {
		ui.ProgressFailure("")
		return fmt.Errorf("failed to start tool '%s': %w", toolID, err)
	}
	ui.ProgressSuccess(fmt.Sprintf("Started %s", toolID))
	defer func() {
		if err := resultErr(h.StopTool(toolID)); err != nil {
			zap.L().Warn("Failed to stop tool after call", zap.String("tool", toolID), zap.Error(err))
		}
	}()

	if started["channelId"] == "" {
		return fmt.Errorf("tool '%s' has no backend to call", toolID)
	}

	result, err := resultData[json.RawMessage](h.CallTool(ctx, toolID, method, params, opts.Timeout))
	if err != nil {
		return fmt.Errorf("call to %s.%s failed: %w", toolID, method, err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(result)
	}
	core.MustFprintf(ui.Out(), "%s\n", pretty.String())
	return nil
}
