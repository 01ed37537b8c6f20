package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/gateway"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// toolRunner counts the users of a tool's backend. At zero references the
// backend is disposed after the stop delay unless the tool is started again.
type toolRunner struct {
	toolID    string
	channelID string
	refs      int
	stopTimer clockwork.Timer
}

// RunningTool describes a tool with a live backend
type RunningTool struct {
	ToolID    string `json:"toolId"`
	ChannelID string `json:"channelId,omitempty"`
	Refs      int    `json:"refs"`
	Stopping  bool   `json:"stopping"`
}

// StartTool starts the tool's backend, or reuses the live one, and returns its
// channel id. Each successful start must be matched by a StopTool.
func (h *Host) StartTool(ctx context.Context, toolID string) Result {
	channelID, err := h.startTool(ctx, toolID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"toolId": toolID, "channelId": channelID})
}

func (h *Host) startTool(ctx context.Context, toolID string) (string, error) {
	lock := h.toolLock(toolID)
	lock.Lock()
	defer lock.Unlock()

	tool, err := h.tools.GetTool(toolID)
	if err != nil {
		return "", err
	}

	h.runnersMu.Lock()
	runner, exists := h.runners[toolID]
	if exists && h.channelAlive(runner.channelID) {
		runner.refs++
		if runner.stopTimer != nil {
			runner.stopTimer.Stop()
			runner.stopTimer = nil
		}
		h.runnersMu.Unlock()
		zap.L().Debug("Reusing running backend",
			zap.String("tool", toolID),
			zap.String("channel_id", runner.channelID),
			zap.Int("refs", runner.refs))
		return runner.channelID, nil
	}
	if exists {
		delete(h.runners, toolID)
	}
	h.runnersMu.Unlock()

	backend, err := tool.Manifest.Backend()
	if errors.Is(err, manifest.ErrNoBackend) {
		// frontend-only tools are counted without a process
		h.storeRunner(&toolRunner{toolID: toolID, refs: 1})
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if tool.Interpreter != "" && backend.Type == manifest.BackendNative {
		scripted := *backend
		scripted.Interpreter = tool.Interpreter
		backend = &scripted
	}

	channelID, err := h.supervisor.RegisterBackend(ctx, toolID, tool.Path, backend)
	if err != nil {
		return "", err
	}
	if err := h.supervisor.WaitForReady(ctx, channelID, h.cfg.ReadyTimeout()); err != nil {
		disposeCtx, cancel := h.shutdownContext()
		defer cancel()
		if disposeErr := h.supervisor.Dispose(disposeCtx, channelID); disposeErr != nil {
			zap.L().Warn("Failed to dispose backend that never became ready",
				zap.String("channel_id", channelID), zap.Error(disposeErr))
		}
		return "", fmt.Errorf("backend for %s did not become ready: %w", toolID, err)
	}

	h.storeRunner(&toolRunner{toolID: toolID, channelID: channelID, refs: 1})
	zap.L().Info("Tool started", zap.String("tool", toolID), zap.String("channel_id", channelID))
	return channelID, nil
}

func (h *Host) storeRunner(runner *toolRunner) {
	h.runnersMu.Lock()
	h.runners[runner.toolID] = runner
	h.runnersMu.Unlock()
}

// channelAlive reports whether channelID still has a live process. Frontend-only
// runners have no channel and are always alive.
func (h *Host) channelAlive(channelID string) bool {
	if channelID == "" {
		return true
	}
	_, err := h.supervisor.Info(channelID)
	return err == nil
}

// StopTool releases one reference to the tool's backend
func (h *Host) StopTool(toolID string) Result {
	if err := h.stopTool(toolID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (h *Host) stopTool(toolID string) error {
	h.runnersMu.Lock()
	defer h.runnersMu.Unlock()

	runner, exists := h.runners[toolID]
	if !exists || runner.refs == 0 {
		return fmt.Errorf("tool %s is not running", toolID)
	}

	runner.refs--
	if runner.refs > 0 {
		return nil
	}

	delay := h.cfg.StopDelay()
	if delay <= 0 {
		delete(h.runners, toolID)
		go h.dispose(runner)
		return nil
	}

	runner.stopTimer = h.clock.AfterFunc(delay, func() {
		h.runnersMu.Lock()
		current, exists := h.runners[toolID]
		if !exists || current != runner || runner.refs > 0 {
			h.runnersMu.Unlock()
			return
		}
		delete(h.runners, toolID)
		h.runnersMu.Unlock()
		h.dispose(runner)
	})
	return nil
}

func (h *Host) dispose(runner *toolRunner) {
	if runner.channelID == "" {
		return
	}
	ctx, cancel := h.shutdownContext()
	defer cancel()

	if err := h.supervisor.Dispose(ctx, runner.channelID); err != nil {
		zap.L().Warn("Failed to dispose backend",
			zap.String("tool", runner.toolID),
			zap.String("channel_id", runner.channelID),
			zap.Error(err))
		return
	}
	zap.L().Info("Tool stopped", zap.String("tool", runner.toolID), zap.String("channel_id", runner.channelID))
}

// ForceStopTool disposes every backend of the tool regardless of references
func (h *Host) ForceStopTool(ctx context.Context, toolID string) Result {
	if err := h.forceStop(ctx, toolID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (h *Host) forceStop(ctx context.Context, toolID string) error {
	h.runnersMu.Lock()
	if runner, exists := h.runners[toolID]; exists {
		if runner.stopTimer != nil {
			runner.stopTimer.Stop()
		}
		delete(h.runners, toolID)
	}
	h.runnersMu.Unlock()

	return h.supervisor.DisposeAllForTool(ctx, toolID)
}

// StopAll disposes every running backend
func (h *Host) StopAll(ctx context.Context) Result {
	h.runnersMu.Lock()
	for id, runner := range h.runners {
		if runner.stopTimer != nil {
			runner.stopTimer.Stop()
		}
		delete(h.runners, id)
	}
	h.runnersMu.Unlock()

	if err := h.supervisor.Shutdown(ctx); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// Running lists the tools with a live runner, sorted by id
func (h *Host) Running() []RunningTool {
	h.runnersMu.Lock()
	defer h.runnersMu.Unlock()

	out := make([]RunningTool, 0, len(h.runners))
	for _, runner := range h.runners {
		out = append(out, RunningTool{
			ToolID:    runner.toolID,
			ChannelID: runner.channelID,
			Refs:      runner.refs,
			Stopping:  runner.refs == 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// Processes lists every live backend process
func (h *Host) Processes() Result {
	return ok(h.supervisor.List())
}

// CallTool calls method on the running backend of toolID
func (h *Host) CallTool(ctx context.Context, toolID string, method string, params json.RawMessage, timeout time.Duration) Result {
	h.runnersMu.Lock()
	runner, exists := h.runners[toolID]
	h.runnersMu.Unlock()
	if !exists || runner.channelID == "" {
		return fail(fmt.Errorf("tool %s has no running backend", toolID))
	}

	var p any
	if len(params) > 0 {
		p = params
	}
	result, err := h.supervisor.Call(ctx, runner.channelID, method, p, timeout)
	if err != nil {
		return fail(err)
	}
	return ok(result)
}

// backendBridge serves the gateway's backend module. Registering from a tool's
// frontend shares the refcounted backend started through StartTool.
type backendBridge struct {
	host *Host
}

// Interface guard for backendBridge
var _ gateway.BackendHost = &backendBridge{}

func (b *backendBridge) StartBackend(ctx context.Context, toolID string) (string, error) {
	channelID, err := b.host.startTool(ctx, toolID)
	if err != nil {
		return "", err
	}
	if channelID == "" {
		// never counted as a backend user
		_ = b.host.stopTool(toolID)
		return "", fmt.Errorf("tool %s declares no backend", toolID)
	}
	return channelID, nil
}

func (b *backendBridge) StopBackend(_ context.Context, toolID string, _ string) error {
	return b.host.stopTool(toolID)
}

func (b *backendBridge) OwnsChannel(toolID string, channelID string) bool {
	info, err := b.host.supervisor.Info(channelID)
	return err == nil && info.ToolID == toolID
}

func (b *backendBridge) Call(ctx context.Context, channelID string, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return b.host.supervisor.Call(ctx, channelID, method, params, timeout)
}

func (b *backendBridge) Notify(channelID string, method string, params any) error {
	return b.host.supervisor.Notify(channelID, method, params)
}

func (b *backendBridge) PostMessage(channelID string, message json.RawMessage) error {
	return b.host.supervisor.PostMessage(channelID, message)
}

func (b *backendBridge) Methods(channelID string) ([]string, error) {
	return b.host.supervisor.Methods(channelID)
}
