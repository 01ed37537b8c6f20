package host

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/events"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/manifest"
	"github.com/dorcha-inc/toolhost/internal/state"
)

// ToolSummary is the listing view of an installed tool
type ToolSummary struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Description string                `json:"description,omitempty"`
	Type        manifest.RuntimeType  `json:"type"`
	Path        string                `json:"path"`
	Permissions []manifest.Permission `json:"permissions,omitempty"`
	Running     bool                  `json:"running"`
}

// ListTools returns every installed tool, sorted by id
func (h *Host) ListTools() Result {
	return ok(h.summaries())
}

func (h *Host) summaries() []ToolSummary {
	running := make(map[string]bool)
	for _, r := range h.Running() {
		running[r.ToolID] = true
	}

	tools := h.tools.ListTools()
	out := make([]ToolSummary, 0, len(tools))
	for _, tool := range tools {
		out = append(out, summarize(tool, running[tool.ID]))
	}
	return out
}

func summarize(tool *state.InstalledTool, running bool) ToolSummary {
	m := tool.Manifest
	return ToolSummary{
		ID:          tool.ID,
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Type:        m.Runtime.Type,
		Path:        tool.Path,
		Permissions: m.Permissions,
		Running:     running,
	}
}

// Tool returns the manifest of an installed tool
func (h *Host) Tool(toolID string) Result {
	tool, err := h.tools.GetTool(toolID)
	if err != nil {
		return fail(err)
	}
	return ok(tool)
}

// InstallTool installs entry and waits for the job to finish. Progress goes to
// onProgress when set and is always published on the event bus.
func (h *Host) InstallTool(ctx context.Context, entry *installer.Entry, onProgress func(installer.Progress)) Result {
	job, err := h.installer.Start(entry)
	if err != nil {
		return fail(err)
	}
	return h.followJob(ctx, job, onProgress)
}

// StartInstall starts installing entry and returns at once with the job id.
// Progress is published on the event bus.
func (h *Host) StartInstall(entry *installer.Entry) Result {
	job, err := h.installer.Start(entry)
	if err != nil {
		return fail(err)
	}
	go h.followJob(context.Background(), job, nil)
	return ok(map[string]string{"toolId": job.ToolID, "jobId": job.ID})
}

// InstallFromCatalog resolves id at version in the catalog and installs it
func (h *Host) InstallFromCatalog(ctx context.Context, toolID string, version string, onProgress func(installer.Progress)) Result {
	entry, err := h.resolveCatalogEntry(ctx, toolID, version)
	if err != nil {
		return fail(err)
	}
	return h.InstallTool(ctx, entry, onProgress)
}

// InstallLocal installs a development tool directory by copying it
func (h *Host) InstallLocal(ctx context.Context, dir string) Result {
	m, err := h.installer.InstallLocal(ctx, dir)
	if err != nil {
		return fail(err)
	}
	tool, err := h.tools.Reload(m.ID)
	if err != nil {
		return fail(fmt.Errorf("tool installed but could not be loaded: %w", err))
	}
	return ok(summarize(tool, false))
}

// UpdateTool installs the newest catalog release of an installed tool. Running
// backends of the tool are stopped first.
func (h *Host) UpdateTool(ctx context.Context, toolID string, onProgress func(installer.Progress)) Result {
	tool, err := h.tools.GetTool(toolID)
	if err != nil {
		return fail(err)
	}

	index, err := h.catalog.Fetch(ctx, true)
	if err != nil {
		return fail(err)
	}
	updates := index.Outdated(map[string]string{toolID: tool.Manifest.Version})
	if len(updates) == 0 {
		return ok(map[string]any{"toolId": toolID, "version": tool.Manifest.Version, "updated": false})
	}
	update := updates[0]

	if err := h.forceStop(ctx, toolID); err != nil {
		zap.L().Warn("Failed to stop tool before update", zap.String("tool", toolID), zap.Error(err))
	}

	job, err := h.installer.StartUpdate(&update.Entry)
	if err != nil {
		return fail(err)
	}
	res := h.followJob(ctx, job, onProgress)
	if !res.Success {
		return res
	}
	return ok(map[string]any{"toolId": toolID, "version": update.Available, "previous": update.Installed, "updated": true})
}

// Outdated lists installed tools with a newer catalog release
func (h *Host) Outdated(ctx context.Context) Result {
	index, err := h.catalog.Fetch(ctx, true)
	if err != nil {
		return fail(err)
	}
	installed := make(map[string]string)
	for _, tool := range h.tools.ListTools() {
		installed[tool.ID] = tool.Manifest.Version
	}
	return ok(index.Outdated(installed))
}

// UninstallTool stops the tool's backends and removes its installation and
// python environment. Tool data under tool-data is kept.
func (h *Host) UninstallTool(ctx context.Context, toolID string) Result {
	if _, err := h.tools.GetTool(toolID); err != nil {
		return fail(err)
	}
	if err := h.forceStop(ctx, toolID); err != nil {
		zap.L().Warn("Failed to stop tool before uninstall", zap.String("tool", toolID), zap.Error(err))
	}
	if err := h.installer.Uninstall(toolID); err != nil {
		return fail(err)
	}
	h.tools.Remove(toolID)
	return ok(nil)
}

// CancelInstall aborts the in-flight install of toolID
func (h *Host) CancelInstall(toolID string) Result {
	if !h.installer.Cancel(toolID) {
		return fail(fmt.Errorf("no install in progress for %s", toolID))
	}
	return ok(nil)
}

// Jobs returns the latest progress of every in-flight install
func (h *Host) Jobs() Result {
	return ok(h.installer.Jobs())
}

// SearchCatalog ranks catalog entries against query
func (h *Host) SearchCatalog(ctx context.Context, query string) Result {
	index, err := h.catalog.Fetch(ctx, true)
	if err != nil {
		return fail(err)
	}
	return ok(index.Search(query))
}

// CatalogEntry resolves a single catalog entry
func (h *Host) CatalogEntry(ctx context.Context, toolID string, version string) Result {
	entry, err := h.resolveCatalogEntry(ctx, toolID, version)
	if err != nil {
		return fail(err)
	}
	return ok(entry)
}

// ClearCatalogCache removes the cached catalog index
func (h *Host) ClearCatalogCache() Result {
	if err := h.catalog.ClearCache(); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (h *Host) resolveCatalogEntry(ctx context.Context, toolID string, version string) (*installer.Entry, error) {
	index, err := h.catalog.Fetch(ctx, true)
	if err != nil {
		return nil, err
	}
	entry, err := index.Find(toolID, version)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// followJob relays a job's progress until it finishes and refreshes the
// installed-tool state on success
func (h *Host) followJob(ctx context.Context, job *installer.Job, onProgress func(installer.Progress)) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("install follower", r)
			res = fail(fmt.Errorf("internal error following install of %s: %v", job.ToolID, r))
		}
	}()

	updates := job.Progress()
	for {
		select {
		case p, open := <-updates:
			if !open {
				<-job.Done()
				return h.finishJob(job)
			}
			h.publishProgress(p)
			if onProgress != nil {
				onProgress(p)
			}
		case <-ctx.Done():
			h.installer.CancelJob(job)
			<-job.Done()
			h.drain(updates)
			return fail(fmt.Errorf("install of %s cancelled: %w", job.ToolID, ctx.Err()))
		}
	}
}

func (h *Host) drain(updates <-chan installer.Progress) {
	for p := range updates {
		h.publishProgress(p)
	}
}

func (h *Host) finishJob(job *installer.Job) Result {
	if err := job.Err(); err != nil {
		return fail(err)
	}
	tool, err := h.tools.Reload(job.ToolID)
	if err != nil {
		return fail(fmt.Errorf("tool installed but could not be loaded: %w", err))
	}
	return ok(summarize(tool, false))
}

func (h *Host) publishProgress(p installer.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		zap.L().Warn("Failed to encode install progress", zap.Error(err))
		return
	}
	h.bus.Publish(events.Event{
		Kind:    events.KindInstall,
		ToolID:  p.ToolID,
		Message: p.Message,
		Data:    data,
		Time:    h.clock.Now(),
	})
}

// Refresh rescans the tools directory and returns the new listing
func (h *Host) Refresh() Result {
	if err := h.tools.Refresh(); err != nil {
		return fail(err)
	}
	return ok(h.summaries())
}
