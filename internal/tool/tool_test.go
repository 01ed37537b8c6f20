package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorcha-inc/toolhost/internal/catalog"
	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/manifest"
	"github.com/dorcha-inc/toolhost/internal/state"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// fakeHost records calls and returns canned results
type fakeHost struct {
	tools     []host.ToolSummary
	installed map[string]*state.InstalledTool
	catalog   []installer.Entry
	outdated  []catalog.Update

	installedEntry *installer.Entry
	catalogInstall []string
	localInstall   string
	uninstalled    []string
	updated        []string
	started        []string
	stopped        []string
	calls          []string
	callParams     json.RawMessage
	callTimeout    time.Duration

	channelID  string
	callResult json.RawMessage
	failWith   error
}

func okResult(data any) host.Result {
	return host.Result{Success: true, Data: data}
}

func failResult(err error) host.Result {
	return host.Result{Error: err.Error()}
}

func (f *fakeHost) ListTools() host.Result {
	tools := f.tools
	if tools == nil {
		tools = []host.ToolSummary{}
	}
	return okResult(tools)
}

func (f *fakeHost) Tool(toolID string) host.Result {
	tool, exists := f.installed[toolID]
	if !exists {
		return failResult(state.NewToolNotFoundError(toolID, ""))
	}
	return okResult(tool)
}

func (f *fakeHost) InstallTool(_ context.Context, entry *installer.Entry, onProgress func(installer.Progress)) host.Result {
	if f.failWith != nil {
		return failResult(f.failWith)
	}
	f.installedEntry = entry
	onProgress(installer.Progress{ToolID: entry.ID, Stage: installer.StageComplete, Percent: 100})
	return okResult(host.ToolSummary{ID: entry.ID, Version: "1.0.0"})
}

func (f *fakeHost) InstallFromCatalog(_ context.Context, toolID string, version string, onProgress func(installer.Progress)) host.Result {
	if f.failWith != nil {
		return failResult(f.failWith)
	}
	f.catalogInstall = append(f.catalogInstall, toolID+"@"+version)
	onProgress(installer.Progress{ToolID: toolID, Stage: installer.StageComplete, Percent: 100})
	if version == "" {
		version = "2.0.0"
	}
	return okResult(host.ToolSummary{ID: toolID, Version: version})
}

func (f *fakeHost) InstallLocal(_ context.Context, dir string) host.Result {
	f.localInstall = dir
	return okResult(host.ToolSummary{ID: filepath.Base(dir), Version: "0.1.0"})
}

func (f *fakeHost) UninstallTool(_ context.Context, toolID string) host.Result {
	if f.failWith != nil {
		return failResult(f.failWith)
	}
	f.uninstalled = append(f.uninstalled, toolID)
	return okResult(nil)
}

func (f *fakeHost) UpdateTool(_ context.Context, toolID string, _ func(installer.Progress)) host.Result {
	f.updated = append(f.updated, toolID)
	for _, u := range f.outdated {
		if u.ID == toolID {
			return okResult(map[string]any{"toolId": toolID, "version": u.Available, "previous": u.Installed, "updated": true})
		}
	}
	return okResult(map[string]any{"toolId": toolID, "version": "1.0.0", "updated": false})
}

func (f *fakeHost) Outdated(_ context.Context) host.Result {
	updates := f.outdated
	if updates == nil {
		updates = []catalog.Update{}
	}
	return okResult(append([]catalog.Update(nil), updates...))
}

func (f *fakeHost) SearchCatalog(_ context.Context, _ string) host.Result {
	if f.failWith != nil {
		return failResult(f.failWith)
	}
	return okResult(f.catalog)
}

func (f *fakeHost) StartTool(_ context.Context, toolID string) host.Result {
	if f.failWith != nil {
		return failResult(f.failWith)
	}
	f.started = append(f.started, toolID)
	return okResult(map[string]string{"toolId": toolID, "channelId": f.channelID})
}

func (f *fakeHost) StopTool(toolID string) host.Result {
	f.stopped = append(f.stopped, toolID)
	return okResult(nil)
}

func (f *fakeHost) CallTool(_ context.Context, toolID string, method string, params json.RawMessage, timeout time.Duration) host.Result {
	f.calls = append(f.calls, toolID+"."+method)
	f.callParams = params
	f.callTimeout = timeout
	if f.callResult == nil {
		return failResult(errors.New("method not found"))
	}
	return okResult(f.callResult)
}

var _ Host = &fakeHost{}

func newTestUI(t *testing.T) (*tui.UI, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	ui := tui.NewWithOptions(tui.Options{
		Stdout: &out,
		Stderr: &errOut,
		Clock:  clockwork.NewFakeClock(),
	})
	return ui, &out
}

func TestListTools_Empty(t *testing.T) {
	ui, out := newTestUI(t)
	require.NoError(t, ListTools(&fakeHost{}, ListOptions{UI: ui}))
	assert.Contains(t, out.String(), "No tools installed.")
}

func TestListTools_EmptyJSON(t *testing.T) {
	ui, out := newTestUI(t)
	require.NoError(t, ListTools(&fakeHost{}, ListOptions{JSON: true, UI: ui}))
	assert.JSONEq(t, "[]", out.String())
}

func TestListTools_Formats(t *testing.T) {
	h := &fakeHost{tools: []host.ToolSummary{
		{ID: "notes", Version: "1.2.0", Type: manifest.RuntimeWebview, Description: "Take notes", Running: true},
		{ID: "wc", Version: "0.1.0", Type: manifest.RuntimeStandalone},
	}}

	ui, out := newTestUI(t)
	require.NoError(t, ListTools(h, ListOptions{UI: ui}))
	assert.Equal(t, "notes (1.2.0)\nwc (0.1.0)\n", out.String())

	ui, out = newTestUI(t)
	require.NoError(t, ListTools(h, ListOptions{Verbose: true, UI: ui}))
	assert.Contains(t, out.String(), "ID")
	assert.Contains(t, out.String(), "RUNNING")
	assert.Regexp(t, `notes\s+1\.2\.0\s+webview\s+yes\s+Take notes`, out.String())
	assert.Regexp(t, `wc\s+0\.1\.0\s+standalone\s+no`, out.String())

	ui, out = newTestUI(t)
	require.NoError(t, ListTools(h, ListOptions{JSON: true, UI: ui}))
	var decoded []host.ToolSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, h.tools, decoded)
}

func TestGetToolInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Notes\n\nA notebook.\n"), 0o600)) // #nosec G306 -- test file
	h := &fakeHost{installed: map[string]*state.InstalledTool{
		"notes": {
			ID:   "notes",
			Path: dir,
			Manifest: &manifest.ToolManifest{
				ID:          "notes",
				Name:        "Notes",
				Version:     "1.2.0",
				Author:      "Jane",
				Permissions: []manifest.Permission{manifest.PermFSWrite, "fs.read"},
				Runtime: &manifest.RuntimeConfig{
					Type: manifest.RuntimeWebview,
					UI:   &manifest.UIConfig{Entry: "index.html"},
					Backend: &manifest.BackendConfig{
						Type:  manifest.BackendPython,
						Entry: "main.py",
					},
				},
			},
		},
	}}

	ui, out := newTestUI(t)
	require.NoError(t, GetToolInfo(h, "notes", InfoOptions{UI: ui}))
	text := out.String()
	assert.Contains(t, text, "Name:")
	assert.Contains(t, text, "Notes")
	assert.Contains(t, text, "Author:")
	assert.Contains(t, text, "webview")
	assert.Contains(t, text, "python main.py")
	assert.Contains(t, text, "  - fs.read\n  - fs.write\n")
	assert.Contains(t, text, "A notebook.")
	assert.NotContains(t, text, "Category:")

	ui, out = newTestUI(t)
	require.NoError(t, GetToolInfo(h, "notes", InfoOptions{NoReadme: true, UI: ui}))
	assert.NotContains(t, out.String(), "A notebook.")

	ui, out = newTestUI(t)
	require.NoError(t, GetToolInfo(h, "notes", InfoOptions{JSON: true, UI: ui}))
	var decoded state.InstalledTool
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "1.2.0", decoded.Manifest.Version)
}

func TestGetToolInfo_NotFound(t *testing.T) {
	ui, _ := newTestUI(t)
	err := GetToolInfo(&fakeHost{}, "ghost", InfoOptions{UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool not found: ghost")
}

func TestInstallTool_Catalog(t *testing.T) {
	h := &fakeHost{}
	ui, out := newTestUI(t)
	require.NoError(t, InstallTool(context.Background(), h, "notes", InstallOptions{Version: "1.0.0", UI: ui}))
	assert.Equal(t, []string{"notes@1.0.0"}, h.catalogInstall)
	assert.Equal(t, "Installed notes 1.0.0\n", out.String())
}

func TestInstallTool_URL(t *testing.T) {
	h := &fakeHost{}
	ui, _ := newTestUI(t)
	require.NoError(t, InstallTool(context.Background(), h, "notes", InstallOptions{
		URL:  "https://example.com/notes.zip",
		Hash: "abc",
		UI:   ui,
	}))
	require.NotNil(t, h.installedEntry)
	assert.Equal(t, "notes", h.installedEntry.ID)
	assert.Equal(t, "https://example.com/notes.zip", h.installedEntry.DownloadURL)
	assert.Equal(t, "abc", h.installedEntry.Hash)
	assert.Empty(t, h.catalogInstall)
}

func TestInstallTool_Local(t *testing.T) {
	h := &fakeHost{}
	ui, out := newTestUI(t)
	require.NoError(t, InstallTool(context.Background(), h, "", InstallOptions{LocalPath: "/src/wc", UI: ui}))
	assert.Equal(t, "/src/wc", h.localInstall)
	assert.Contains(t, out.String(), "Installed wc 0.1.0")
}

func TestInstallTool_Errors(t *testing.T) {
	ui, _ := newTestUI(t)
	ctx := context.Background()

	err := InstallTool(ctx, &fakeHost{}, "notes", InstallOptions{URL: "u", LocalPath: "p", UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be used together")

	require.Error(t, InstallTool(ctx, &fakeHost{}, "", InstallOptions{UI: ui}))
	require.Error(t, InstallTool(ctx, &fakeHost{}, "", InstallOptions{URL: "u", UI: ui}))

	err = InstallTool(ctx, &fakeHost{failWith: errors.New("hash mismatch")}, "notes", InstallOptions{UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to install tool: hash mismatch")
}

func TestSearchTools(t *testing.T) {
	h := &fakeHost{catalog: []installer.Entry{
		{ID: "notes", Version: "1.0.0", Category: "productivity", Description: "Take notes"},
	}}

	ui, out := newTestUI(t)
	require.NoError(t, SearchTools(context.Background(), h, "note", SearchOptions{UI: ui}))
	assert.Contains(t, out.String(), "notes: Take notes")
	assert.Contains(t, out.String(), "toolhost install TOOL-ID")

	ui, out = newTestUI(t)
	require.NoError(t, SearchTools(context.Background(), h, "note", SearchOptions{Verbose: true, UI: ui}))
	assert.Regexp(t, `notes\s+1\.0\.0\s+productivity\s+Take notes`, out.String())

	ui, out = newTestUI(t)
	require.NoError(t, SearchTools(context.Background(), &fakeHost{catalog: []installer.Entry{}}, "zzz", SearchOptions{UI: ui}))
	assert.Equal(t, "No tools found matching 'zzz'\n", out.String())

	ui, _ = newTestUI(t)
	err := SearchTools(context.Background(), &fakeHost{failWith: errors.New("offline")}, "x", SearchOptions{UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to search catalog")
}

func TestUninstallTool(t *testing.T) {
	h := &fakeHost{}
	ui, out := newTestUI(t)
	require.NoError(t, UninstallTool(context.Background(), h, "notes", ui))
	assert.Equal(t, []string{"notes"}, h.uninstalled)
	assert.Equal(t, "Uninstalled tool 'notes'\n", out.String())

	err := UninstallTool(context.Background(), &fakeHost{failWith: errors.New("in progress")}, "notes", ui)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to uninstall tool 'notes': in progress")
}

func TestUpdateTool(t *testing.T) {
	h := &fakeHost{outdated: []catalog.Update{
		{ID: "notes", Installed: "1.0.0", Available: "1.1.0"},
		{ID: "wc", Installed: "0.1.0", Available: "0.2.0"},
	}}

	ui, out := newTestUI(t)
	require.NoError(t, UpdateTool(context.Background(), h, "notes", UpdateOptions{UI: ui}))
	assert.Equal(t, []string{"notes"}, h.updated)
	assert.Equal(t, "Updated notes 1.0.0 -> 1.1.0\n", out.String())

	h.updated = nil
	ui, out = newTestUI(t)
	require.NoError(t, UpdateTool(context.Background(), h, "", UpdateOptions{UI: ui}))
	assert.Equal(t, []string{"notes", "wc"}, h.updated)
	assert.Contains(t, out.String(), "Updated wc 0.1.0 -> 0.2.0")
}

func TestUpdateTool_CheckOnly(t *testing.T) {
	h := &fakeHost{outdated: []catalog.Update{
		{ID: "notes", Installed: "1.0.0", Available: "1.1.0"},
		{ID: "wc", Installed: "0.1.0", Available: "0.2.0"},
	}}

	ui, out := newTestUI(t)
	require.NoError(t, UpdateTool(context.Background(), h, "", UpdateOptions{CheckOnly: true, UI: ui}))
	assert.Equal(t, "notes 1.0.0 -> 1.1.0\nwc 0.1.0 -> 0.2.0\n", out.String())
	assert.Empty(t, h.updated)

	ui, out = newTestUI(t)
	require.NoError(t, UpdateTool(context.Background(), h, "wc", UpdateOptions{CheckOnly: true, UI: ui}))
	assert.Equal(t, "wc 0.1.0 -> 0.2.0\n", out.String())
}

func TestUpdateTool_UpToDate(t *testing.T) {
	h := &fakeHost{}
	ui, out := newTestUI(t)
	require.NoError(t, UpdateTool(context.Background(), h, "", UpdateOptions{UI: ui}))
	assert.Equal(t, "All tools are up to date.\n", out.String())

	ui, out = newTestUI(t)
	require.NoError(t, UpdateTool(context.Background(), h, "notes", UpdateOptions{UI: ui}))
	assert.Equal(t, "notes is up to date (1.0.0)\n", out.String())
}

func TestCallTool(t *testing.T) {
	h := &fakeHost{channelID: "ch-1", callResult: json.RawMessage(`{"echo":[1,2]}`)}
	ui, out := newTestUI(t)

	err := CallTool(context.Background(), h, "notes", "ping", CallOptions{Params: `[1,2]`, Timeout: time.Second, UI: ui})
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, h.started)
	assert.Equal(t, []string{"notes.ping"}, h.calls)
	assert.Equal(t, []string{"notes"}, h.stopped)
	assert.JSONEq(t, `[1,2]`, string(h.callParams))
	assert.Equal(t, time.Second, h.callTimeout)
	assert.Equal(t, "{\n  \"echo\": [\n    1,\n    2\n  ]\n}\n", out.String())
}

func TestCallTool_Errors(t *testing.T) {
	ui, _ := newTestUI(t)
	ctx := context.Background()

	h := &fakeHost{channelID: "ch-1"}
	err := CallTool(ctx, h, "notes", "ping", CallOptions{Params: `{bad`, UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "params must be valid JSON")
	assert.Empty(t, h.started)

	err = CallTool(ctx, h, "notes", "missing", CallOptions{UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call to notes.missing failed: method not found")
	assert.Equal(t, []string{"notes"}, h.stopped)

	h = &fakeHost{}
	err = CallTool(ctx, h, "viewer", "ping", CallOptions{UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no backend to call")
	assert.Equal(t, []string{"viewer"}, h.stopped)

	h = &fakeHost{failWith: errors.New("tool not found: ghost")}
	err = CallTool(ctx, h, "ghost", "ping", CallOptions{UI: ui})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start tool 'ghost'")
	assert.Empty(t, h.stopped)
}

func TestResultData_WrongType(t *testing.T) {
	_, err := resultData[string](okResult(42))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected result type int")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
