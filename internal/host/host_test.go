package host

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorcha-inc/toolhost/internal/config"
	"github.com/dorcha-inc/toolhost/internal/events"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

const (
	windowsOS     = "windows"
	helperModeEnv = "TOOLHOST_HOST_HELPER"
	echoTool      = "echo"
)

// TestHelperBackend is not a real test. It is the backend the other tests spawn
// by re-executing the test binary.
func TestHelperBackend(t *testing.T) {
	if os.Getenv(helperModeEnv) == "" {
		return
	}
	runHelperBackend()
	os.Exit(0)
}

func runHelperBackend() {
	out := bufio.NewWriter(os.Stdout)
	send := func(v any) {
		data, _ := json.Marshal(v) //nolint:errcheck // helper output
		_, _ = out.Write(append(data, '\n'))
		_ = out.Flush()
	}
	send(map[string]any{"jsonrpc": "2.0", "method": "$ready", "params": map[string]any{"methods": []string{"ping", "crash"}}})

	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(line, &req) != nil {
			continue
		}
		switch req.Method {
		case "ping":
			send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.Params})
		case "crash":
			os.Exit(3)
		case "$shutdown":
			return
		}
	}
}

type testHost struct {
	*Host
	clock *clockwork.FakeClock
}

func newTestHost(t *testing.T, mutate func(*config.HostConfig)) *testHost {
	t.Helper()
	cfg := &config.HostConfig{
		DataDir:         t.TempDir(),
		RPCTimeoutMs:    5000,
		ReadyTimeoutMs:  10000,
		DisposeGraceMs:  2000,
		StopDelayMs:     1000,
		PythonVersion:   config.DefaultPythonVersion,
		NodePath:        config.DefaultNodePath,
		DownloadRetries: 1,
		TempMaxAgeHours: 1,
		HTTPAddr:        config.DefaultHTTPAddr,
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockwork.NewFakeClock()
	h, err := New(Options{
		Config:   cfg,
		Clock:    clock,
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.Close(ctx) //nolint:errcheck // cleanup in test
	})
	return &testHost{Host: h, clock: clock}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// writeEchoTool installs a webview tool whose backend is the helper
func writeEchoTool(t *testing.T, h *testHost, perms ...manifest.Permission) {
	t.Helper()
	if runtime.GOOS == windowsOS {
		t.Skip("helper backend tests are not supported on Windows")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	m := &manifest.ToolManifest{
		ID:          echoTool,
		Version:     "1.0.0",
		Name:        "Echo",
		Permissions: perms,
		Runtime: &manifest.RuntimeConfig{
			Type: manifest.RuntimeWebview,
			UI:   &manifest.UIConfig{Entry: "index.html"},
			Backend: &manifest.BackendConfig{
				Type:  manifest.BackendNative,
				Entry: exe,
				Args:  []string{"-test.run=^TestHelperBackend$"},
				Env:   map[string]string{helperModeEnv: "1"},
			},
		},
	}
	writeManifest(t, h, m, map[string]string{"index.html": "<html></html>"})
}

func writeManifest(t *testing.T, h *testHost, m *manifest.ToolManifest, files map[string]string) {
	t.Helper()
	dir := h.layout.ToolDir(m.ID)
	// #nosec G301 -- test directory permissions are acceptable for temporary test files
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := manifest.Marshal(m)
	require.NoError(t, err)
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0644))
	for name, content := range files {
		// #nosec G306 -- test file permissions are acceptable for temporary test files
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	_, err = h.tools.Reload(m.ID)
	require.NoError(t, err)
}

func dataJSON(t *testing.T, res Result) string {
	t.Helper()
	require.True(t, res.Success, res.Error)
	data, err := json.Marshal(res.Data)
	require.NoError(t, err)
	return string(data)
}

func channelOf(t *testing.T, res Result) string {
	t.Helper()
	require.True(t, res.Success, res.Error)
	return res.Data.(map[string]string)["channelId"]
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNew_CreatesLayout(t *testing.T) {
	h := newTestHost(t, nil)
	for _, dir := range []string{h.layout.ToolsDir(), h.layout.EnvsDir(), h.layout.TempDir(), h.layout.CacheDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Same(t, h.cfg, h.Config())
}

func TestStartTool_CallAndRefcount(t *testing.T) {
	h := newTestHost(t, nil)
	writeEchoTool(t, h)
	ctx := testContext(t)

	channelID := channelOf(t, h.StartTool(ctx, echoTool))
	require.NotEmpty(t, channelID)

	assert.JSONEq(t, `{"x":1}`, dataJSON(t, h.CallTool(ctx, echoTool, "ping", json.RawMessage(`{"x":1}`), 0)))

	again := channelOf(t, h.StartTool(ctx, echoTool))
	assert.Equal(t, channelID, again, "a live backend is reused")
	require.Len(t, h.Running(), 1)
	assert.Equal(t, 2, h.Running()[0].Refs)

	require.True(t, h.StopTool(echoTool).Success)
	assert.Len(t, h.supervisor.List(), 1, "still referenced")

	require.True(t, h.StopTool(echoTool).Success)
	assert.True(t, h.Running()[0].Stopping)
	assert.Len(t, h.supervisor.List(), 1, "disposal waits for the stop delay")

	h.clock.Advance(h.cfg.StopDelay())
	require.Eventually(t, func() bool {
		return len(h.supervisor.List()) == 0 && len(h.Running()) == 0
	}, 10*time.Second, 10*time.Millisecond)

	res := h.StopTool(echoTool)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "is not running")
}

func TestStartTool_ScriptWithoutExecBit(t *testing.T) {
	if runtime.GOOS == windowsOS {
		t.Skip("shell scripts are not supported on Windows")
	}
	h := newTestHost(t, nil)
	exe, err := os.Executable()
	require.NoError(t, err)

	m := &manifest.ToolManifest{
		ID:      "scripted",
		Version: "1.0.0",
		Name:    "Scripted",
		Runtime: &manifest.RuntimeConfig{Type: manifest.RuntimeStandalone, Entry: "run.sh"},
	}
	script := fmt.Sprintf("#!/bin/sh\n%s=1 exec %q -test.run='^TestHelperBackend$'\n", helperModeEnv, exe)
	writeManifest(t, h, m, map[string]string{"run.sh": script})

	tool, err := h.tools.GetTool("scripted")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", tool.Interpreter)

	ctx := testContext(t)
	channelOf(t, h.StartTool(ctx, "scripted"))
	assert.JSONEq(t, `{"x":2}`, dataJSON(t, h.CallTool(ctx, "scripted", "ping", json.RawMessage(`{"x":2}`), 0)))
}

func TestStartTool_RestartCancelsPendingStop(t *testing.T) {
	h := newTestHost(t, nil)
	writeEchoTool(t, h)
	ctx := testContext(t)

	first := channelOf(t, h.StartTool(ctx, echoTool))
	require.True(t, h.StopTool(echoTool).Success)

	second := channelOf(t, h.StartTool(ctx, echoTool))
	assert.Equal(t, first, second)

	h.clock.Advance(10 * h.cfg.StopDelay())
	// the stop timer was cancelled, so the backend still answers
	assert.JSONEq(t, `"still here"`, dataJSON(t, h.CallTool(ctx, echoTool, "ping", json.RawMessage(`"still here"`), 0)))
}

func TestStopTool_ZeroDelayDisposesAtOnce(t *testing.T) {
	h := newTestHost(t, func(c *config.HostConfig) { c.StopDelayMs = 0 })
	writeEchoTool(t, h)

	channelOf(t, h.StartTool(testContext(t), echoTool))
	require.True(t, h.StopTool(echoTool).Success)
	require.Eventually(t, func() bool {
		return len(h.supervisor.List()) == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestForceStopAndStopAll(t *testing.T) {
	h := newTestHost(t, nil)
	writeEchoTool(t, h)
	ctx := testContext(t)

	channelOf(t, h.StartTool(ctx, echoTool))
	channelOf(t, h.StartTool(ctx, echoTool))
	require.True(t, h.ForceStopTool(ctx, echoTool).Success)
	assert.Empty(t, h.Running())
	assert.Empty(t, h.supervisor.List())

	channelOf(t, h.StartTool(ctx, echoTool))
	require.True(t, h.StopAll(ctx).Success)
	assert.Empty(t, h.Running())
	assert.Empty(t, h.supervisor.List())
}

func TestBackendExitForgetsRunner(t *testing.T) {
	h := newTestHost(t, nil)
	writeEchoTool(t, h)
	ctx := testContext(t)

	channelOf(t, h.StartTool(ctx, echoTool))
	res := h.CallTool(ctx, echoTool, "crash", nil, 0)
	assert.False(t, res.Success)

	require.Eventually(t, func() bool {
		return len(h.Running()) == 0
	}, 10*time.Second, 10*time.Millisecond)

	// a fresh start spawns a new backend
	channelID := channelOf(t, h.StartTool(ctx, echoTool))
	assert.NotEmpty(t, channelID)
}

func TestStartTool_Errors(t *testing.T) {
	h := newTestHost(t, nil)

	res := h.StartTool(testContext(t), "missing")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "tool not found: missing")

	res = h.CallTool(testContext(t), "missing", "ping", nil, 0)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "has no running backend")
}

func TestStartTool_FrontendOnly(t *testing.T) {
	h := newTestHost(t, nil)
	writeManifest(t, h, &manifest.ToolManifest{
		ID:      "viewer",
		Version: "1.0.0",
		Name:    "Viewer",
		Runtime: &manifest.RuntimeConfig{Type: manifest.RuntimeWebview, UI: &manifest.UIConfig{Entry: "index.html"}},
	}, map[string]string{"index.html": ""})

	assert.Empty(t, channelOf(t, h.StartTool(testContext(t), "viewer")))
	require.Len(t, h.Running(), 1)
	require.True(t, h.StopTool("viewer").Success)
}

func TestInvoke_StorageAndPermissions(t *testing.T) {
	h := newTestHost(t, nil)
	writeEchoTool(t, h, manifest.PermStorageGet, manifest.PermStorageSet)
	ctx := testContext(t)

	require.True(t, h.Invoke(ctx, echoTool, "storage", "set", json.RawMessage(`{"key":"theme","value":"dark"}`)).Success)
	assert.JSONEq(t, `{"value":"dark"}`, dataJSON(t, h.Invoke(ctx, echoTool, "storage", "get", json.RawMessage(`{"key":"theme"}`))))

	res := h.Invoke(ctx, echoTool, "fs", "writeFile", json.RawMessage(`{"path":"a.txt","content":"x"}`))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "fs.write")
	_, err := os.Stat(filepath.Join(h.layout.ToolDataDir(echoTool), "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestInvoke_BackendModuleSharesRunner(t *testing.T) {
	h := newTestHost(t, nil)
	writeEchoTool(t, h, manifest.PermBackendRegister, manifest.PermBackendMessage)
	ctx := testContext(t)

	res := h.Invoke(ctx, echoTool, "backend", "register", json.RawMessage(`{}`))
	require.True(t, res.Success, res.Error)
	channelID := res.Data.(map[string]any)["channelId"].(string)

	started := channelOf(t, h.StartTool(ctx, echoTool))
	assert.Equal(t, channelID, started)
	assert.Equal(t, 2, h.Running()[0].Refs)

	call := fmt.Sprintf(`{"channelId":%q,"method":"ping","params":{"n":2}}`, channelID)
	assert.JSONEq(t, `{"n":2}`, dataJSON(t, h.Invoke(ctx, echoTool, "backend", "call", json.RawMessage(call))))

	dispose := fmt.Sprintf(`{"channelId":%q}`, channelID)
	require.True(t, h.Invoke(ctx, echoTool, "backend", "dispose", json.RawMessage(dispose)).Success)
	assert.Equal(t, 1, h.Running()[0].Refs)
}

func TestGatewayMethods(t *testing.T) {
	h := newTestHost(t, nil)
	methods := h.GatewayMethods()
	assert.Len(t, methods, 7)
	assert.NotEmpty(t, methods["fs"])
}

// zip helpers

func toolZip(t *testing.T, id string, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	files := map[string]string{
		manifest.FileName: fmt.Sprintf(`{"id":%q,"version":%q,"name":"Notes","runtime":{"type":"standalone","entry":"main.py"}}`, id, version),
		"main.py":         "print('hi')\n",
	}
	for name, body := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// packageServer serves tool packages by path and a catalog index at /index.json
type packageServer struct {
	*httptest.Server
	files map[string][]byte
	index string
}

func newPackageServer(t *testing.T) *packageServer {
	t.Helper()
	ps := &packageServer{files: map[string][]byte{}}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.json" {
			_, _ = w.Write([]byte(ps.index))
			return
		}
		data, ok := ps.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "package.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *packageServer) add(t *testing.T, id string, version string) installer.Entry {
	t.Helper()
	data := toolZip(t, id, version)
	path := fmt.Sprintf("/%s-%s.zip", id, version)
	ps.files[path] = data
	return installer.Entry{ID: id, Version: version, Name: "Notes", DownloadURL: ps.URL + path, Hash: sha(data)}
}

func (ps *packageServer) publish(t *testing.T, entries ...installer.Entry) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"version": 1, "tools": entries})
	require.NoError(t, err)
	ps.index = string(data)
}

func TestInstallTool_PublishesProgressAndRefreshesState(t *testing.T) {
	h := newTestHost(t, nil)
	ps := newPackageServer(t)
	entry := ps.add(t, "notes", "1.0.0")

	sub, unsubscribe := h.Subscribe(0, func(e events.Event) bool { return e.Kind == events.KindInstall })
	defer unsubscribe()

	var stages []installer.Stage
	res := h.InstallTool(testContext(t), &entry, func(p installer.Progress) {
		stages = append(stages, p.Stage)
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "notes", res.Data.(ToolSummary).ID)
	require.NotEmpty(t, stages)
	assert.Equal(t, installer.StageComplete, stages[len(stages)-1])

	var last installer.Progress
	for len(sub) > 0 {
		e := <-sub
		require.NoError(t, json.Unmarshal(e.Data, &last))
	}
	assert.Equal(t, installer.StageComplete, last.Stage)

	list := h.ListTools().Data.([]ToolSummary)
	require.Len(t, list, 1)
	assert.Equal(t, "1.0.0", list[0].Version)
	assert.Equal(t, manifest.RuntimeStandalone, list[0].Type)

	res = h.InstallTool(testContext(t), &entry, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already installed")
}

func TestInstallTool_IntegrityFailure(t *testing.T) {
	h := newTestHost(t, nil)
	ps := newPackageServer(t)
	entry := ps.add(t, "notes", "1.0.0")
	entry.Hash = sha([]byte("something else"))

	res := h.InstallTool(testContext(t), &entry, nil)
	assert.False(t, res.Success)
	_, err := os.Stat(h.layout.ToolDir("notes"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, h.ListTools().Data.([]ToolSummary))
}

func TestInstallTool_ContextCancelStopsOwnJob(t *testing.T) {
	h := newTestHost(t, nil)
	data := toolZip(t, "notes", "1.0.0")
	started := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data[:10])
		w.(http.Flusher).Flush()
		started <- struct{}{}
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	entry := installer.Entry{ID: "notes", Version: "1.0.0", DownloadURL: server.URL, Hash: sha(data)}

	ctx, cancel := context.WithCancel(testContext(t))
	resCh := make(chan Result, 1)
	go func() { resCh <- h.InstallTool(ctx, &entry, nil) }()
	<-started
	cancel()

	select {
	case res := <-resCh:
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "install of notes cancelled")
	case <-time.After(10 * time.Second):
		t.Fatal("install did not return after cancellation")
	}
	_, inFlight := h.installer.Job("notes")
	assert.False(t, inFlight)
	assert.False(t, h.CancelInstall("notes").Success)
}

func TestStartInstall_ReturnsJob(t *testing.T) {
	h := newTestHost(t, nil)
	ps := newPackageServer(t)
	entry := ps.add(t, "notes", "1.0.0")

	res := h.StartInstall(&entry)
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.Data.(map[string]string)["jobId"])

	require.Eventually(t, func() bool {
		tool := h.Tool("notes")
		return tool.Success
	}, 10*time.Second, 10*time.Millisecond)
}

func TestInstallFromCatalogAndUpdate(t *testing.T) {
	ps := newPackageServer(t)
	h := newTestHost(t, func(c *config.HostConfig) { c.RegistryURL = ps.URL + "/index.json" })
	ctx := testContext(t)

	v1 := ps.add(t, "notes", "1.0.0")
	ps.publish(t, v1)

	res := h.InstallFromCatalog(ctx, "notes", "", nil)
	require.True(t, res.Success, res.Error)

	res = h.InstallFromCatalog(ctx, "nots", "", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "did you mean notes?")

	res = h.UpdateTool(ctx, "notes", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, false, res.Data.(map[string]any)["updated"])

	v2 := ps.add(t, "notes", "1.1.0")
	ps.publish(t, v1, v2)
	require.True(t, h.ClearCatalogCache().Success)

	outdated := h.Outdated(ctx)
	require.True(t, outdated.Success, outdated.Error)
	assert.Contains(t, dataJSON(t, outdated), `"available":"1.1.0"`)

	res = h.UpdateTool(ctx, "notes", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, true, res.Data.(map[string]any)["updated"])

	tool := h.Tool("notes")
	require.True(t, tool.Success)
	assert.Contains(t, dataJSON(t, tool), `"version":"1.1.0"`)

	search := h.SearchCatalog(ctx, "note")
	assert.Contains(t, dataJSON(t, search), `"id":"notes"`)
}

func TestUninstallTool(t *testing.T) {
	h := newTestHost(t, nil)
	ps := newPackageServer(t)
	entry := ps.add(t, "notes", "1.0.0")
	require.True(t, h.InstallTool(testContext(t), &entry, nil).Success)

	res := h.UninstallTool(testContext(t), "note")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "did you mean notes?")

	require.True(t, h.UninstallTool(testContext(t), "notes").Success)
	assert.Empty(t, h.ListTools().Data.([]ToolSummary))
	_, err := os.Stat(h.layout.ToolDir("notes"))
	assert.True(t, os.IsNotExist(err))
}

func TestUninstallTool_StopsRunningBackend(t *testing.T) {
	h := newTestHost(t, nil)
	writeEchoTool(t, h)
	ctx := testContext(t)

	channelOf(t, h.StartTool(ctx, echoTool))
	require.True(t, h.UninstallTool(ctx, echoTool).Success)
	assert.Empty(t, h.Running())
	assert.Empty(t, h.supervisor.List())
}

func TestInstallLocal(t *testing.T) {
	h := newTestHost(t, nil)
	src := t.TempDir()
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(filepath.Join(src, manifest.FileName),
		[]byte(`{"id":"dev-tool","version":"0.1.0","name":"Dev","runtime":{"type":"standalone","entry":"main.py"}}`), 0644))
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("print(1)\n"), 0644))

	res := h.InstallLocal(testContext(t), src)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "dev-tool", res.Data.(ToolSummary).ID)

	res = h.InstallLocal(testContext(t), filepath.Join(src, "missing"))
	assert.False(t, res.Success)
}

func TestCancelInstall_NothingInFlight(t *testing.T) {
	h := newTestHost(t, nil)
	res := h.CancelInstall("notes")
	assert.False(t, res.Success)
	assert.Equal(t, "no install in progress for notes", res.Error)
	assert.Empty(t, h.Jobs().Data)
}

func TestSweepTempAndMaintenance(t *testing.T) {
	h := newTestHost(t, func(c *config.HostConfig) { c.TempSweepSchedule = "@every 1h" })

	res := h.SweepTemp()
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]int{"removed": 0}, res.Data)

	require.NoError(t, h.StartMaintenance())
	require.NoError(t, h.StartMaintenance(), "starting twice is a no-op")
}

func TestStartMaintenance_InvalidSchedule(t *testing.T) {
	h := newTestHost(t, func(c *config.HostConfig) { c.TempSweepSchedule = "whenever" })
	require.Error(t, h.StartMaintenance())
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(fail(errors.New("boom")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"boom"}`, string(data))

	data, err = json.Marshal(ok(map[string]int{"n": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"n":1}}`, string(data))
}

func TestRefresh_PicksUpToolsCopiedIn(t *testing.T) {
	h := newTestHost(t, nil)
	dir := h.layout.ToolDir("viewer")
	// #nosec G301 -- test directory permissions are acceptable for temporary test files
	require.NoError(t, os.MkdirAll(dir, 0755))
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName),
		[]byte(`{"id":"viewer","version":"1.0.0","name":"Viewer","runtime":{"type":"webview","ui":{"entry":"index.html"}}}`), 0644))

	assert.Empty(t, h.ListTools().Data)

	res := h.Refresh()
	require.True(t, res.Success, res.Error)
	tools := res.Data.([]ToolSummary)
	require.Len(t, tools, 1)
	assert.Equal(t, "viewer", tools[0].ID)
}
