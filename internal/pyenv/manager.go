// Package pyenv provisions a private Python interpreter with uv and keeps one
// virtual environment per tool, reinstalling dependencies only when a tool's
// requirements file changes.
package pyenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

const (
	DefaultPythonVersion  = "3.12"
	DefaultCommandTimeout = 15 * time.Minute
)

// LookPathFunc finds executables on PATH (can be swapped for testing)
var LookPathFunc = exec.LookPath

// ProgressFunc receives a human readable description of the step being run
type ProgressFunc func(step string)

// Status describes the shared Python installation without changing it
type Status struct {
	UVAvailable     bool   `json:"uvAvailable"`
	UVPath          string `json:"uvPath,omitempty"`
	UVVersion       string `json:"uvVersion,omitempty"`
	PythonVersion   string `json:"pythonVersion"`
	PythonInstalled bool   `json:"pythonInstalled"`
	VenvReady       bool   `json:"venvReady"`
	VenvPath        string `json:"venvPath"`
}

// ToolEnv describes a per-tool environment on disk
type ToolEnv struct {
	ToolID   string    `json:"toolId"`
	Path     string    `json:"path"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Options configures a Manager
type Options struct {
	Layout        *core.Layout
	PythonVersion string
	// IndexURL replaces the default package index when set
	IndexURL string
	// UVPath is an explicit uv binary; when empty uv is looked up on PATH and
	// then in the private bootstrap environment
	UVPath         string
	Runner         core.CommandRunner
	Clock          clockwork.Clock
	CommandTimeout time.Duration
}

// Manager owns every Python environment under the data root. Nothing else writes
// into those directories.
type Manager struct {
	layout        *core.Layout
	pythonVersion string
	indexURL      string
	uvPath        string
	executor      *core.ProcessExecutor
	clock         clockwork.Clock

	ensureMu sync.Mutex
	locks    *xsync.MapOf[string, *sync.Mutex]
}

// NewManager creates a manager
func NewManager(opts Options) *Manager {
	if opts.PythonVersion == "" {
		opts.PythonVersion = DefaultPythonVersion
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Runner == nil {
		opts.Runner = core.NewExecCommandRunner()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}

	return &Manager{
		layout:        opts.Layout,
		pythonVersion: opts.PythonVersion,
		indexURL:      opts.IndexURL,
		uvPath:        opts.UVPath,
		executor:      core.NewProcessExecutorWithClockAndRunner(opts.CommandTimeout, opts.Clock, opts.Runner),
		clock:         opts.Clock,
		locks:         xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// PythonVersion returns the interpreter version environments are built with
func (m *Manager) PythonVersion() string {
	return m.pythonVersion
}

func (m *Manager) interpretersDir() string {
	return filepath.Join(m.layout.PythonDir(), "interpreters")
}

func (m *Manager) sharedVenvDir() string {
	return filepath.Join(m.layout.PythonDir(), "venv")
}

func (m *Manager) bootstrapDir() string {
	return filepath.Join(m.layout.PythonDir(), "bootstrap")
}

func (m *Manager) toolVenvDir(toolID string) string {
	return filepath.Join(m.layout.ToolEnvDir(toolID), ".venv")
}

func venvBinDir(venv string) string {
	if runtime.GOOS == core.GOOSWindows {
		return filepath.Join(venv, "Scripts")
	}
	return filepath.Join(venv, "bin")
}

func venvExecutable(venv string, name string) string {
	if runtime.GOOS == core.GOOSWindows {
		name += ".exe"
	}
	return filepath.Join(venvBinDir(venv), name)
}

// VenvPython returns the interpreter path inside a virtual environment
func VenvPython(venv string) string {
	return venvExecutable(venv, "python")
}

func exists(path string) bool {
	ok, err := core.PathExists(path)
	return err == nil && ok
}

func (m *Manager) toolLock(toolID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrCompute(toolID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return lock
}

// resolveUV finds uv without installing it
func (m *Manager) resolveUV() (string, bool) {
	if m.uvPath != "" {
		if exists(m.uvPath) {
			return m.uvPath, true
		}
		if path, err := LookPathFunc(m.uvPath); err == nil {
			return path, true
		}
		return "", false
	}
	if path, err := LookPathFunc("uv"); err == nil {
		return path, true
	}
	if bootstrapped := venvExecutable(m.bootstrapDir(), "uv"); exists(bootstrapped) {
		return bootstrapped, true
	}
	return "", false
}

func (m *Manager) pythonInstalled() bool {
	entries, err := os.ReadDir(m.interpretersDir())
	if err != nil {
		return false
	}
	prefix := "cpython-" + m.pythonVersion + "."
	return slices.ContainsFunc(entries, func(e os.DirEntry) bool {
		return e.IsDir() && strings.HasPrefix(e.Name(), prefix)
	})
}

func (m *Manager) uvEnv(extra map[string]string) []string {
	overrides := map[string]string{
		"UV_PYTHON_INSTALL_DIR": m.interpretersDir(),
		"UV_CACHE_DIR":          filepath.Join(m.layout.CacheDir(), "uv"),
	}
	for k, v := range extra {
		overrides[k] = v
	}
	return core.MergeEnv(os.Environ(), overrides)
}

// run executes spec and turns a non-zero exit into an error carrying the tail of stderr
func (m *Manager) run(ctx context.Context, step string, spec core.ExecSpec) (*core.ExecutionResult, error) {
	zap.L().Debug("Running python environment command",
		zap.String("step", step),
		zap.String("command", spec.Name),
		zap.Strings("args", spec.Args))

	result, err := m.executor.Execute(ctx, spec)
	if err != nil {
		return result, fmt.Errorf("failed to %s: %w", step, err)
	}
	if !result.Success() {
		return result, fmt.Errorf("failed to %s: exit code %d: %s", step, result.ExitCode, tail(result.Stderr, 5))
	}
	return result, nil
}

func tail(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// GetStatus reports whether uv, the interpreter and the shared virtual environment
// are present. It never installs anything.
func (m *Manager) GetStatus(ctx context.Context) *Status {
	status := &Status{
		PythonVersion:   m.pythonVersion,
		PythonInstalled: m.pythonInstalled(),
		VenvPath:        m.sharedVenvDir(),
		VenvReady:       exists(VenvPython(m.sharedVenvDir())),
	}

	uv, ok := m.resolveUV()
	if !ok {
		return status
	}
	status.UVAvailable = true
	status.UVPath = uv

	result, err := m.executor.Execute(ctx, core.ExecSpec{Name: uv, Args: []string{"--version"}, Timeout: 30 * time.Second})
	if err != nil || !result.Success() {
		zap.L().Debug("Failed to read uv version", zap.String("uv", uv), zap.Error(err))
		return status
	}
	status.UVVersion = strings.TrimSpace(result.Stdout)
	return status
}

// EnsurePython installs uv, the interpreter and the shared virtual environment,
// skipping every step whose result already exists
func (m *Manager) EnsurePython(ctx context.Context, progress ProgressFunc) error {
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()

	report := func(step string) {
		zap.L().Info(step, zap.String("python_version", m.pythonVersion))
		if progress != nil {
			progress(step)
		}
	}

	uv, ok := m.resolveUV()
	if !ok {
		report("Installing uv")
		var err error
		if uv, err = m.bootstrapUV(ctx); err != nil {
			return err
		}
	}

	if !m.pythonInstalled() {
		report(fmt.Sprintf("Installing Python %s", m.pythonVersion))
		if _, err := m.run(ctx, "install python "+m.pythonVersion, core.ExecSpec{
			Name: uv,
			Args: []string{"python", "install", m.pythonVersion},
			Env:  m.uvEnv(nil),
		}); err != nil {
			return err
		}
	}

	if !exists(VenvPython(m.sharedVenvDir())) {
		report("Creating shared virtual environment")
		if _, err := m.run(ctx, "create shared virtual environment", core.ExecSpec{
			Name: uv,
			Args: []string{"venv", m.sharedVenvDir(), "--python", m.pythonVersion},
			Env:  m.uvEnv(nil),
		}); err != nil {
			return err
		}
	}

	report("Python environment ready")
	return nil
}

// bootstrapUV installs uv into a private virtual environment created by the
// system interpreter. The system installation itself is left untouched.
func (m *Manager) bootstrapUV(ctx context.Context) (string, error) {
	var systemPython string
	for _, candidate := range []string{"python3", "python"} {
		if path, err := LookPathFunc(candidate); err == nil {
			systemPython = path
			break
		}
	}
	if systemPython == "" {
		return "", errors.New("uv is not installed and no system python is available to bootstrap it")
	}

	bootstrap := m.bootstrapDir()
	if _, err := m.run(ctx, "create uv bootstrap environment", core.ExecSpec{
		Name: systemPython,
		Args: []string{"-m", "venv", bootstrap},
	}); err != nil {
		return "", err
	}

	if _, err := m.run(ctx, "install uv", core.ExecSpec{
		Name: VenvPython(bootstrap),
		Args: []string{"-m", "pip", "install", "uv"},
	}); err != nil {
		return "", err
	}

	return venvExecutable(bootstrap, "uv"), nil
}

func (m *Manager) uv(ctx context.Context) (string, error) {
	if err := m.EnsurePython(ctx, nil); err != nil {
		return "", err
	}
	uv, ok := m.resolveUV()
	if !ok {
		return "", errors.New("uv is not available")
	}
	return uv, nil
}

// NeedsSetup reports whether the tool's environment must be (re)installed: it does
// not exist, it has no metadata, or the requirements file or interpreter version
// changed since the last install. A missing requirements file needs no setup, so
// the tool still starts and fails on its own imports if it needed them.
func (m *Manager) NeedsSetup(toolID string, requirementsPath string) (bool, error) {
	needs, _, err := m.needsSetup(toolID, requirementsPath)
	if errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("Requirements file not found, skipping environment setup",
			zap.String("tool", toolID),
			zap.String("requirements", requirementsPath))
		return false, nil
	}
	return needs, err
}

func (m *Manager) needsSetup(toolID string, requirementsPath string) (bool, string, error) {
	if err := manifest.ValidateToolID(toolID); err != nil {
		return false, "", err
	}

	hash, err := HashFile(requirementsPath)
	if err != nil {
		return false, "", err
	}

	if !exists(VenvPython(m.toolVenvDir(toolID))) {
		return true, hash, nil
	}

	meta, err := readMetadata(m.layout.ToolEnvDir(toolID))
	if err != nil {
		zap.L().Debug("Tool environment has no usable metadata", zap.String("tool", toolID), zap.Error(err))
		return true, hash, nil
	}

	return meta.RequirementsHash != hash || meta.PythonVersion != m.pythonVersion, hash, nil
}

// InstallRequirements installs a tool's requirements into its environment and
// records the requirements hash. It is a no-op when NeedsSetup is false.
func (m *Manager) InstallRequirements(ctx context.Context, toolID string, requirementsPath string) error {
	return m.InstallRequirementsWithOutput(ctx, toolID, requirementsPath, nil)
}

// InstallRequirementsWithOutput is InstallRequirements with installer output
// delivered line by line to onOutput
func (m *Manager) InstallRequirementsWithOutput(ctx context.Context, toolID string, requirementsPath string, onOutput func(line string)) error {
	lock := m.toolLock(toolID)
	lock.Lock()
	defer lock.Unlock()

	needs, hash, err := m.needsSetup(toolID, requirementsPath)
	if err != nil {
		return err
	}
	if !needs {
		zap.L().Debug("Python requirements unchanged, skipping install", zap.String("tool", toolID))
		return nil
	}

	uv, err := m.uv(ctx)
	if err != nil {
		return err
	}
	if err := m.ensureToolVenv(ctx, uv, toolID); err != nil {
		return err
	}

	args := []string{"pip", "install", "--verbose", "-r", requirementsPath}
	if m.indexURL != "" {
		args = append(args, "--index-url", m.indexURL)
	}

	zap.L().Info("Installing python requirements", zap.String("tool", toolID), zap.String("requirements", requirementsPath))
	if _, err := m.run(ctx, "install requirements for "+toolID, core.ExecSpec{
		Name: uv,
		Args: args,
		Env:  m.uvEnv(map[string]string{"VIRTUAL_ENV": m.toolVenvDir(toolID)}),
		OnOutput: func(_ core.OutputStream, line string) {
			if onOutput != nil {
				onOutput(line)
			}
		},
	}); err != nil {
		return err
	}

	return writeMetadata(m.layout.ToolEnvDir(toolID), &Metadata{
		PythonVersion:    m.pythonVersion,
		RequirementsHash: hash,
		UpdatedAt:        m.clock.Now().UTC(),
	})
}

// ensureToolVenv creates the tool's virtual environment, recreating it when it was
// built with a different interpreter version
func (m *Manager) ensureToolVenv(ctx context.Context, uv string, toolID string) error {
	envDir := m.layout.ToolEnvDir(toolID)
	venv := m.toolVenvDir(toolID)

	if exists(VenvPython(venv)) {
		meta, err := readMetadata(envDir)
		if err != nil || meta.PythonVersion == m.pythonVersion {
			return nil
		}
		zap.L().Info("Recreating tool environment for new python version",
			zap.String("tool", toolID),
			zap.String("old_version", meta.PythonVersion),
			zap.String("new_version", m.pythonVersion))
		if err := os.RemoveAll(venv); err != nil {
			return fmt.Errorf("failed to remove stale environment: %w", err)
		}
	}

	// #nosec G301 -- environment directories are private to the user running the host
	if err := os.MkdirAll(envDir, 0750); err != nil {
		return fmt.Errorf("failed to create environment directory: %w", err)
	}

	_, err := m.run(ctx, "create environment for "+toolID, core.ExecSpec{
		Name: uv,
		Args: []string{"venv", venv, "--python", m.pythonVersion},
		Env:  m.uvEnv(nil),
	})
	return err
}

// ToolPython returns the interpreter of the tool's own environment, if it has one
func (m *Manager) ToolPython(toolID string) (string, bool) {
	python := VenvPython(m.toolVenvDir(toolID))
	return python, exists(python)
}

// resolveVenv returns the tool's environment, or the shared one when the tool has none
func (m *Manager) resolveVenv(ctx context.Context, toolID string) (string, error) {
	if toolID != "" {
		if _, ok := m.ToolPython(toolID); ok {
			return m.toolVenvDir(toolID), nil
		}
	}
	if err := m.EnsurePython(ctx, nil); err != nil {
		return "", err
	}
	return m.sharedVenvDir(), nil
}

// ResolveBackendEnvironment returns the interpreter and environment variables a
// python backend of toolID runs with
func (m *Manager) ResolveBackendEnvironment(ctx context.Context, toolID string, toolPath string) (string, map[string]string, error) {
	venv, err := m.resolveVenv(ctx, toolID)
	if err != nil {
		return "", nil, err
	}
	return VenvPython(venv), m.pythonEnv(venv, toolPath), nil
}

func (m *Manager) pythonEnv(venv string, pythonPath string) map[string]string {
	env := map[string]string{
		"VIRTUAL_ENV":      venv,
		"PYTHONIOENCODING": "utf-8",
		"PYTHONUNBUFFERED": "1",
		"PATH":             venvBinDir(venv) + string(os.PathListSeparator) + os.Getenv("PATH"),
	}
	if pythonPath != "" {
		env["PYTHONPATH"] = pythonPath
	}
	return env
}

// RemoveToolEnv deletes a tool's environment directory
func (m *Manager) RemoveToolEnv(toolID string) error {
	if err := manifest.ValidateToolID(toolID); err != nil {
		return err
	}

	lock := m.toolLock(toolID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(m.layout.ToolEnvDir(toolID)); err != nil {
		return fmt.Errorf("failed to remove python environment for %s: %w", toolID, err)
	}
	return nil
}

// ListToolEnvs returns every per-tool environment on disk, sorted by tool id
func (m *Manager) ListToolEnvs() ([]ToolEnv, error) {
	entries, err := os.ReadDir(m.layout.EnvsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read environments directory: %w", err)
	}

	var envs []ToolEnv
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		env := ToolEnv{ToolID: entry.Name(), Path: m.layout.ToolEnvDir(entry.Name())}
		if meta, err := readMetadata(env.Path); err == nil {
			env.Metadata = meta
		}
		envs = append(envs, env)
	}
	return envs, nil
}
