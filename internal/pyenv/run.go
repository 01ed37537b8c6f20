package pyenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dorcha-inc/toolhost/internal/core"
)

// DefaultRunTimeout bounds script and code runs that do not set a timeout
const DefaultRunTimeout = 5 * time.Minute

// RunOptions tune a script or code run
type RunOptions struct {
	Timeout  time.Duration
	Dir      string
	Env      map[string]string
	OnOutput func(stream core.OutputStream, line string)
}

// RunResult is the outcome of a script or code run
type RunResult struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Error   string `json:"error,omitempty"`
}

// Package is an installed distribution
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// RunScript runs a python script inside the tool's environment, or the shared
// environment when the tool has none. A failing script is reported in the result.
func (m *Manager) RunScript(ctx context.Context, toolID string, scriptPath string, args []string, opts RunOptions) (*RunResult, error) {
	return m.runPython(ctx, toolID, append([]string{scriptPath}, args...), opts)
}

// RunCode runs a snippet of python code like RunScript
func (m *Manager) RunCode(ctx context.Context, toolID string, code string, opts RunOptions) (*RunResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("no code to run")
	}
	return m.runPython(ctx, toolID, []string{"-c", code}, opts)
}

func (m *Manager) runPython(ctx context.Context, toolID string, args []string, opts RunOptions) (*RunResult, error) {
	venv, err := m.resolveVenv(ctx, toolID)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	overrides := m.pythonEnv(venv, opts.Dir)
	for k, v := range opts.Env {
		overrides[k] = v
	}

	result, execErr := m.executor.Execute(ctx, core.ExecSpec{
		Name:     VenvPython(venv),
		Args:     args,
		Env:      core.MergeEnv(os.Environ(), overrides),
		Dir:      opts.Dir,
		Timeout:  timeout,
		OnOutput: opts.OnOutput,
	})
	if result == nil {
		return &RunResult{Code: -1, Error: execErr.Error()}, nil
	}

	run := &RunResult{
		Success: result.Success(),
		Code:    result.ExitCode,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
	}
	switch {
	case execErr != nil:
		run.Error = execErr.Error()
	case !run.Success:
		run.Error = fmt.Sprintf("python exited with code %d", result.ExitCode)
	}
	return run, nil
}

// InstallPackages installs packages into the tool's environment, creating it when
// missing. The requirements baseline is left unchanged.
func (m *Manager) InstallPackages(ctx context.Context, toolID string, packages []string) error {
	if len(packages) == 0 {
		return errors.New("no packages to install")
	}
	for _, pkg := range packages {
		if pkg == "" || strings.HasPrefix(pkg, "-") {
			return fmt.Errorf("invalid package specifier %q", pkg)
		}
	}

	lock := m.toolLock(toolID)
	lock.Lock()
	defer lock.Unlock()

	uv, err := m.uv(ctx)
	if err != nil {
		return err
	}
	if err := m.ensureToolVenv(ctx, uv, toolID); err != nil {
		return err
	}

	args := append([]string{"pip", "install"}, packages...)
	if m.indexURL != "" {
		args = append(args, "--index-url", m.indexURL)
	}

	_, err = m.run(ctx, "install packages for "+toolID, core.ExecSpec{
		Name: uv,
		Args: args,
		Env:  m.uvEnv(map[string]string{"VIRTUAL_ENV": m.toolVenvDir(toolID)}),
	})
	return err
}

// ListPackages lists the distributions installed in the tool's environment, or the
// shared environment when the tool has none
func (m *Manager) ListPackages(ctx context.Context, toolID string) ([]Package, error) {
	venv, err := m.resolveVenv(ctx, toolID)
	if err != nil {
		return nil, err
	}
	uv, err := m.uv(ctx)
	if err != nil {
		return nil, err
	}

	result, err := m.run(ctx, "list packages", core.ExecSpec{
		Name: uv,
		Args: []string{"pip", "list", "--format=freeze"},
		Env:  m.uvEnv(map[string]string{"VIRTUAL_ENV": venv}),
	})
	if err != nil {
		return nil, err
	}
	return parseFreeze(result.Stdout), nil
}

// parseFreeze parses `name==version` lines. Direct references (`name @ url`) have
// no version.
func parseFreeze(output string) []Package {
	var packages []Package
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, version, ok := strings.Cut(line, "=="); ok {
			packages = append(packages, Package{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)})
			continue
		}
		name, _, _ := strings.Cut(line, " @ ")
		packages = append(packages, Package{Name: strings.TrimSpace(name)})
	}
	return packages
}
