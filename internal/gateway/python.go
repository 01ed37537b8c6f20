package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/dorcha-inc/toolhost/internal/manifest"
	"github.com/dorcha-inc/toolhost/internal/pyenv"
)

// PythonService is the part of the python environment manager exposed to tools
type PythonService interface {
	GetStatus(ctx context.Context) *pyenv.Status
	EnsurePython(ctx context.Context, progress pyenv.ProgressFunc) error
	InstallRequirements(ctx context.Context, toolID string, requirementsPath string) error
	InstallPackages(ctx context.Context, toolID string, packages []string) error
	RunScript(ctx context.Context, toolID string, scriptPath string, args []string, opts pyenv.RunOptions) (*pyenv.RunResult, error)
	RunCode(ctx context.Context, toolID string, code string, opts pyenv.RunOptions) (*pyenv.RunResult, error)
	ListPackages(ctx context.Context, toolID string) ([]pyenv.Package, error)
}

var errNoPython = errors.New("python support is not available")

type installDepsParams struct {
	Packages     []string `json:"packages,omitempty"`
	Requirements string   `json:"requirements,omitempty"`
}

type runCodeParams struct {
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeout,omitempty"`
}

type runScriptParams struct {
	Script    string   `json:"script"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int      `json:"timeout,omitempty"`
}

func (g *Gateway) pythonMethods() []Method {
	return []Method{
		method("getStatus", g.pythonStatus),
		method("ensure", g.pythonEnsure),
		method("installDeps", g.pythonInstallDeps, manifest.PermPythonInstall),
		method("runCode", g.pythonRunCode, manifest.PermPythonRun),
		method("runScript", g.pythonRunScript, manifest.PermPythonRun),
		method("listDeps", g.pythonListDeps, manifest.PermPythonInspect),
	}
}

func (g *Gateway) pythonStatus(ctx context.Context, call *Call) (any, error) {
	if g.python == nil {
		return nil, errNoPython
	}
	return g.python.GetStatus(ctx), nil
}

func (g *Gateway) pythonEnsure(ctx context.Context, call *Call) (any, error) {
	if g.python == nil {
		return nil, errNoPython
	}
	var steps []string
	err := g.python.EnsurePython(ctx, func(step string) { steps = append(steps, step) })
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "steps": steps}, nil
}

func (g *Gateway) pythonInstallDeps(ctx context.Context, call *Call) (any, error) {
	if g.python == nil {
		return nil, errNoPython
	}
	params, err := decode[installDepsParams](call)
	if err != nil {
		return nil, err
	}

	switch {
	case len(params.Packages) > 0:
		if err := g.python.InstallPackages(ctx, call.ToolID, params.Packages); err != nil {
			return nil, err
		}
	case params.Requirements != "":
		path, err := g.toolFile(call.ToolID, params.Requirements)
		if err != nil {
			return nil, err
		}
		if err := g.python.InstallRequirements(ctx, call.ToolID, path); err != nil {
			return nil, err
		}
	default:
		return nil, NewInvalidParamsError(call.Module, call.Method, "packages or requirements is required")
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) runOptions(toolID string, timeoutMs int) (pyenv.RunOptions, error) {
	dir, err := g.sandboxRoot(toolID)
	if err != nil {
		return pyenv.RunOptions{}, err
	}
	opts := pyenv.RunOptions{Dir: dir}
	if timeoutMs > 0 {
		opts.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return opts, nil
}

func (g *Gateway) pythonRunCode(ctx context.Context, call *Call) (any, error) {
	if g.python == nil {
		return nil, errNoPython
	}
	params, err := decode[runCodeParams](call)
	if err != nil {
		return nil, err
	}
	opts, err := g.runOptions(call.ToolID, params.TimeoutMs)
	if err != nil {
		return nil, err
	}
	return g.python.RunCode(ctx, call.ToolID, params.Code, opts)
}

func (g *Gateway) pythonRunScript(ctx context.Context, call *Call) (any, error) {
	if g.python == nil {
		return nil, errNoPython
	}
	params, err := decode[runScriptParams](call)
	if err != nil {
		return nil, err
	}
	if params.Script == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "script is required")
	}
	script, err := g.toolFile(call.ToolID, params.Script)
	if err != nil {
		return nil, err
	}
	opts, err := g.runOptions(call.ToolID, params.TimeoutMs)
	if err != nil {
		return nil, err
	}
	return g.python.RunScript(ctx, call.ToolID, script, params.Args, opts)
}

func (g *Gateway) pythonListDeps(ctx context.Context, call *Call) (any, error) {
	if g.python == nil {
		return nil, errNoPython
	}
	packages, err := g.python.ListPackages(ctx, call.ToolID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"packages": packages}, nil
}
