package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// chainingTokens are rejected anywhere in a shell.exec command string
var chainingTokens = []string{"&&", "||", ";", "|", "`", "$(", "\n", "\r"}

type execParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// TimeoutMs overrides the default shell timeout
	TimeoutMs int `json:"timeout,omitempty"`
}

// ExecResult is the outcome of shell.exec and shell.runPython
type ExecResult struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Error   string `json:"error,omitempty"`
}

type runPythonParams struct {
	Code      string   `json:"code,omitempty"`
	Script    string   `json:"script,omitempty"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int      `json:"timeout,omitempty"`
}

type openParams struct {
	URL string `json:"url"`
}

func (g *Gateway) shellMethods() []Method {
	return []Method{
		method("exec", g.shellExec, manifest.PermShellExec),
		method("runPython", g.shellRunPython, manifest.PermShellPython),
		method("openExternal", g.shellOpenExternal, manifest.PermShellOpenExternal),
	}
}

// checkChaining rejects command strings a shell could split into several commands
func checkChaining(command string) error {
	for _, token := range chainingTokens {
		if strings.Contains(command, token) {
			return errChaining
		}
	}
	return nil
}

// splitCommand splits a command line into an argument vector. Single and double
// quotes group words and a backslash escapes the next character outside single
// quotes. No other shell syntax is interpreted.
func splitCommand(command string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range command {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if escaped {
		return nil, errors.New("trailing backslash")
	}
	if inWord {
		args = append(args, current.String())
	}
	return args, nil
}

func (g *Gateway) shellExec(ctx context.Context, call *Call) (any, error) {
	params, err := decode[execParams](call)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Command) == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "command is required")
	}
	if err := checkChaining(params.Command); err != nil {
		return nil, err
	}

	argv, err := splitCommand(params.Command)
	if err != nil {
		return nil, NewInvalidParamsError(call.Module, call.Method, err.Error())
	}
	argv = append(argv, params.Args...)

	dir, err := g.sandboxRoot(call.ToolID)
	if err != nil {
		return nil, err
	}
	if params.Cwd != "" {
		rel, err := sandboxPath(dir, params.Cwd)
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(dir, rel)
	}

	timeout := g.shellTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}

	zap.L().Info("Running shell command for tool",
		zap.String("tool", call.ToolID),
		zap.String("program", argv[0]),
		zap.Int("args", len(argv)-1))

	result, execErr := g.executor.Execute(ctx, core.ExecSpec{
		Name:    argv[0],
		Args:    argv[1:],
		Env:     core.MergeEnv(os.Environ(), params.Env),
		Dir:     dir,
		Timeout: timeout,
	})
	if result == nil {
		return &ExecResult{Code: -1, Error: execErr.Error()}, nil
	}

	out := &ExecResult{
		Success: result.Success(),
		Code:    result.ExitCode,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
	}
	if execErr != nil {
		out.Error = execErr.Error()
	}
	return out, nil
}

func (g *Gateway) shellRunPython(ctx context.Context, call *Call) (any, error) {
	if g.python == nil {
		return nil, errNoPython
	}
	params, err := decode[runPythonParams](call)
	if err != nil {
		return nil, err
	}
	opts, err := g.runOptions(call.ToolID, params.TimeoutMs)
	if err != nil {
		return nil, err
	}

	switch {
	case params.Script != "":
		script, err := g.toolFile(call.ToolID, params.Script)
		if err != nil {
			return nil, err
		}
		return g.python.RunScript(ctx, call.ToolID, script, params.Args, opts)
	case params.Code != "":
		return g.python.RunCode(ctx, call.ToolID, params.Code, opts)
	default:
		return nil, NewInvalidParamsError(call.Module, call.Method, "code or script is required")
	}
}

// toolFile resolves a path inside the tool's installation directory
func (g *Gateway) toolFile(toolID string, requested string) (string, error) {
	dir := g.tools.ToolDir(toolID)
	rel, err := sandboxPath(dir, requested)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, rel), nil
}

func (g *Gateway) shellOpenExternal(ctx context.Context, call *Call) (any, error) {
	params, err := decode[openParams](call)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(params.URL)
	if err != nil || u.Scheme == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "url must be absolute")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
	default:
		return nil, NewSecurityError(fmt.Sprintf("opening %s urls is not allowed", u.Scheme))
	}

	if err := g.opener.Open(ctx, u.String()); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// URLOpener opens a url in the user's default application
type URLOpener interface {
	Open(ctx context.Context, url string) error
}

// SystemOpener opens urls with the platform's launcher
type SystemOpener struct {
	executor *core.ProcessExecutor
	goos     string
}

// NewSystemOpener creates an opener running the platform launcher through runner
func NewSystemOpener(runner core.CommandRunner) *SystemOpener {
	return &SystemOpener{
		executor: core.NewProcessExecutorWithClockAndRunner(10*time.Second, clockwork.NewRealClock(), runner),
		goos:     runtime.GOOS,
	}
}

// Open launches url
func (o *SystemOpener) Open(ctx context.Context, target string) error {
	var spec core.ExecSpec
	switch o.goos {
	case core.GOOSDarwin:
		spec = core.ExecSpec{Name: "open", Args: []string{target}}
	case core.GOOSWindows:
		spec = core.ExecSpec{Name: "rundll32", Args: []string{"url.dll,FileProtocolHandler", target}}
	default:
		spec = core.ExecSpec{Name: "xdg-open", Args: []string{target}}
	}

	result, err := o.executor.Execute(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	if !result.Success() {
		return fmt.Errorf("failed to open %s: %s exited with code %d", target, spec.Name, result.ExitCode)
	}
	return nil
}

var _ URLOpener = &SystemOpener{}
