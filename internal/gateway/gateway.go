// Package gateway is the single entry point through which a running tool reaches
// host functionality. Every call names a module and a method; the gateway checks
// the tool's permission grant before any handler runs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// Module names a group of host functionality
type Module string

const (
	ModuleWindow    Module = "window"
	ModuleShell     Module = "shell"
	ModuleFS        Module = "fs"
	ModuleStorage   Module = "storage"
	ModulePython    Module = "python"
	ModuleBackend   Module = "backend"
	ModuleTelemetry Module = "telemetry"
)

// Modules lists every module in a stable order
var Modules = []Module{
	ModuleWindow, ModuleShell, ModuleFS, ModuleStorage, ModulePython, ModuleBackend, ModuleTelemetry,
}

// DefaultShellTimeout bounds shell.exec when the payload sets no timeout
const DefaultShellTimeout = 30 * time.Second

// Call is one inbound request from a tool
type Call struct {
	ToolID  string
	Module  Module
	Method  string
	Payload json.RawMessage
	Tool    *manifest.ToolManifest
}

// HandlerFunc serves one method. It only runs after the permission check passed.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Method is an entry of a module's method table
type Method struct {
	Name        string                `json:"name"`
	Permissions []manifest.Permission `json:"permissions"`
	handler     HandlerFunc
}

// ToolSource resolves installed tools
type ToolSource interface {
	Manifest(toolID string) (*manifest.ToolManifest, error)
	ToolDir(toolID string) string
}

// Options configure a Gateway. Collaborators left nil make their module's
// methods fail with an explanatory error.
type Options struct {
	Layout   *core.Layout
	Tools    ToolSource
	Backends BackendHost
	Python   PythonService
	Window   WindowController
	Opener   URLOpener
	Runner   core.CommandRunner
	Clock    clockwork.Clock
	// ShellTimeout bounds shell.exec, DefaultShellTimeout when zero
	ShellTimeout time.Duration
}

// Gateway dispatches module calls on behalf of tools
type Gateway struct {
	layout   *core.Layout
	tools    ToolSource
	backends BackendHost
	python   PythonService
	window   WindowController
	opener   URLOpener
	executor *core.ProcessExecutor
	clock    clockwork.Clock

	shellTimeout time.Duration
	storageLocks *xsync.MapOf[string, *storageLock]

	modules map[Module]map[string]Method
}

// New creates a gateway
func New(opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Runner == nil {
		opts.Runner = core.NewExecCommandRunner()
	}
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = DefaultShellTimeout
	}
	if opts.Opener == nil {
		opts.Opener = NewSystemOpener(opts.Runner)
	}

	g := &Gateway{
		layout:       opts.Layout,
		tools:        opts.Tools,
		backends:     opts.Backends,
		python:       opts.Python,
		window:       opts.Window,
		opener:       opts.Opener,
		executor:     core.NewProcessExecutorWithClockAndRunner(opts.ShellTimeout, opts.Clock, opts.Runner),
		clock:        opts.Clock,
		shellTimeout: opts.ShellTimeout,
		storageLocks: xsync.NewMapOf[string, *storageLock](),
	}

	g.modules = map[Module]map[string]Method{
		ModuleWindow:    table(g.windowMethods()),
		ModuleShell:     table(g.shellMethods()),
		ModuleFS:        table(g.fsMethods()),
		ModuleStorage:   table(g.storageMethods()),
		ModulePython:    table(g.pythonMethods()),
		ModuleBackend:   table(g.backendMethods()),
		ModuleTelemetry: table(g.telemetryMethods()),
	}
	return g
}

func table(methods []Method) map[string]Method {
	t := make(map[string]Method, len(methods))
	for _, m := range methods {
		t[m.Name] = m
	}
	return t
}

func method(name string, handler HandlerFunc, perms ...manifest.Permission) Method {
	return Method{Name: name, Permissions: perms, handler: handler}
}

// Methods returns the methods of module sorted by name
func (g *Gateway) Methods(module Module) []Method {
	t, ok := g.modules[module]
	if !ok {
		return nil
	}
	methods := make([]Method, 0, len(t))
	for _, m := range t {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	return methods
}

// Dispatch resolves module and method, checks that toolID holds every permission
// the method requires and only then runs its handler
func (g *Gateway) Dispatch(ctx context.Context, toolID string, module string, methodName string, payload json.RawMessage) (result any, err error) {
	start := g.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("gateway", r)
			result = nil
			err = fmt.Errorf("internal error in %s.%s: %v", module, methodName, r)
		}
		logDispatch(toolID, module, methodName, g.clock.Since(start), err)
	}()

	t, ok := g.modules[Module(module)]
	if !ok {
		return nil, NewUnknownMethodError(module, "")
	}
	m, ok := t[methodName]
	if !ok {
		return nil, NewUnknownMethodError(module, methodName)
	}

	if g.tools == nil {
		return nil, fmt.Errorf("no tool source configured")
	}
	tool, err := g.tools.Manifest(toolID)
	if err != nil {
		return nil, err
	}

	if missing := tool.Grant().Missing(m.Permissions); len(missing) > 0 {
		return nil, NewPermissionError(toolID, Module(module), methodName, missing)
	}

	return m.handler(ctx, &Call{
		ToolID:  toolID,
		Module:  Module(module),
		Method:  methodName,
		Payload: payload,
		Tool:    tool,
	})
}

func logDispatch(toolID string, module string, method string, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("tool", toolID),
		zap.String("module", module),
		zap.String("method", method),
		zap.Duration("duration", duration),
	}
	if err != nil {
		zap.L().Warn("Gateway call failed", append(fields, zap.Error(err))...)
		return
	}
	zap.L().Debug("Gateway call", fields...)
}

// decode unmarshals the call payload into T. An empty payload yields the zero value.
func decode[T any](call *Call) (T, error) {
	var params T
	if len(call.Payload) == 0 || string(call.Payload) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(call.Payload, &params); err != nil {
		return params, NewInvalidParamsError(call.Module, call.Method, err.Error())
	}
	return params, nil
}

func (g *Gateway) telemetryMethods() []Method {
	return []Method{
		method("send", func(ctx context.Context, call *Call) (any, error) {
			return map[string]any{"success": false, "reason": "not-implemented"}, nil
		}, manifest.PermTelemetrySend),
	}
}
