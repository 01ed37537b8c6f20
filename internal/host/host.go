// Package host wires the supervisor, installer, python manager, gateway, catalog
// and installed-tool state into the operations collaborators call. Every
// collaborator-facing method returns a Result instead of a Go error.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/catalog"
	"github.com/dorcha-inc/toolhost/internal/config"
	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/events"
	"github.com/dorcha-inc/toolhost/internal/gateway"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/pyenv"
	"github.com/dorcha-inc/toolhost/internal/state"
	"github.com/dorcha-inc/toolhost/internal/supervisor"
)

// DefaultEventBuffer is the subscriber buffer used when Subscribe is given none
const DefaultEventBuffer = 256

// Result is the outcome of a collaborator-facing operation
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Options configure a Host. Only Config is required.
type Options struct {
	Config     *config.HostConfig
	Runner     core.CommandRunner
	Clock      clockwork.Clock
	HTTPClient *http.Client
	Window     gateway.WindowController
	Opener     gateway.URLOpener
	// LookPath finds npm for node backend dependencies, exec.LookPath when nil
	LookPath func(file string) (string, error)
}

// Host is the facade over every toolhost component
type Host struct {
	cfg    *config.HostConfig
	layout *core.Layout
	clock  clockwork.Clock

	bus        *events.Bus
	tools      *state.ToolsRegistry
	python     *pyenv.Manager
	supervisor *supervisor.Supervisor
	installer  *installer.Installer
	gateway    *gateway.Gateway
	catalog    *catalog.Catalog

	runnersMu sync.Mutex
	runners   map[string]*toolRunner
	toolLocks *xsync.MapOf[string, *sync.Mutex]

	cronMu sync.Mutex
	cron   *cron.Cron

	stopExitWatch func()
}

// New creates the data directories, scans the installed tools and wires the components
func New(opts Options) (*Host, error) {
	if opts.Config == nil {
		return nil, errors.New("host config is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Runner == nil {
		opts.Runner = core.NewExecCommandRunner()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}

	cfg := opts.Config
	layout := cfg.Layout()
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	tools, err := state.LoadToolsRegistry(layout)
	if err != nil {
		return nil, fmt.Errorf("failed to load installed tools: %w", err)
	}

	h := &Host{
		cfg:       cfg,
		layout:    layout,
		clock:     opts.Clock,
		bus:       events.NewBus(),
		tools:     tools,
		runners:   make(map[string]*toolRunner),
		toolLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}

	h.python = pyenv.NewManager(pyenv.Options{
		Layout:        layout,
		PythonVersion: cfg.PythonVersion,
		IndexURL:      cfg.PythonIndexURL,
		UVPath:        cfg.UVPath,
		Runner:        opts.Runner,
		Clock:         opts.Clock,
	})

	h.supervisor = supervisor.New(supervisor.Options{
		Runner:       opts.Runner,
		Clock:        opts.Clock,
		Events:       h.bus,
		Python:       h.python,
		NodePath:     cfg.NodePath,
		CallTimeout:  cfg.RPCTimeout(),
		ReadyTimeout: cfg.ReadyTimeout(),
		GracePeriod:  cfg.DisposeGrace(),
	})

	installerOpts := installer.Options{
		Layout:     layout,
		HTTPClient: opts.HTTPClient,
		Clock:      opts.Clock,
		Retries:    cfg.DownloadRetries,
		Envs:       h.python,
	}
	if npm, err := opts.LookPath("npm"); err == nil {
		installerOpts.NodeDeps = installer.NewNpmDepsInstaller(npm, opts.Runner, opts.Clock)
	} else {
		zap.L().Debug("npm not found, node backend dependencies will not be installed")
	}
	h.installer = installer.New(installerOpts)

	h.gateway = gateway.New(gateway.Options{
		Layout:   layout,
		Tools:    tools,
		Backends: &backendBridge{host: h},
		Python:   h.python,
		Window:   opts.Window,
		Opener:   opts.Opener,
		Runner:   opts.Runner,
		Clock:    opts.Clock,
	})

	h.catalog = catalog.New(catalog.Options{
		URL:        cfg.RegistryURL,
		CacheDir:   layout.CacheDir(),
		HTTPClient: opts.HTTPClient,
		Clock:      opts.Clock,
	})

	exits, unsubscribe := h.bus.Subscribe(DefaultEventBuffer, func(e events.Event) bool {
		return e.Kind == events.KindExit
	})
	h.stopExitWatch = unsubscribe
	go h.watchExits(exits)

	zap.L().Info("Host ready",
		zap.String("data_dir", layout.DataDir),
		zap.Int("tools", len(tools.ListTools())))
	return h, nil
}

// Config returns the configuration the host was built with
func (h *Host) Config() *config.HostConfig {
	return h.cfg
}

// Layout returns the data directory layout
func (h *Host) Layout() *core.Layout {
	return h.layout
}

// Subscribe returns backend, lifecycle and install events matching filter.
// The returned function unsubscribes.
func (h *Host) Subscribe(buffer int, filter events.Filter) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return h.bus.Subscribe(buffer, filter)
}

// Invoke dispatches a module call on behalf of a tool's frontend
func (h *Host) Invoke(ctx context.Context, toolID string, module string, method string, payload json.RawMessage) Result {
	result, err := h.gateway.Dispatch(ctx, toolID, module, method, payload)
	if err != nil {
		return fail(err)
	}
	return ok(result)
}

// GatewayMethods lists the methods of every gateway module with their permissions
func (h *Host) GatewayMethods() map[gateway.Module][]gateway.Method {
	out := make(map[gateway.Module][]gateway.Method, len(gateway.Modules))
	for _, module := range gateway.Modules {
		out[module] = h.gateway.Methods(module)
	}
	return out
}

// PythonStatus reports the shared python installation
func (h *Host) PythonStatus(ctx context.Context) Result {
	return ok(h.python.GetStatus(ctx))
}

// EnsurePython installs uv, the interpreter and the shared environment as needed
func (h *Host) EnsurePython(ctx context.Context, progress pyenv.ProgressFunc) Result {
	if err := h.python.EnsurePython(ctx, progress); err != nil {
		return fail(err)
	}
	return ok(h.python.GetStatus(ctx))
}

// StartMaintenance schedules the periodic temp sweep. It is a no-op when no
// schedule is configured or maintenance already runs.
func (h *Host) StartMaintenance() error {
	h.cronMu.Lock()
	defer h.cronMu.Unlock()

	if h.cron != nil || h.cfg.TempSweepSchedule == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(h.cfg.TempSweepSchedule, h.sweepTemp); err != nil {
		return fmt.Errorf("failed to schedule temp sweep: %w", err)
	}
	c.Start()
	h.cron = c

	zap.L().Info("Scheduled temp sweep", zap.String("schedule", h.cfg.TempSweepSchedule))
	return nil
}

func (h *Host) sweepTemp() {
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("temp sweep", r)
		}
	}()

	removed, err := h.installer.SweepTemp(h.cfg.TempMaxAge())
	if err != nil {
		zap.L().Warn("Temp sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		zap.L().Info("Temp sweep removed leftovers", zap.Int("removed", removed))
	}
}

// SweepTemp runs one temp sweep now
func (h *Host) SweepTemp() Result {
	removed, err := h.installer.SweepTemp(h.cfg.TempMaxAge())
	if err != nil {
		return fail(err)
	}
	return ok(map[string]int{"removed": removed})
}

// Close stops maintenance, cancels in-flight installs and disposes every backend
func (h *Host) Close(ctx context.Context) error {
	h.cronMu.Lock()
	if h.cron != nil {
		<-h.cron.Stop().Done()
		h.cron = nil
	}
	h.cronMu.Unlock()

	for _, job := range h.installer.Jobs() {
		h.installer.Cancel(job.ToolID)
	}

	res := h.StopAll(ctx)
	h.stopExitWatch()
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

// watchExits forgets runners whose backend exited on its own
func (h *Host) watchExits(exits <-chan events.Event) {
	for e := range exits {
		h.runnersMu.Lock()
		if runner, exists := h.runners[e.ToolID]; exists && runner.channelID == e.ChannelID {
			if runner.stopTimer != nil {
				runner.stopTimer.Stop()
			}
			delete(h.runners, e.ToolID)
			zap.L().Info("Backend exited, tool no longer running",
				zap.String("tool", e.ToolID),
				zap.String("channel_id", e.ChannelID))
		}
		h.runnersMu.Unlock()
	}
}

func (h *Host) toolLock(toolID string) *sync.Mutex {
	mu, _ := h.toolLocks.LoadOrCompute(toolID, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

func (h *Host) shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.DisposeGrace()+5*time.Second)
}
