// Package supervisor spawns tool backend processes, wires their standard I/O to a
// JSON-RPC channel and tears them down.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/events"
	"github.com/dorcha-inc/toolhost/internal/jsonrpc"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultGracePeriod  = 5 * time.Second
	DefaultNodePath     = "node"
)

// PythonRuntime provisions the interpreter and dependencies of python backends
type PythonRuntime interface {
	// NeedsSetup reports whether the tool's environment is missing or its
	// requirements changed since the last install
	NeedsSetup(toolID string, requirementsPath string) (bool, error)
	InstallRequirements(ctx context.Context, toolID string, requirementsPath string) error
	// ResolveBackendEnvironment returns the interpreter and extra environment
	// variables a python backend of the tool runs with
	ResolveBackendEnvironment(ctx context.Context, toolID string, toolPath string) (string, map[string]string, error)
}

// State is the lifecycle state of a backend process
type State string

const (
	StateSpawned State = "spawned"
	StateReady   State = "ready"
	StateExiting State = "exiting"
	StateGone    State = "gone"
)

// ProcessInfo is a snapshot of a backend process
type ProcessInfo struct {
	ChannelID string    `json:"channelId"`
	ToolID    string    `json:"toolId"`
	Type      string    `json:"type"`
	Pid       int       `json:"pid"`
	State     State     `json:"state"`
	Methods   []string  `json:"methods,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// backendProcess is a live child process and its channel. It is removed from the
// supervisor's map once the process has exited.
type backendProcess struct {
	toolID    string
	backend   manifest.BackendType
	cmd       core.Command
	stdin     io.WriteCloser
	channel   *jsonrpc.Channel
	startedAt time.Time

	mu       sync.Mutex
	exiting  bool
	exitCode int

	exited chan struct{}
}

func (p *backendProcess) state() State {
	select {
	case <-p.exited:
		return StateGone
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.exiting:
		return StateExiting
	case p.channel.IsReady():
		return StateReady
	default:
		return StateSpawned
	}
}

func (p *backendProcess) info() ProcessInfo {
	return ProcessInfo{
		ChannelID: p.channel.ID(),
		ToolID:    p.toolID,
		Type:      string(p.backend),
		Pid:       p.cmd.Pid(),
		State:     p.state(),
		Methods:   p.channel.Methods(),
		StartedAt: p.startedAt,
	}
}

// Options configures a Supervisor
type Options struct {
	Runner core.CommandRunner
	Clock  clockwork.Clock
	Events events.Publisher
	Python PythonRuntime
	// NodePath is the runtime used for node backends
	NodePath     string
	CallTimeout  time.Duration
	ReadyTimeout time.Duration
	GracePeriod  time.Duration
}

// Supervisor owns the mapping from channel id to a live backend process
type Supervisor struct {
	runner       core.CommandRunner
	clock        clockwork.Clock
	events       events.Publisher
	python       PythonRuntime
	nodePath     string
	callTimeout  time.Duration
	readyTimeout time.Duration
	gracePeriod  time.Duration

	processes *xsync.MapOf[string, *backendProcess]
}

// New creates a supervisor. Zero options fall back to the real clock, os/exec and
// the default timeouts.
func New(opts Options) *Supervisor {
	if opts.Runner == nil {
		opts.Runner = core.NewExecCommandRunner()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.NodePath == "" {
		opts.NodePath = DefaultNodePath
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = jsonrpc.DefaultCallTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	return &Supervisor{
		runner:       opts.Runner,
		clock:        opts.Clock,
		events:       opts.Events,
		python:       opts.Python,
		nodePath:     opts.NodePath,
		callTimeout:  opts.CallTimeout,
		readyTimeout: opts.ReadyTimeout,
		gracePeriod:  opts.GracePeriod,
		processes:    xsync.NewMapOf[string, *backendProcess](),
	}
}

// RegisterBackend launches a backend process for toolID and returns its new channel id.
// toolPath is the tool's installation directory; the process runs with it as its
// working directory. Python backends with a requirements file have their
// dependencies installed first when the requirements changed.
func (s *Supervisor) RegisterBackend(ctx context.Context, toolID string, toolPath string, cfg *manifest.BackendConfig) (string, error) {
	if cfg == nil || cfg.Entry == "" {
		return "", fmt.Errorf("backend config for %s has no entry", toolID)
	}

	channelID := jsonrpc.NewChannelID(toolID)
	entry := cfg.ResolveEntry(toolPath)

	overrides := map[string]string{}
	var name string
	var args []string

	switch cfg.Type {
	case manifest.BackendPython:
		python, pythonEnv, err := s.preparePython(ctx, toolID, toolPath, cfg)
		if err != nil {
			s.publishError(toolID, channelID, err)
			return "", err
		}
		maps.Copy(overrides, pythonEnv)
		name = python
		args = append([]string{entry}, cfg.Args...)
	case manifest.BackendNode:
		name = s.nodePath
		args = append([]string{entry}, cfg.Args...)
	default:
		if cfg.Interpreter != "" {
			name = cfg.Interpreter
			args = append([]string{entry}, cfg.Args...)
		} else {
			name = entry
			args = slices.Clone(cfg.Args)
		}
	}

	maps.Copy(overrides, cfg.Env)
	overrides[core.EnvToolID] = toolID
	overrides[core.EnvChannelID] = channelID

	// #nosec G204 -- the command comes from the installed tool's manifest
	cmd := s.runner.CommandContext(context.Background(), name, args...)
	cmd.SetEnv(core.MergeEnv(os.Environ(), overrides))
	cmd.SetDir(toolPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		spawnErr := NewSpawnError(toolID, name, err)
		s.publishError(toolID, channelID, spawnErr)
		return "", spawnErr
	}

	proc := &backendProcess{
		toolID:  toolID,
		backend: cfg.Type,
		cmd:     cmd,
		stdin:   stdin,
		channel: jsonrpc.NewChannel(channelID, stdin, jsonrpc.Options{
			ToolID:         toolID,
			DefaultTimeout: s.callTimeout,
			Clock:          s.clock,
			Events:         s.events,
		}),
		startedAt: s.clock.Now(),
		exited:    make(chan struct{}),
	}
	s.processes.Store(channelID, proc)

	zap.L().Info("Backend process started",
		zap.String("tool", toolID),
		zap.String("channel_id", channelID),
		zap.String("type", string(cfg.Type)),
		zap.String("command", name),
		zap.Int("pid", cmd.Pid()))

	go s.supervise(proc, stdout, stderr)

	return channelID, nil
}

func (s *Supervisor) preparePython(ctx context.Context, toolID string, toolPath string, cfg *manifest.BackendConfig) (string, map[string]string, error) {
	if s.python == nil {
		return "", nil, fmt.Errorf("python backend for %s requires a python environment manager", toolID)
	}

	if requirements := cfg.ResolveRequirements(toolPath); requirements != "" {
		needsSetup, err := s.python.NeedsSetup(toolID, requirements)
		if err != nil {
			return "", nil, fmt.Errorf("failed to check python environment for %s: %w", toolID, err)
		}
		if needsSetup {
			zap.L().Info("Installing python requirements before start", zap.String("tool", toolID))
			if err := s.python.InstallRequirements(ctx, toolID, requirements); err != nil {
				return "", nil, fmt.Errorf("failed to install python requirements for %s: %w", toolID, err)
			}
		}
	}

	python, env, err := s.python.ResolveBackendEnvironment(ctx, toolID, toolPath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve python environment for %s: %w", toolID, err)
	}
	return python, env, nil
}

// supervise pumps the process's output and cleans up once it exits
func (s *Supervisor) supervise(proc *backendProcess, stdout io.Reader, stderr io.Reader) {
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("supervisor", r)
		}
	}()

	channelID := proc.channel.ID()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := proc.channel.Serve(stdout); err != nil && !errors.Is(err, os.ErrClosed) {
			zap.L().Debug("Backend stdout closed with error", zap.String("channel_id", channelID), zap.Error(err))
		}
	}()

	go func() {
		defer wg.Done()
		err := core.ScanLines(stderr, func(line string) {
			zap.L().Warn("Backend stderr",
				zap.String("tool", proc.toolID),
				zap.String("channel_id", channelID),
				zap.String("line", ansi.Strip(line)))
		})
		if err != nil && !errors.Is(err, os.ErrClosed) {
			zap.L().Debug("Backend stderr closed with error", zap.String("channel_id", channelID), zap.Error(err))
		}
	}()

	// Pipes must be drained before Wait closes them
	wg.Wait()
	waitErr := proc.cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	proc.mu.Lock()
	proc.exitCode = exitCode
	proc.mu.Unlock()

	proc.channel.Close(fmt.Sprintf("process exited (code %d)", exitCode))
	s.processes.Delete(channelID)
	close(proc.exited)

	zap.L().Info("Backend process exited",
		zap.String("tool", proc.toolID),
		zap.String("channel_id", channelID),
		zap.Int("exit_code", exitCode))

	if s.events != nil {
		s.events.Publish(events.Event{
			Kind:      events.KindExit,
			ChannelID: channelID,
			ToolID:    proc.toolID,
			ExitCode:  &exitCode,
			Time:      s.clock.Now(),
		})
	}
}

func (s *Supervisor) publishError(toolID string, channelID string, err error) {
	zap.L().Error("Backend failed to start",
		zap.String("tool", toolID),
		zap.String("channel_id", channelID),
		zap.Error(err))

	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Kind:      events.KindError,
		ChannelID: channelID,
		ToolID:    toolID,
		Message:   err.Error(),
		Time:      s.clock.Now(),
	})
}

func (s *Supervisor) lookup(channelID string) (*backendProcess, error) {
	proc, ok := s.processes.Load(channelID)
	if !ok {
		return nil, NewProcessNotFoundError(channelID)
	}
	return proc, nil
}

// WaitForReady blocks until the backend has sent $ready. A zero timeout uses the
// supervisor's ready timeout.
func (s *Supervisor) WaitForReady(ctx context.Context, channelID string, timeout time.Duration) error {
	proc, err := s.lookup(channelID)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.readyTimeout
	}
	return proc.channel.WaitForReady(ctx, timeout)
}

// Call issues a request to the backend and waits for its response. A zero timeout
// uses the supervisor's call timeout.
func (s *Supervisor) Call(ctx context.Context, channelID string, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	proc, err := s.lookup(channelID)
	if err != nil {
		return nil, err
	}

	start := s.clock.Now()
	result, err := proc.channel.Call(ctx, method, params, timeout)
	core.LogBackendCall(proc.toolID, method, s.clock.Since(start), err)
	return result, err
}

// Notify sends a notification to the backend
func (s *Supervisor) Notify(channelID string, method string, params any) error {
	proc, err := s.lookup(channelID)
	if err != nil {
		return err
	}
	return proc.channel.Notify(method, params)
}

// PostMessage writes a caller-built JSON-RPC message to the backend
func (s *Supervisor) PostMessage(channelID string, message json.RawMessage) error {
	proc, err := s.lookup(channelID)
	if err != nil {
		return err
	}
	return proc.channel.PostMessage(message)
}

// Methods returns the methods the backend advertised in $ready
func (s *Supervisor) Methods(channelID string) ([]string, error) {
	proc, err := s.lookup(channelID)
	if err != nil {
		return nil, err
	}
	return proc.channel.Methods(), nil
}

// Info returns a snapshot of a live backend process
func (s *Supervisor) Info(channelID string) (*ProcessInfo, error) {
	proc, err := s.lookup(channelID)
	if err != nil {
		return nil, err
	}
	info := proc.info()
	return &info, nil
}

// List returns snapshots of every live backend process, sorted by channel id
func (s *Supervisor) List() []ProcessInfo {
	var infos []ProcessInfo
	s.processes.Range(func(_ string, proc *backendProcess) bool {
		infos = append(infos, proc.info())
		return true
	})
	slices.SortFunc(infos, func(a, b ProcessInfo) int {
		switch {
		case a.ChannelID < b.ChannelID:
			return -1
		case a.ChannelID > b.ChannelID:
			return 1
		default:
			return 0
		}
	})
	return infos
}

// ChannelsForTool returns the channel ids of every live backend of toolID
func (s *Supervisor) ChannelsForTool(toolID string) []string {
	var ids []string
	s.processes.Range(func(channelID string, proc *backendProcess) bool {
		if proc.toolID == toolID {
			ids = append(ids, channelID)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}

// Dispose stops a backend process: $shutdown, then an interrupt, then a kill once
// the grace period has elapsed. It returns once the process is gone. Disposing a
// channel whose process has already exited is a no-op.
func (s *Supervisor) Dispose(ctx context.Context, channelID string) error {
	proc, ok := s.processes.Load(channelID)
	if !ok {
		zap.L().Debug("Dispose of a channel with no live process", zap.String("channel_id", channelID))
		return nil
	}

	proc.mu.Lock()
	proc.exiting = true
	proc.mu.Unlock()

	zap.L().Info("Disposing backend process",
		zap.String("tool", proc.toolID),
		zap.String("channel_id", channelID))

	// stdin is closed once $shutdown is written, or when Dispose returns if the
	// backend stopped reading. Closing it releases a writer stuck on a full pipe.
	disposed := make(chan struct{})
	defer close(disposed)
	go s.closeStdin(proc, proc.channel.Shutdown(), disposed)

	if runtime.GOOS == core.GOOSWindows {
		s.kill(proc)
	} else if err := proc.cmd.Signal(os.Interrupt); err != nil {
		zap.L().Debug("Failed to interrupt backend process", zap.String("channel_id", channelID), zap.Error(err))
	}

	grace := s.clock.NewTimer(s.gracePeriod)
	defer grace.Stop()

	select {
	case <-proc.exited:
		return nil
	case <-grace.Chan():
		zap.L().Warn("Backend did not exit within grace period, killing",
			zap.String("tool", proc.toolID),
			zap.String("channel_id", channelID),
			zap.Duration("grace_period", s.gracePeriod))
	case <-ctx.Done():
		zap.L().Warn("Dispose cancelled, killing backend",
			zap.String("tool", proc.toolID),
			zap.String("channel_id", channelID))
	}

	s.kill(proc)

	// A killed process is reaped promptly; the bound only guards against a
	// descendant holding the output pipes open
	reaped := s.clock.NewTimer(s.gracePeriod)
	defer reaped.Stop()

	select {
	case <-proc.exited:
		return nil
	case <-reaped.Chan():
		proc.channel.Close("process killed")
		s.processes.Delete(channelID)
		return fmt.Errorf("backend %s did not exit after kill", channelID)
	}
}

func (s *Supervisor) closeStdin(proc *backendProcess, shutdownWritten <-chan error, disposed <-chan struct{}) {
	channelID := proc.channel.ID()
	select {
	case err := <-shutdownWritten:
		if err != nil {
			zap.L().Debug("Failed to send shutdown notification", zap.String("channel_id", channelID), zap.Error(err))
		}
	case <-disposed:
	}
	if err := proc.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		zap.L().Debug("Failed to close backend stdin", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (s *Supervisor) kill(proc *backendProcess) {
	if err := proc.cmd.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		zap.L().Warn("Failed to kill backend process",
			zap.String("channel_id", proc.channel.ID()),
			zap.Error(err))
	}
}

// DisposeAllForTool disposes every live backend of toolID
func (s *Supervisor) DisposeAllForTool(ctx context.Context, toolID string) error {
	return s.disposeAll(ctx, s.ChannelsForTool(toolID))
}

// Shutdown disposes every live backend
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var ids []string
	s.processes.Range(func(channelID string, _ *backendProcess) bool {
		ids = append(ids, channelID)
		return true
	})
	return s.disposeAll(ctx, ids)
}

func (s *Supervisor) disposeAll(ctx context.Context, channelIDs []string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, channelID := range channelIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Dispose(ctx, channelID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
