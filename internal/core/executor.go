// Package core implements the functionality shared across all toolhost components.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CommandRunner is an interface for running commands, allowing for testing with mocks
type CommandRunner interface {
	CommandContext(ctx context.Context, name string, arg ...string) Command
}

// Command is an interface for exec.Cmd, allowing for testing with mocks
type Command interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
	SetStdin(io.Reader)
	SetEnv([]string)
	SetDir(string)
	Start() error
	Wait() error
	// Pid returns the process id, or 0 if the process has not been started
	Pid() int
	Signal(os.Signal) error
	Kill() error
}

// execCommand wraps exec.Cmd to implement Command interface
type execCommand struct {
	*exec.Cmd
}

func (e *execCommand) SetStdin(r io.Reader) {
	e.Stdin = r
}

func (e *execCommand) SetEnv(env []string) {
	e.Env = env
}

func (e *execCommand) SetDir(dir string) {
	e.Dir = dir
}

// Explicitly forward methods from *exec.Cmd to satisfy the Command interface
// (even though they're already available through embedding, this makes it explicit for the linter)
func (e *execCommand) Start() error {
	return e.Cmd.Start()
}

func (e *execCommand) Wait() error {
	return e.Cmd.Wait()
}

func (e *execCommand) StdinPipe() (io.WriteCloser, error) {
	return e.Cmd.StdinPipe()
}

func (e *execCommand) StdoutPipe() (io.ReadCloser, error) {
	return e.Cmd.StdoutPipe()
}

func (e *execCommand) StderrPipe() (io.ReadCloser, error) {
	return e.Cmd.StderrPipe()
}

func (e *execCommand) Pid() int {
	if e.Process == nil {
		return 0
	}
	return e.Process.Pid
}

func (e *execCommand) Signal(sig os.Signal) error {
	if e.Process == nil {
		return fmt.Errorf("process not started")
	}
	return e.Process.Signal(sig)
}

func (e *execCommand) Kill() error {
	if e.Process == nil {
		return fmt.Errorf("process not started")
	}
	return e.Process.Kill()
}

// Interface guard for execCommand
var _ Command = &execCommand{}

// execCommandRunner wraps exec.CommandContext to implement CommandRunner
type execCommandRunner struct{}

func (e *execCommandRunner) CommandContext(ctx context.Context, name string, arg ...string) Command {
	return &execCommand{Cmd: exec.CommandContext(ctx, name, arg...)}
}

// Interface guard for execCommandRunner
var _ CommandRunner = &execCommandRunner{}

// NewExecCommandRunner returns the CommandRunner backed by os/exec
func NewExecCommandRunner() CommandRunner {
	return &execCommandRunner{}
}

// OutputStream names the stream a line of process output came from
type OutputStream string

const (
	OutputStreamStdout OutputStream = "stdout"
	OutputStreamStderr OutputStream = "stderr"
)

// ExecSpec describes a single process run
type ExecSpec struct {
	Name  string
	Args  []string
	Env   []string // nil inherits the parent environment
	Dir   string
	Stdin string
	// Timeout overrides the executor's default timeout when non-zero
	Timeout time.Duration
	// OnOutput, if set, receives every line of output as it is produced
	OnOutput func(stream OutputStream, line string)
}

// ExecutionResult represents the result of a process run
type ExecutionResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Error    error  `json:"-"`
}

// Success reports whether the process ran to completion with exit code 0
func (r *ExecutionResult) Success() bool {
	return r.Error == nil && r.ExitCode == 0
}

// ProcessExecutor runs short-lived processes to completion with a timeout
type ProcessExecutor struct {
	timeout       time.Duration
	clock         clockwork.Clock
	commandRunner CommandRunner
}

// NewProcessExecutor creates a new process executor with a real clock
func NewProcessExecutor(timeout time.Duration) *ProcessExecutor {
	return NewProcessExecutorWithClock(timeout, clockwork.NewRealClock())
}

// NewProcessExecutorWithClock creates a new process executor with a custom clock
// This is useful for testing with a fake clock
func NewProcessExecutorWithClock(timeout time.Duration, clock clockwork.Clock) *ProcessExecutor {
	return NewProcessExecutorWithClockAndRunner(timeout, clock, &execCommandRunner{})
}

// NewProcessExecutorWithClockAndRunner creates a new process executor with a custom clock and command runner
// This is useful for testing with a fake clock and mocked command execution
func NewProcessExecutorWithClockAndRunner(timeout time.Duration, clock clockwork.Clock, runner CommandRunner) *ProcessExecutor {
	return &ProcessExecutor{
		timeout:       timeout,
		clock:         clock,
		commandRunner: runner,
	}
}

// Execute runs the process described by spec and waits for it to finish.
// A non-zero exit code is reported in the result, not as an error.
func (e *ProcessExecutor) Execute(ctx context.Context, spec ExecSpec) (*ExecutionResult, error) {
	timeout := e.timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	execCtx, cancel := clockwork.WithTimeout(ctx, e.clock, timeout)
	defer cancel()

	cmd := e.commandRunner.CommandContext(execCtx, spec.Name, spec.Args...)
	if spec.Env != nil {
		cmd.SetEnv(spec.Env)
	}
	if spec.Dir != "" {
		cmd.SetDir(spec.Dir)
	}
	if spec.Stdin != "" {
		cmd.SetStdin(strings.NewReader(spec.Stdin))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	var (
		stdoutBuf, stderrBuf strings.Builder
		outputMu             sync.Mutex
		wg                   sync.WaitGroup
	)

	collect := func(stream OutputStream, r io.Reader, buf *strings.Builder) {
		defer wg.Done()
		scanErr := ScanLines(r, func(line string) {
			outputMu.Lock()
			buf.WriteString(line)
			buf.WriteByte('\n')
			outputMu.Unlock()
			if spec.OnOutput != nil {
				spec.OnOutput(stream, line)
			}
		})
		if scanErr != nil && !errors.Is(scanErr, os.ErrClosed) {
			outputMu.Lock()
			buf.WriteString(scanErr.Error())
			outputMu.Unlock()
		}
	}

	wg.Add(2)
	go collect(OutputStreamStdout, stdout, &stdoutBuf)
	go collect(OutputStreamStderr, stderr, &stderrBuf)

	// Wait for output reading to complete before Wait closes the pipes
	wg.Wait()

	err = cmd.Wait()

	result := &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: 0,
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		result.Error = fmt.Errorf("process timed out after %v", timeout)
		return result, result.Error
	}

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			result.ExitCode = exitError.ExitCode()
		} else {
			result.Error = err
			return result, err
		}
	}

	return result, nil
}
