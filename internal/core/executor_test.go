package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const windowsOS = "windows"

// TestNewProcessExecutor tests the creation of a new process executor
func TestNewProcessExecutor(t *testing.T) {
	executor := NewProcessExecutor(30 * time.Second)
	require.NotNil(t, executor)
	assert.Equal(t, 30*time.Second, executor.timeout)
	assert.NotNil(t, executor.clock)
}

// TestNewProcessExecutorWithClock tests the creation of a new process executor with a custom clock
func TestNewProcessExecutorWithClock(t *testing.T) {
	fakeClock := clockwork.NewFakeClock()
	executor := NewProcessExecutorWithClock(30*time.Second, fakeClock)
	require.NotNil(t, executor)
	assert.Equal(t, fakeClock, executor.clock)
}

// TestExecute_BinarySuccess tests successful execution of a binary
func TestExecute_BinarySuccess(t *testing.T) {
	if runtime.GOOS == windowsOS {
		t.Skip("uses /bin/echo")
	}
	executor := NewProcessExecutor(10 * time.Second)

	result, err := executor.Execute(context.Background(), ExecSpec{Name: "/bin/echo", Args: []string{"hello world"}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello world")
	assert.Empty(t, result.Stderr)
	assert.True(t, result.Success())
}

// TestExecute_OnOutput tests that output lines are streamed to the callback
func TestExecute_OnOutput(t *testing.T) {
	if runtime.GOOS == windowsOS {
		t.Skip("uses /bin/sh")
	}
	executor := NewProcessExecutor(10 * time.Second)

	var mu sync.Mutex
	lines := map[OutputStream][]string{}
	result, err := executor.Execute(context.Background(), ExecSpec{
		Name: "/bin/sh",
		Args: []string{"-c", "echo one; echo two; echo oops >&2"},
		OnOutput: func(stream OutputStream, line string) {
			mu.Lock()
			defer mu.Unlock()
			lines[stream] = append(lines[stream], line)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines[OutputStreamStdout])
	assert.Equal(t, []string{"oops"}, lines[OutputStreamStderr])
	assert.Equal(t, "one\ntwo\n", result.Stdout)
}

// TestExecute_EnvAndDir tests that environment and working directory are applied
func TestExecute_EnvAndDir(t *testing.T) {
	if runtime.GOOS == windowsOS {
		t.Skip("uses /bin/sh")
	}
	executor := NewProcessExecutor(10 * time.Second)
	dir := t.TempDir()

	result, err := executor.Execute(context.Background(), ExecSpec{
		Name: "/bin/sh",
		Args: []string{"-c", "echo $GREETING; pwd"},
		Env:  MergeEnv(os.Environ(), map[string]string{"GREETING": "hi"}),
		Dir:  dir,
	})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "hi\n")
	assert.Contains(t, result.Stdout, dir)
}

// TestExecute_WithStdin tests that stdin is delivered to the process
func TestExecute_WithStdin(t *testing.T) {
	if runtime.GOOS == windowsOS {
		t.Skip("uses cat")
	}
	executor := NewProcessExecutor(10 * time.Second)

	result, err := executor.Execute(context.Background(), ExecSpec{Name: "cat", Stdin: "from stdin"})
	require.NoError(t, err)
	assert.Equal(t, "from stdin\n", result.Stdout)
}

// TestExecute_NonZeroExitCode tests that a failing process reports its exit code without an error
func TestExecute_NonZeroExitCode(t *testing.T) {
	if runtime.GOOS == windowsOS {
		t.Skip("uses /bin/sh")
	}
	executor := NewProcessExecutor(10 * time.Second)

	result, err := executor.Execute(context.Background(), ExecSpec{Name: "/bin/sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.Success())
}

// TestExecute_CommandNotFound tests handling of command not found errors
func TestExecute_CommandNotFound(t *testing.T) {
	executor := NewProcessExecutor(10 * time.Second)

	_, err := executor.Execute(context.Background(), ExecSpec{Name: "/nonexistent/path/to/command"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start command")
}

// timeoutMockCommandRunner creates commands that simulate timeout behavior
// for testing timeout detection without real processes
type timeoutMockCommandRunner struct{}

func (m *timeoutMockCommandRunner) CommandContext(ctx context.Context, name string, arg ...string) Command {
	return &timeoutMockCommand{ctx: ctx}
}

// timeoutMockCommand simulates a command that blocks until its context expires
type timeoutMockCommand struct {
	ctx context.Context
}

func (m *timeoutMockCommand) StdinPipe() (io.WriteCloser, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *timeoutMockCommand) StdoutPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *timeoutMockCommand) StderrPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *timeoutMockCommand) SetStdin(io.Reader) {}
func (m *timeoutMockCommand) SetEnv([]string)    {}
func (m *timeoutMockCommand) SetDir(string)      {}
func (m *timeoutMockCommand) Start() error       { return nil }
func (m *timeoutMockCommand) Pid() int           { return 42 }

func (m *timeoutMockCommand) Signal(os.Signal) error { return nil }
func (m *timeoutMockCommand) Kill() error            { return nil }

func (m *timeoutMockCommand) Wait() error {
	<-m.ctx.Done()
	return m.ctx.Err()
}

// TestExecute_Timeout tests that execution times out correctly using a fake clock
func TestExecute_Timeout(t *testing.T) {
	fakeClock := clockwork.NewFakeClock()
	executor := NewProcessExecutorWithClockAndRunner(time.Second, fakeClock, &timeoutMockCommandRunner{})

	done := make(chan struct{})
	var result *ExecutionResult
	var execErr error
	go func() {
		result, execErr = executor.Execute(context.Background(), ExecSpec{Name: "/fake/path"})
		close(done)
	}()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	require.NoError(t, fakeClock.BlockUntilContext(blockCtx, 1), "Failed to block until context has waiters")

	fakeClock.Advance(2 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execution did not complete after advancing clock")
	}

	require.Error(t, execErr)
	require.NotNil(t, result)
	assert.True(t, result.TimedOut)
	assert.Contains(t, execErr.Error(), "timed out")
}

// TestExecute_SpecTimeoutOverridesDefault tests that a per-run timeout replaces the default
func TestExecute_SpecTimeoutOverridesDefault(t *testing.T) {
	fakeClock := clockwork.NewFakeClock()
	executor := NewProcessExecutorWithClockAndRunner(time.Hour, fakeClock, &timeoutMockCommandRunner{})

	done := make(chan error, 1)
	go func() {
		_, err := executor.Execute(context.Background(), ExecSpec{Name: "/fake/path", Timeout: 5 * time.Second})
		done <- err
	}()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	require.NoError(t, fakeClock.BlockUntilContext(blockCtx, 1))

	fakeClock.Advance(6 * time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "5s")
	case <-time.After(time.Second):
		t.Fatal("per-run timeout was not applied")
	}
}
