package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observeLogs swaps the global logger for an observer and restores it on cleanup
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	obsCore, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(obsCore))
	t.Cleanup(restore)
	return logs
}

func TestInitWithLevel(t *testing.T) {
	tests := []struct {
		name         string
		pretty       bool
		level        string
		enabled      zapcore.Level
		disabled     zapcore.Level
		errorMessage string
	}{
		{name: "json default", level: "", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{name: "pretty debug", pretty: true, level: "debug", enabled: zapcore.DebugLevel, disabled: zapcore.InvalidLevel},
		{name: "json warn", level: "warn", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{name: "unknown level", level: "loud", errorMessage: "failed to parse log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(zap.ReplaceGlobals(zap.NewNop()))
			err := InitWithLevel(tt.pretty, tt.level)
			if tt.errorMessage != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMessage)
				return
			}
			require.NoError(t, err)
			assert.True(t, zap.L().Core().Enabled(tt.enabled))
			if tt.disabled != zapcore.InvalidLevel {
				assert.False(t, zap.L().Core().Enabled(tt.disabled))
			}
		})
	}
}

func TestInit_UsesInfoLevel(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zap.NewNop()))
	require.NoError(t, Init(false))
	assert.True(t, zap.L().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, zap.L().Core().Enabled(zapcore.DebugLevel))
}

func TestLogBackendCall(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
		level   zapcore.Level
	}{
		{name: "success", message: "Backend call completed successfully", level: zapcore.InfoLevel},
		{name: "failure", err: errors.New("backend exited"), message: "Backend call failed", level: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := observeLogs(t)
			LogBackendCall("weather", "tools/call", 1500*time.Millisecond, tt.err)

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.message, entry.Message)
			assert.Equal(t, tt.level, entry.Level)

			fields := entry.ContextMap()
			assert.Equal(t, "weather", fields["tool"])
			assert.Equal(t, "tools/call", fields["method"])
			assert.InDelta(t, 1.5, fields["duration_seconds"], 1e-9)
			assert.Equal(t, tt.err == nil, fields["success"])
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), fields["error"])
			} else {
				assert.NotContains(t, fields, "error")
			}
		})
	}
}

func TestLogRequest(t *testing.T) {
	logs := observeLogs(t)

	LogRequest("install", 0.25, nil)
	LogRequest("start", 0.5, errors.New("tool not found"))

	require.Equal(t, 2, logs.Len())
	ok, failed := logs.All()[0], logs.All()[1]

	assert.Equal(t, "Request completed successfully", ok.Message)
	assert.Equal(t, "install", ok.ContextMap()["method"])
	assert.NotContains(t, ok.ContextMap(), "error")

	assert.Equal(t, "Request failed", failed.Message)
	assert.Equal(t, zapcore.ErrorLevel, failed.Level)
	assert.Equal(t, "tool not found", failed.ContextMap()["error"])
}

func TestLogPanicRecovery_IncludesBugReportHint(t *testing.T) {
	logs := observeLogs(t)

	func() {
		defer func() {
			LogPanicRecovery("event-broker", recover())
		}()
		panic("subscriber map corrupted")
	}()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Panic recovered", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "event-broker", fields["component"])
	assert.Equal(t, "subscriber map corrupted", fields["panic_value"])
	assert.Contains(t, fields["stack"], "TestLogPanicRecovery_IncludesBugReportHint")
	assert.Equal(t, BugReportMessage(), fields["hint"])
	assert.Contains(t, BugReportMessage(), MaintainerLink)
}

func TestLogDeferredError(t *testing.T) {
	logs := observeLogs(t)

	LogDeferredError(func() error { return nil })
	assert.Zero(t, logs.Len())

	LogDeferredError(func() error { return errors.New("close: broken pipe") })
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Deferred error", logs.All()[0].Message)
	assert.Equal(t, "close: broken pipe", logs.All()[0].ContextMap()["error"])
}
