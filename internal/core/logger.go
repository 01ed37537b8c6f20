package core

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init initializes zap's global logger at info level.
// After calling this, we use zap.L() directly.
func Init(pretty bool) error {
	return InitWithLevel(pretty, "info")
}

// InitWithLevel initializes zap's global logger with the given level name
// ("debug", "info", "warn", "error", "fatal").
func InitWithLevel(pretty bool, level string) error {
	var config zap.Config

	if pretty {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if level != "" {
		parsedLevel, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(parsedLevel)
	}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// LogDeferredError runs fn and logs its error, if any. Meant for deferred Close calls.
func LogDeferredError(fn func() error) {
	if err := fn(); err != nil {
		zap.L().Error("Deferred error", zap.Error(err), zap.Stack("stack"))
	}
}

// LogPanicRecovery logs a recovered panic together with the stack of the panicking goroutine.
func LogPanicRecovery(component string, panicValue any) {
	zap.L().Error("Panic recovered",
		zap.String("component", component),
		zap.Any("panic_value", panicValue),
		zap.ByteString("stack", debug.Stack()),
		zap.String("hint", BugReportMessage()))
}

// LogBackendCall logs the outcome of a JSON-RPC call into a tool backend
func LogBackendCall(toolID string, method string, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("tool", toolID),
		zap.String("method", method),
		zap.Float64("duration_seconds", duration.Seconds()),
		zap.Bool("success", err == nil),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		zap.L().Error("Backend call failed", fields...)
		return
	}

	zap.L().Info("Backend call completed successfully", fields...)
}

// LogRequest logs a collaborator request using zap's global logger
func LogRequest(method string, duration float64, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Float64("duration_seconds", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		zap.L().Error("Request failed", fields...)
		return
	}

	zap.L().Info("Request completed successfully", fields...)
}
