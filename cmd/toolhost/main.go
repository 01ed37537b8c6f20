package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/config"
	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

var (
	version = "dev"
	// build time date
	buildDate = "unknown"
)

// hostCloseTimeout bounds how long a command waits for backends to shut down
const hostCloseTimeout = 10 * time.Second

// app carries the global flags and the UI shared by every command
type app struct {
	configPath string
	prettyLog  bool
	logLevel   string
	ui         *tui.UI

	// stderrIsTTY decides the default log format
	stderrIsTTY bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui := tui.Default()
	if err := newRootCmd(ui).ExecuteContext(ctx); err != nil {
		core.MustFprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newRootCmd builds the command tree writing through ui
func newRootCmd(ui *tui.UI) *cobra.Command {
	a := &app{ui: ui, stderrIsTTY: tui.IsTerminal(os.Stderr)}

	rootCmd := &cobra.Command{
		Use:   "toolhost",
		Short: "Local tool host",
		Long: `toolhost installs, runs and supervises local tools. Tools are packages with a
manifest.json that declares their runtime, an optional backend process and the
permissions their frontend may use through the host's API gateway.`,
		Version:       fmt.Sprintf("%s (built: %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(ui.Out())

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a toolhost.yaml config file")
	rootCmd.PersistentFlags().BoolVar(&a.prettyLog, "pretty", false, "Use pretty-printed logs instead of JSON")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newInstallCmd(a))
	rootCmd.AddCommand(newUninstallCmd(a))
	rootCmd.AddCommand(newUpdateCmd(a))
	rootCmd.AddCommand(newListCmd(a))
	rootCmd.AddCommand(newInfoCmd(a))
	rootCmd.AddCommand(newSearchCmd(a))
	rootCmd.AddCommand(newCallCmd(a))
	rootCmd.AddCommand(newValidateCmd(a))
	rootCmd.AddCommand(newPythonCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newCacheCmd(a))

	return rootCmd
}

// resolveLogFormat determines the log format based on the CLI flag, the config
// and whether stderr is a terminal
func resolveLogFormat(cfg *config.HostConfig, prettyLog bool, stderrIsTTY bool) bool {
	if prettyLog {
		return true
	}
	switch cfg.LogFormat {
	case config.LogFormatPretty:
		return true
	case config.LogFormatJSON:
		return false
	default:
		return stderrIsTTY
	}
}

// resolveLogLevel returns the --log-level flag or fallback
func (a *app) resolveLogLevel(fallback string) string {
	if a.logLevel != "" {
		return a.logLevel
	}
	return fallback
}

// loadConfig loads the configuration and initializes the global logger
func (a *app) loadConfig(defaultLevel string) (*config.HostConfig, error) {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if defaultLevel == "" {
		defaultLevel = cfg.LogLevel
	}
	if err := core.InitWithLevel(resolveLogFormat(cfg, a.prettyLog, a.stderrIsTTY), a.resolveLogLevel(defaultLevel)); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// withHost runs fn against a host built from the configuration and closes the
// host afterwards, stopping any backend fn left running
func (a *app) withHost(ctx context.Context, fn func(ctx context.Context, h *host.Host) error) error {
	cfg, err := a.loadConfig(string(config.LogLevelWarn))
	if err != nil {
		return err
	}
	defer zap.L().Sync() //nolint:errcheck // Ignore sync errors on stdout/stderr

	h, err := host.New(host.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer closeHost(h)

	return fn(ctx, h)
}

func closeHost(h *host.Host) {
	ctx, cancel := context.WithTimeout(context.Background(), hostCloseTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		zap.L().Warn("Failed to close host", zap.Error(err))
	}
}
