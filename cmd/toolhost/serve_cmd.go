package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/api"
	"github.com/dorcha-inc/toolhost/internal/config"
	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/server"
)

// serveOptions are the serve command's flags
type serveOptions struct {
	addr      string
	enableMCP bool
	useStdio  bool
}

// newServeCmd creates the serve command
func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the toolhost daemon",
		Long: `Run the toolhost daemon. The HTTP API is served under /api on the configured
address (default ` + config.DefaultHTTPAddr + `) and streams host events at /api/events.

With --mcp the tool management operations are also exposed as MCP tools at /mcp.
With --stdio the MCP server talks over stdin/stdout instead and no HTTP listener
is started. SIGHUP rescans the tools directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Address to listen on (overrides http_addr)")
	cmd.Flags().BoolVar(&opts.enableMCP, "mcp", false, "Expose the MCP server at /mcp")
	cmd.Flags().BoolVar(&opts.useStdio, "stdio", false, "Serve MCP over stdio instead of HTTP")

	return cmd
}

// runServe runs the daemon until ctx is cancelled
func runServe(ctx context.Context, a *app, opts *serveOptions) error {
	cfg, err := a.loadConfig("")
	if err != nil {
		return err
	}
	defer zap.L().Sync() //nolint:errcheck // Ignore sync errors on stdout/stderr, they're not critical and common in test environments

	addr, err := resolveAddr(cfg, opts.addr)
	if err != nil {
		return err
	}

	h, err := host.New(host.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer closeHost(h)

	if err := h.StartMaintenance(); err != nil {
		return err
	}

	srv := server.NewToolhostServer(server.Options{
		Host:      h,
		API:       api.New(api.Options{Host: h}),
		EnableMCP: opts.enableMCP || opts.useStdio,
	})

	ctx, cancel := setupSignalHandling(ctx, h)
	defer cancel()

	if !opts.useStdio {
		a.ui.Info("toolhost API listening on http://%s/api\n", addr)
	}

	if err := runServer(ctx, srv, opts.useStdio, addr); err != nil {
		if errors.Is(err, context.Canceled) {
			zap.L().Info("Server context canceled, exiting gracefully")
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// resolveAddr applies the --addr override and checks the result is host:port
func resolveAddr(cfg *config.HostConfig, addrFlag string) (string, error) {
	addr := cfg.HTTPAddr
	if addrFlag != "" {
		addr = addrFlag
	}
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return addr, nil
}

// setupSignalHandling rescans the tools directory on SIGHUP and cancels the
// returned context on SIGINT or SIGTERM
func setupSignalHandling(ctx context.Context, h *host.Host) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGHUP:
					zap.L().Info("Received SIGHUP, rescanning tools")
					if res := h.Refresh(); !res.Success {
						zap.L().Error("Failed to rescan tools", zap.String("error", res.Error))
					}
				case syscall.SIGINT, syscall.SIGTERM:
					zap.L().Info("Received shutdown signal")
					cancel()
					return
				}
			}
		}
	}()

	return ctx, cancel
}

// runServer starts the server in either stdio or HTTP mode
func runServer(ctx context.Context, srv *server.ToolhostServer, useStdio bool, addr string) error {
	if useStdio {
		zap.L().Info("Starting toolhost MCP server on stdio")
		return srv.ServeStdio(ctx)
	}

	zap.L().Info("Starting toolhost server", zap.String("address", addr))
	return srv.Serve(ctx, addr)
}
