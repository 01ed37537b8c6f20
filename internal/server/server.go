// Package server runs the toolhost daemon: the local HTTP API and the MCP server
// that exposes the host's operations to agents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/api"
	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/host"
)

const (
	// ServerName is reported to MCP clients
	ServerName = "toolhost"
	// ServerVersion is reported to MCP clients
	ServerVersion = "1.0.0"

	// MCPPath is where the streamable HTTP MCP endpoint is mounted
	MCPPath = "/mcp"
	// APIPrefix is where the collaborator API is mounted
	APIPrefix = "/api"

	shutdownTimeout = 5 * time.Second
)

// Options configure a ToolhostServer
type Options struct {
	Host *host.Host
	API  *api.API
	// EnableMCP mounts the MCP endpoint next to the HTTP API
	EnableMCP bool
}

// ToolhostServer stores the state and dependencies of the daemon
type ToolhostServer struct {
	host            *host.Host
	api             *api.API
	enableMCP       bool
	mcpServer       *mcp.Server
	httpHandler     *mcp.StreamableHTTPHandler
	registeredTools mapset.Set[string]
}

// NewToolhostServer creates the daemon and registers its MCP tools
func NewToolhostServer(opts Options) *ToolhostServer {
	if opts.API == nil {
		opts.API = api.New(api.Options{Host: opts.Host})
	}

	s := &ToolhostServer{
		host:            opts.Host,
		api:             opts.API,
		enableMCP:       opts.EnableMCP,
		registeredTools: mapset.NewSet[string](),
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: ServerVersion}, nil)
	s.registerTools()

	// Sessions, Origin validation and the SSE leg are handled by the SDK
	s.httpHandler = mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcpServer },
		&mcp.StreamableHTTPOptions{Stateless: false},
	)
	return s
}

type emptyInput struct{}

type toolInput struct {
	ToolID string `json:"tool_id" jsonschema:"id of an installed tool"`
}

type callInput struct {
	ToolID    string         `json:"tool_id" jsonschema:"id of a running tool"`
	Method    string         `json:"method" jsonschema:"backend method to call"`
	Params    map[string]any `json:"params,omitempty" jsonschema:"parameters passed to the method"`
	TimeoutMs int            `json:"timeout_ms,omitempty" jsonschema:"call timeout in milliseconds"`
}

type installInput struct {
	ToolID  string `json:"tool_id" jsonschema:"id of the tool in the catalog"`
	Version string `json:"version,omitempty" jsonschema:"version to install, latest when empty"`
}

type searchInput struct {
	Query string `json:"query,omitempty" jsonschema:"search text, everything when empty"`
}

// registerTools adds one MCP tool per host operation
func (s *ToolhostServer) registerTools() {
	addTool(s, "list_tools", "List installed tools", func(_ context.Context, _ emptyInput) host.Result {
		return s.host.ListTools()
	})
	addTool(s, "tool_info", "Show the manifest of an installed tool", func(_ context.Context, in toolInput) host.Result {
		return s.host.Tool(in.ToolID)
	})
	addTool(s, "start_tool", "Start a tool's backend, reusing it when already running", func(ctx context.Context, in toolInput) host.Result {
		return s.host.StartTool(ctx, in.ToolID)
	})
	addTool(s, "stop_tool", "Release one reference to a running tool", func(_ context.Context, in toolInput) host.Result {
		return s.host.StopTool(in.ToolID)
	})
	addTool(s, "call_tool", "Call a method on a running tool's backend", func(ctx context.Context, in callInput) host.Result {
		var params json.RawMessage
		if in.Params != nil {
			data, err := json.Marshal(in.Params)
			if err != nil {
				return host.Result{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
			}
			params = data
		}
		return s.host.CallTool(ctx, in.ToolID, in.Method, params, time.Duration(in.TimeoutMs)*time.Millisecond)
	})
	addTool(s, "list_running", "List tools with a live backend", func(_ context.Context, _ emptyInput) host.Result {
		return host.Result{Success: true, Data: s.host.Running()}
	})
	addTool(s, "install_tool", "Install a tool from the catalog and wait for it to finish", func(ctx context.Context, in installInput) host.Result {
		return s.host.InstallFromCatalog(ctx, in.ToolID, in.Version, nil)
	})
	addTool(s, "update_tool", "Update an installed tool to its newest catalog release", func(ctx context.Context, in toolInput) host.Result {
		return s.host.UpdateTool(ctx, in.ToolID, nil)
	})
	addTool(s, "uninstall_tool", "Stop and remove an installed tool", func(ctx context.Context, in toolInput) host.Result {
		return s.host.UninstallTool(ctx, in.ToolID)
	})
	addTool(s, "search_catalog", "Search the tool catalog", func(ctx context.Context, in searchInput) host.Result {
		return s.host.SearchCatalog(ctx, in.Query)
	})
	addTool(s, "python_status", "Report the shared python installation", func(ctx context.Context, _ emptyInput) host.Result {
		return s.host.PythonStatus(ctx)
	})
}

// addTool registers fn as an MCP tool. Panics are recovered at the handler
// boundary and reported as tool errors.
func addTool[In any](s *ToolhostServer, name string, description string, fn func(context.Context, In) host.Result) {
	handler := func(ctx context.Context, _ *mcp.CallToolRequest, input In) (result *mcp.CallToolResult, output any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				core.LogPanicRecovery("mcp tool handler", r)
				result = &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{
						&mcp.TextContent{Text: fmt.Sprintf("internal error: panic recovered in %s: %v", name, r)},
					},
				}
				output = nil
				err = nil
			}
		}()

		res := fn(ctx, input)
		var callErr error
		if !res.Success {
			callErr = errors.New(res.Error)
		}
		core.LogRequest(name, time.Since(start).Seconds(), callErr)
		return buildToolResult(res), nil, nil
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{Name: name, Description: description}, handler)
	s.registeredTools.Add(name)
	zap.L().Debug("Registered MCP tool", zap.String("tool", name))
}

// buildToolResult renders a host result as MCP text content
func buildToolResult(res host.Result) *mcp.CallToolResult {
	if !res.Success {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: res.Error}},
		}
	}

	text := "ok"
	if res.Data != nil {
		data, err := json.MarshalIndent(res.Data, "", "  ")
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("failed to encode result: %v", err)}},
			}
		}
		text = string(data)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// Handler returns the daemon's router: the API under /api and, when enabled,
// the MCP endpoint at /mcp
func (s *ToolhostServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Mount(APIPrefix, s.api.Handler())
	if s.enableMCP {
		r.Handle(MCPPath, s.httpHandler)
	}
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (s *ToolhostServer) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	zap.L().Info("Server listening",
		zap.String("address", addr),
		zap.Bool("mcp", s.enableMCP))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("Server shutdown error", zap.Error(err))
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// ServeStdio runs the MCP server over stdin and stdout until ctx is cancelled
func (s *ToolhostServer) ServeStdio(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}
