package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// BackendHost is the runtime side of the backend module. Channel ids handed
// to a tool are only usable by the tool that owns them.
type BackendHost interface {
	StartBackend(ctx context.Context, toolID string) (string, error)
	StopBackend(ctx context.Context, toolID string, channelID string) error
	OwnsChannel(toolID string, channelID string) bool
	Call(ctx context.Context, channelID string, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(channelID string, method string, params any) error
	PostMessage(channelID string, message json.RawMessage) error
	Methods(channelID string) ([]string, error)
}

var errNoBackends = errors.New("backend support is not available")

type channelParams struct {
	ChannelID string `json:"channelId"`
}

type backendCallParams struct {
	ChannelID string          `json:"channelId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeout,omitempty"`
}

type postMessageParams struct {
	ChannelID string          `json:"channelId"`
	Message   json.RawMessage `json:"message"`
}

func (g *Gateway) backendMethods() []Method {
	return []Method{
		method("register", g.backendRegister, manifest.PermBackendRegister),
		method("call", g.backendCall, manifest.PermBackendMessage),
		method("notify", g.backendNotify, manifest.PermBackendMessage),
		method("postMessage", g.backendPostMessage, manifest.PermBackendMessage),
		method("methods", g.backendListMethods, manifest.PermBackendMessage),
		method("dispose", g.backendDispose, manifest.PermBackendMessage),
	}
}

// ownedChannel checks that the caller owns channelID
func (g *Gateway) ownedChannel(call *Call, channelID string) error {
	if g.backends == nil {
		return errNoBackends
	}
	if channelID == "" {
		return NewInvalidParamsError(call.Module, call.Method, "channelId is required")
	}
	if !g.backends.OwnsChannel(call.ToolID, channelID) {
		return NewSecurityError("channel " + channelID + " does not belong to " + call.ToolID)
	}
	return nil
}

func (g *Gateway) backendRegister(ctx context.Context, call *Call) (any, error) {
	if g.backends == nil {
		return nil, errNoBackends
	}
	if _, err := call.Tool.Backend(); err != nil {
		return nil, NewInvalidParamsError(call.Module, call.Method, err.Error())
	}
	channelID, err := g.backends.StartBackend(ctx, call.ToolID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"channelId": channelID}, nil
}

func (g *Gateway) backendCall(ctx context.Context, call *Call) (any, error) {
	params, err := decode[backendCallParams](call)
	if err != nil {
		return nil, err
	}
	if err := g.ownedChannel(call, params.ChannelID); err != nil {
		return nil, err
	}
	if params.Method == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "method is required")
	}

	var timeout time.Duration
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	var rpcParams any
	if len(params.Params) > 0 {
		rpcParams = params.Params
	}
	return g.backends.Call(ctx, params.ChannelID, params.Method, rpcParams, timeout)
}

func (g *Gateway) backendNotify(ctx context.Context, call *Call) (any, error) {
	params, err := decode[backendCallParams](call)
	if err != nil {
		return nil, err
	}
	if err := g.ownedChannel(call, params.ChannelID); err != nil {
		return nil, err
	}
	if params.Method == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "method is required")
	}
	var rpcParams any
	if len(params.Params) > 0 {
		rpcParams = params.Params
	}
	if err := g.backends.Notify(params.ChannelID, params.Method, rpcParams); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) backendPostMessage(ctx context.Context, call *Call) (any, error) {
	params, err := decode[postMessageParams](call)
	if err != nil {
		return nil, err
	}
	if err := g.ownedChannel(call, params.ChannelID); err != nil {
		return nil, err
	}
	if len(params.Message) == 0 {
		return nil, NewInvalidParamsError(call.Module, call.Method, "message is required")
	}
	if err := g.backends.PostMessage(params.ChannelID, params.Message); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) backendListMethods(ctx context.Context, call *Call) (any, error) {
	params, err := decode[channelParams](call)
	if err != nil {
		return nil, err
	}
	if err := g.ownedChannel(call, params.ChannelID); err != nil {
		return nil, err
	}
	methods, err := g.backends.Methods(params.ChannelID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"methods": methods}, nil
}

func (g *Gateway) backendDispose(ctx context.Context, call *Call) (any, error) {
	params, err := decode[channelParams](call)
	if err != nil {
		return nil, err
	}
	if err := g.ownedChannel(call, params.ChannelID); err != nil {
		return nil, err
	}
	if err := g.backends.StopBackend(ctx, call.ToolID, params.ChannelID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}
