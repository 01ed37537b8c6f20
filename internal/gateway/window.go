package gateway

import (
	"context"
	"errors"

	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// WindowController drives the window a tool's frontend is rendered in. The host
// never draws windows itself; an embedding UI attaches a controller.
type WindowController interface {
	Show(toolID string) error
	Hide(toolID string) error
	SetSize(toolID string, width int, height int) error
	SetTitle(toolID string, title string) error
	Minimize(toolID string) error
	ToggleMaximize(toolID string) error
	Close(toolID string) error
}

var errNoWindow = errors.New("no window attached")

type sizeParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type titleParams struct {
	Title string `json:"title"`
}

func (g *Gateway) windowMethods() []Method {
	return []Method{
		method("show", g.windowAction(WindowController.Show), manifest.PermWindowShow),
		method("hide", g.windowAction(WindowController.Hide), manifest.PermWindowHide),
		method("setSize", g.windowSetSize, manifest.PermWindowSetBounds),
		method("setTitle", g.windowSetTitle, manifest.PermWindowSetTitle),
		method("minimize", g.windowAction(WindowController.Minimize), manifest.PermWindowMinimize),
		method("toggleMaximize", g.windowAction(WindowController.ToggleMaximize), manifest.PermWindowMaximize),
		method("close", g.windowAction(WindowController.Close), manifest.PermWindowClose),
	}
}

var windowOK = map[string]any{"success": true}

func (g *Gateway) windowAction(action func(WindowController, string) error) HandlerFunc {
	return func(ctx context.Context, call *Call) (any, error) {
		if g.window == nil {
			return nil, errNoWindow
		}
		if err := action(g.window, call.ToolID); err != nil {
			return nil, err
		}
		return windowOK, nil
	}
}

func (g *Gateway) windowSetSize(ctx context.Context, call *Call) (any, error) {
	if g.window == nil {
		return nil, errNoWindow
	}
	params, err := decode[sizeParams](call)
	if err != nil {
		return nil, err
	}
	if params.Width <= 0 || params.Height <= 0 {
		return nil, NewInvalidParamsError(call.Module, call.Method, "width and height must be positive")
	}
	if err := g.window.SetSize(call.ToolID, params.Width, params.Height); err != nil {
		return nil, err
	}
	return windowOK, nil
}

func (g *Gateway) windowSetTitle(ctx context.Context, call *Call) (any, error) {
	if g.window == nil {
		return nil, errNoWindow
	}
	params, err := decode[titleParams](call)
	if err != nil {
		return nil, err
	}
	if err := g.window.SetTitle(call.ToolID, params.Title); err != nil {
		return nil, err
	}
	return windowOK, nil
}
