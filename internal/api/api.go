// Package api serves the host's collaborator operations over local HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/events"
	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/installer"
)

const (
	// DefaultHeartbeat is the interval of keep-alive comments on the event stream
	DefaultHeartbeat = 15 * time.Second
	// maxBodySize bounds request bodies
	maxBodySize = 4 << 20
)

// Options configure the API
type Options struct {
	Host *host.Host
	// Clock drives event stream heartbeats
	Clock     clockwork.Clock
	Heartbeat time.Duration
}

// API routes HTTP requests to the host
type API struct {
	host      *host.Host
	clock     clockwork.Clock
	heartbeat time.Duration
}

// New creates an API over h
func New(opts Options) *API {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &API{host: opts.Host, clock: opts.Clock, heartbeat: opts.Heartbeat}
}

// Handler returns the router
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(recoverer)

	r.Get("/healthz", a.healthz)
	r.Get("/events", a.streamEvents)

	r.Route("/tools", func(r chi.Router) {
		r.Get("/", a.listTools)
		r.Post("/local", a.installLocal)
		r.Get("/outdated", a.outdated)
		r.Route("/{toolID}", func(r chi.Router) {
			r.Get("/", a.getTool)
			r.Delete("/", a.uninstallTool)
			r.Post("/start", a.startTool)
			r.Post("/stop", a.stopTool)
			r.Post("/force-stop", a.forceStopTool)
			r.Post("/update", a.updateTool)
			r.Post("/invoke", a.invoke)
			r.Post("/call", a.callTool)
		})
	})

	r.Get("/running", a.running)
	r.Get("/processes", a.processes)
	r.Get("/gateway", a.gatewayMethods)

	r.Route("/installs", func(r chi.Router) {
		r.Get("/", a.jobs)
		r.Post("/", a.startInstall)
		r.Delete("/{toolID}", a.cancelInstall)
	})

	r.Route("/catalog", func(r chi.Router) {
		r.Get("/", a.searchCatalog)
		r.Delete("/cache", a.clearCatalogCache)
		r.Get("/{toolID}", a.catalogEntry)
	})

	r.Route("/python", func(r chi.Router) {
		r.Get("/", a.pythonStatus)
		r.Post("/ensure", a.ensurePython)
	})

	r.Post("/maintenance/sweep", a.sweepTemp)
	return r
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("Failed to write response", zap.Error(err))
	}
}

// writeResult writes a host result. Failed operations are reported with 400
// and the same body shape.
func writeResult(w http.ResponseWriter, res host.Result) {
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, res)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, host.Result{Success: false, Error: err.Error()})
}

// decodeBody decodes an optional JSON body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listTools(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, a.host.ListTools())
}

func (a *API) getTool(w http.ResponseWriter, r *http.Request) {
	res := a.host.Tool(chi.URLParam(r, "toolID"))
	if !res.Success {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeResult(w, res)
}

func (a *API) uninstallTool(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.UninstallTool(r.Context(), chi.URLParam(r, "toolID")))
}

func (a *API) startTool(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.StartTool(r.Context(), chi.URLParam(r, "toolID")))
}

func (a *API) stopTool(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.StopTool(chi.URLParam(r, "toolID")))
}

func (a *API) forceStopTool(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.ForceStopTool(r.Context(), chi.URLParam(r, "toolID")))
}

func (a *API) updateTool(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.UpdateTool(r.Context(), chi.URLParam(r, "toolID"), nil))
}

func (a *API) outdated(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.Outdated(r.Context()))
}

type invokeRequest struct {
	Module  string          `json:"module"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a *API) invoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Module == "" || req.Method == "" {
		writeError(w, http.StatusBadRequest, errors.New("module and method are required"))
		return
	}
	writeResult(w, a.host.Invoke(r.Context(), chi.URLParam(r, "toolID"), req.Module, req.Method, req.Payload))
}

type callRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeout,omitempty"`
}

func (a *API) callTool(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, errors.New("method is required"))
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	writeResult(w, a.host.CallTool(r.Context(), chi.URLParam(r, "toolID"), req.Method, req.Params, timeout))
}

func (a *API) running(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, host.Result{Success: true, Data: a.host.Running()})
}

func (a *API) processes(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, a.host.Processes())
}

func (a *API) gatewayMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, host.Result{Success: true, Data: a.host.GatewayMethods()})
}

type installRequest struct {
	// ID and Version select a catalog entry
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	// Entry installs directly without consulting the catalog
	Entry *installer.Entry `json:"entry,omitempty"`
}

// startInstall starts an install job and returns its id at once. Progress is
// published on the event stream.
func (a *API) startInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry := req.Entry
	if entry == nil {
		if req.ID == "" {
			writeError(w, http.StatusBadRequest, errors.New("id or entry is required"))
			return
		}
		res := a.host.CatalogEntry(r.Context(), req.ID, req.Version)
		if !res.Success {
			writeJSON(w, http.StatusNotFound, res)
			return
		}
		entry = res.Data.(*installer.Entry)
	}

	res := a.host.StartInstall(entry)
	if !res.Success {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type localInstallRequest struct {
	Dir string `json:"dir"`
}

func (a *API) installLocal(w http.ResponseWriter, r *http.Request) {
	var req localInstallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Dir == "" {
		writeError(w, http.StatusBadRequest, errors.New("dir is required"))
		return
	}
	writeResult(w, a.host.InstallLocal(r.Context(), req.Dir))
}

func (a *API) jobs(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, a.host.Jobs())
}

func (a *API) cancelInstall(w http.ResponseWriter, r *http.Request) {
	res := a.host.CancelInstall(chi.URLParam(r, "toolID"))
	if !res.Success {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeResult(w, res)
}

func (a *API) searchCatalog(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.SearchCatalog(r.Context(), r.URL.Query().Get("q")))
}

func (a *API) catalogEntry(w http.ResponseWriter, r *http.Request) {
	res := a.host.CatalogEntry(r.Context(), chi.URLParam(r, "toolID"), r.URL.Query().Get("version"))
	if !res.Success {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeResult(w, res)
}

func (a *API) clearCatalogCache(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, a.host.ClearCatalogCache())
}

func (a *API) pythonStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.PythonStatus(r.Context()))
}

func (a *API) ensurePython(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.host.EnsurePython(r.Context(), nil))
}

func (a *API) sweepTemp(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, a.host.SweepTemp())
}

// eventFilter builds a filter from the tool and kind query parameters. Kinds
// are comma separated.
func eventFilter(r *http.Request) events.Filter {
	toolID := r.URL.Query().Get("tool")
	kinds := mapset.NewSet[events.Kind]()
	for _, k := range strings.Split(r.URL.Query().Get("kind"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds.Add(events.Kind(k))
		}
	}
	return func(e events.Event) bool {
		if toolID != "" && e.ToolID != toolID {
			return false
		}
		return kinds.IsEmpty() || kinds.Contains(e.Kind)
	}
}

// streamEvents writes host events as server-sent events until the client goes away
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	sub, unsubscribe := a.host.Subscribe(0, eventFilter(r))
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := a.clock.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.Chan():
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				zap.L().Warn("Failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// requestLogger logs each request at debug level with its duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// recoverer turns a handler panic into a 500 response
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				core.LogPanicRecovery("http handler", rec)
				writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
