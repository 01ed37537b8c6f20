package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/events"
)

// DefaultCallTimeout is used when a call does not specify a timeout
const DefaultCallTimeout = 30 * time.Second

// NewChannelID returns a fresh channel id for a tool. Channel ids are never reused,
// so restarting a tool always yields a new id.
func NewChannelID(toolID string) string {
	return toolID + ":" + uuid.NewString()
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest is a call waiting for its response. done is buffered so that
// whichever path removes the entry from the pending map can deliver without blocking.
type pendingRequest struct {
	method  string
	started time.Time
	done    chan callResult
}

// Options configures a Channel
type Options struct {
	ToolID string
	// DefaultTimeout applies to calls made with a zero timeout
	DefaultTimeout time.Duration
	Clock          clockwork.Clock
	// Events receives ready, event, log, stdout and notification events
	Events events.Publisher
}

// outbound is a line waiting for the channel's writer goroutine
type outbound struct {
	line    []byte
	written chan error
}

// Channel correlates JSON-RPC requests written to a backend with the responses
// read back from it. Writes happen on a dedicated goroutine in issuance order, so
// a backend that stops reading never blocks a caller.
type Channel struct {
	id             string
	toolID         string
	defaultTimeout time.Duration
	clock          clockwork.Clock
	events         events.Publisher

	writer  io.Writer
	queueMu sync.Mutex
	queue   []outbound
	wake    chan struct{}

	pending *xsync.MapOf[string, *pendingRequest]

	readyCh   chan struct{}
	readyOnce sync.Once
	infoMu    sync.RWMutex
	methods   []string
	version   string

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  *ClosedError
}

// NewChannel creates a channel that writes requests to w
func NewChannel(id string, w io.Writer, opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultCallTimeout
	}

	c := &Channel{
		id:             id,
		toolID:         opts.ToolID,
		defaultTimeout: opts.DefaultTimeout,
		clock:          opts.Clock,
		events:         opts.Events,
		writer:         w,
		wake:           make(chan struct{}, 1),
		pending:        xsync.NewMapOf[string, *pendingRequest](),
		readyCh:        make(chan struct{}),
		closed:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the channel id
func (c *Channel) ID() string {
	return c.id
}

// ToolID returns the id of the tool the channel belongs to
func (c *Channel) ToolID() string {
	return c.toolID
}

// Ready is closed once the backend has sent $ready
func (c *Channel) Ready() <-chan struct{} {
	return c.readyCh
}

// IsReady reports whether $ready has been received
func (c *Channel) IsReady() bool {
	select {
	case <-c.readyCh:
		return true
	default:
		return false
	}
}

// Done is closed once the channel has been closed
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Methods returns the methods advertised in $ready
func (c *Channel) Methods() []string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return slices.Clone(c.methods)
}

// BackendVersion returns the version advertised in $ready, if any
func (c *Channel) BackendVersion() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.version
}

// PendingCount returns the number of calls waiting for a response
func (c *Channel) PendingCount() int {
	return c.pending.Size()
}

// WaitForReady blocks until $ready has been received, the channel closes, ctx is
// done or timeout elapses. A zero timeout uses the channel's default timeout.
func (c *Channel) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.readyCh:
		return nil
	case <-c.closed:
		return c.closeErr
	case <-timer.Chan():
		return NewTimeoutError(MethodReady, timeout)
	case <-ctx.Done():
		return fmt.Errorf("wait for ready cancelled: %w", ctx.Err())
	}
}

// Call sends a request and waits for its response. Exactly one outcome is delivered:
// the result, the backend's error, a TimeoutError, a ClosedError or the context's
// error. A response arriving after any other outcome is dropped.
func (c *Channel) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, c.closeErr
	default:
	}

	if method != MethodPing && !c.IsReady() {
		return nil, ErrNotReady
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	id := uuid.NewString()
	data, err := json.Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}

	pending := &pendingRequest{
		method:  method,
		started: c.clock.Now(),
		done:    make(chan callResult, 1),
	}
	c.pending.Store(id, pending)

	// Close may have swept the pending map before the Store above
	select {
	case <-c.closed:
		c.settle(id, callResult{err: c.closeErr})
	default:
	}

	timer := c.clock.AfterFunc(timeout, func() {
		if c.settle(id, callResult{err: NewTimeoutError(method, timeout)}) {
			zap.L().Warn("Backend call timed out",
				zap.String("channel_id", c.id),
				zap.String("method", method),
				zap.Duration("timeout", timeout))
		}
	})
	defer timer.Stop()

	written := c.enqueue(data)
	for {
		select {
		case err := <-written:
			written = nil
			if err != nil {
				c.settle(id, callResult{err: err})
			}
		case res := <-pending.done:
			return res.result, res.err
		case <-ctx.Done():
			c.settle(id, callResult{err: fmt.Errorf("call %s cancelled: %w", method, ctx.Err())})
			res := <-pending.done
			return res.result, res.err
		}
	}
}

// Ping sends a $ping request. It may be issued before $ready.
func (c *Channel) Ping(ctx context.Context, timeout time.Duration) error {
	_, err := c.Call(ctx, MethodPing, nil, timeout)
	return err
}

// Notify queues a notification and returns without waiting for the write.
// No response is expected or tracked.
func (c *Channel) Notify(method string, params any) error {
	_, err := c.send(Request{JSONRPC: Version, Method: method, Params: params})
	return err
}

// Shutdown queues a $shutdown notification. The returned channel receives the
// outcome of the write once the writer goroutine gets to it.
func (c *Channel) Shutdown() <-chan error {
	written, err := c.send(Request{JSONRPC: Version, Method: MethodShutdown})
	if err != nil {
		failed := make(chan error, 1)
		failed <- err
		return failed
	}
	return written
}

// PostMessage writes a caller-built JSON-RPC message as a single line
func (c *Channel) PostMessage(message json.RawMessage) error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
	}

	if kind, _ := classify(message); kind == kindInvalid {
		return NewRemoteError(CodeInvalidRequest, "message is not a JSON-RPC 2.0 object")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, message); err != nil {
		return fmt.Errorf("failed to compact message: %w", err)
	}
	c.enqueue(compact.Bytes())
	return nil
}

// Close rejects every pending call with reason and marks the channel dead.
// Only the first call has an effect.
func (c *Channel) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeErr = NewClosedError(reason)
		close(c.closed)

		rejected := 0
		c.pending.Range(func(id string, _ *pendingRequest) bool {
			if c.settle(id, callResult{err: c.closeErr}) {
				rejected++
			}
			return true
		})

		zap.L().Debug("Channel closed",
			zap.String("channel_id", c.id),
			zap.String("reason", reason),
			zap.Int("rejected_requests", rejected))
	})
}

// Serve reads newline-delimited messages from r until EOF or a read error and
// dispatches each line. It does not close the channel.
func (c *Channel) Serve(r io.Reader) error {
	return core.ScanLines(r, func(line string) {
		c.HandleLine([]byte(line))
	})
}

// HandleLine dispatches a single line of backend output
func (c *Channel) HandleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	kind, parsed := classify(line)
	switch kind {
	case kindResponse:
		c.handleResponse(line, parsed)
	case kindNotification:
		c.handleNotification(parsed)
	case kindRequest:
		c.handleRequest(parsed)
	default:
		zap.L().Debug("Discarding non JSON-RPC line from backend",
			zap.String("channel_id", c.id),
			zap.String("line", string(line)))
		c.publish(events.Event{Kind: events.KindStdout, Message: string(line)})
	}
}

// settle removes a pending request and delivers res to its caller. It returns false
// if the request was already settled, which makes every outcome at-most-once.
func (c *Channel) settle(id string, res callResult) bool {
	pending, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	pending.done <- res
	return true
}

func (c *Channel) handleResponse(line []byte, parsed gjson.Result) {
	id := parsed.Get("id").String()

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		zap.L().Warn("Discarding malformed response", zap.String("channel_id", c.id), zap.Error(err))
		c.settle(id, callResult{err: NewRemoteError(CodeParseError, fmt.Sprintf("malformed response: %v", err))})
		return
	}

	res := callResult{result: resp.Result}
	if resp.Error != nil {
		res = callResult{err: resp.Error}
	}

	if !c.settle(id, res) {
		zap.L().Warn("Dropping response with no pending request",
			zap.String("channel_id", c.id),
			zap.String("id", id))
	}
}

func (c *Channel) handleNotification(parsed gjson.Result) {
	method := parsed.Get("method").String()
	params := json.RawMessage(parsed.Get("params").Raw)

	switch method {
	case MethodReady:
		var ready ReadyParams
		if err := unmarshalParams(params, &ready); err != nil {
			zap.L().Warn("Discarding malformed $ready", zap.String("channel_id", c.id), zap.Error(err))
			return
		}
		c.markReady(ready)
	case MethodEvent:
		var event EventParams
		if err := unmarshalParams(params, &event); err != nil || event.Event == "" {
			zap.L().Warn("Discarding malformed $event", zap.String("channel_id", c.id), zap.Error(err))
			return
		}
		c.publish(events.Event{Kind: events.KindEvent, Name: event.Event, Data: event.Data})
	case MethodLog:
		var entry LogParams
		if err := unmarshalParams(params, &entry); err != nil {
			zap.L().Warn("Discarding malformed $log", zap.String("channel_id", c.id), zap.Error(err))
			return
		}
		c.logBackendLine(entry)
		c.publish(events.Event{Kind: events.KindLog, Level: entry.Level, Message: entry.Message})
	default:
		zap.L().Debug("Forwarding backend notification",
			zap.String("channel_id", c.id),
			zap.String("method", method))
		c.publish(events.Event{Kind: events.KindNotification, Name: method, Data: params})
	}
}

// handleRequest answers backend-initiated requests. The host exposes no methods to
// backends other than $ping.
func (c *Channel) handleRequest(parsed gjson.Result) {
	method := parsed.Get("method").String()
	id := json.RawMessage(parsed.Get("id").Raw)

	resp := Response{JSONRPC: Version, ID: id}
	if method == MethodPing {
		resp.Result = json.RawMessage(`"pong"`)
	} else {
		resp.Error = NewRemoteError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
	}

	if _, err := c.send(resp); err != nil {
		zap.L().Debug("Failed to answer backend request", zap.String("channel_id", c.id), zap.Error(err))
	}
}

func (c *Channel) markReady(ready ReadyParams) {
	c.readyOnce.Do(func() {
		c.infoMu.Lock()
		c.methods = slices.Clone(ready.Methods)
		c.version = ready.Version
		c.infoMu.Unlock()
		close(c.readyCh)

		zap.L().Info("Backend ready",
			zap.String("tool", c.toolID),
			zap.String("channel_id", c.id),
			zap.String("version", ready.Version),
			zap.Strings("methods", ready.Methods))
		c.publish(events.Event{Kind: events.KindReady, Methods: slices.Clone(ready.Methods)})
	})
}

func (c *Channel) logBackendLine(entry LogParams) {
	fields := []zap.Field{
		zap.String("tool", c.toolID),
		zap.String("channel_id", c.id),
	}
	switch strings.ToLower(entry.Level) {
	case "debug", "trace":
		zap.L().Debug(entry.Message, fields...)
	case "warn", "warning":
		zap.L().Warn(entry.Message, fields...)
	case "error", "fatal", "critical":
		zap.L().Error(entry.Message, fields...)
	default:
		zap.L().Info(entry.Message, fields...)
	}
}

func (c *Channel) publish(e events.Event) {
	if c.events == nil {
		return
	}
	e.ChannelID = c.id
	e.ToolID = c.toolID
	e.Time = c.clock.Now()
	c.events.Publish(e)
}

// send marshals message and queues it unless the channel is closed
func (c *Channel) send(message any) (<-chan error, error) {
	select {
	case <-c.closed:
		return nil, c.closeErr
	default:
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}
	return c.enqueue(data), nil
}

// enqueue appends data as one line to the write queue. It never blocks.
func (c *Channel) enqueue(data []byte) <-chan error {
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	out := outbound{line: line, written: make(chan error, 1)}

	c.queueMu.Lock()
	c.queue = append(c.queue, out)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return out.written
}

func (c *Channel) dequeue() (outbound, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return outbound{}, false
	}
	out := c.queue[0]
	c.queue[0] = outbound{}
	c.queue = c.queue[1:]
	return out, true
}

// writeLoop drains the write queue until the channel closes. A write blocked on a
// full pipe is released when the owner closes the writer or the process dies.
func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.closed:
			for {
				out, ok := c.dequeue()
				if !ok {
					return
				}
				out.written <- c.closeErr
			}
		}

		for {
			out, ok := c.dequeue()
			if !ok {
				break
			}
			select {
			case <-c.closed:
				out.written <- c.closeErr
				continue
			default:
			}
			if _, err := c.writer.Write(out.line); err != nil {
				zap.L().Debug("Failed to write to backend", zap.String("channel_id", c.id), zap.Error(err))
				out.written <- fmt.Errorf("failed to write to backend: %w", err)
				continue
			}
			out.written <- nil
		}
	}
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}
