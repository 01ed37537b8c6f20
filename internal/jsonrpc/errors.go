package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RemoteError is a JSON-RPC error object returned by a backend
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error returns the error message sent by the backend
func (e *RemoteError) Error() string {
	return e.Message
}

// NewRemoteError creates a new RemoteError
func NewRemoteError(code int, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// Interface guard for RemoteError
var _ error = &RemoteError{}

// TimeoutError is returned when a call receives no response before its deadline
type TimeoutError struct {
	Method  string        `json:"method"`
	Timeout time.Duration `json:"timeout"`
}

// Error returns the error message for the TimeoutError
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v", e.Method, e.Timeout)
}

// NewTimeoutError creates a new TimeoutError
func NewTimeoutError(method string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{Method: method, Timeout: timeout}
}

// Interface guard for TimeoutError
var _ error = &TimeoutError{}

// ClosedError is returned for calls on a channel whose backend has gone away.
// Every request still pending when the channel closes is rejected with it.
type ClosedError struct {
	Reason string `json:"reason"`
}

// Error returns the error message for the ClosedError
func (e *ClosedError) Error() string {
	return fmt.Sprintf("channel closed: %s", e.Reason)
}

// NewClosedError creates a new ClosedError
func NewClosedError(reason string) *ClosedError {
	return &ClosedError{Reason: reason}
}

// Interface guard for ClosedError
var _ error = &ClosedError{}

// ErrNotReady is returned for calls issued before the backend has sent $ready
var ErrNotReady = errors.New("backend not ready")

// ErrorCode maps an error returned by a Channel to its JSON-RPC error code
func ErrorCode(err error) int {
	var remoteErr *RemoteError
	var timeoutErr *TimeoutError
	var closedErr *ClosedError
	switch {
	case errors.As(err, &remoteErr):
		return remoteErr.Code
	case errors.As(err, &timeoutErr):
		return CodeTimeout
	case errors.Is(err, ErrNotReady):
		return CodeBackendNotReady
	case errors.As(err, &closedErr):
		return CodeBackendCrashed
	default:
		return CodeInternalError
	}
}
