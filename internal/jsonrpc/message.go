// Package jsonrpc frames a child process's standard I/O as a line-delimited
// JSON-RPC 2.0 transport and correlates requests with their responses.
package jsonrpc

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Version is the only protocol version accepted on the wire
const Version = "2.0"

// Reserved methods
const (
	// MethodReady is sent by a backend once it can serve calls
	MethodReady = "$ready"
	// MethodEvent carries an application-level event from a backend
	MethodEvent = "$event"
	// MethodLog carries a log line from a backend
	MethodLog = "$log"
	// MethodShutdown asks a backend to exit gracefully
	MethodShutdown = "$shutdown"
	// MethodPing is a liveness check answered by backends before and after $ready
	MethodPing = "$ping"
)

// JSON-RPC error codes
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeServerError     = -32000
	CodeTimeout         = -32001
	CodeBackendNotReady = -32002
	CodeBackendCrashed  = -32003
)

// Request is a JSON-RPC request or, when ID is empty, a notification
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// ReadyParams are the params of a $ready notification
type ReadyParams struct {
	Version string   `json:"version,omitempty"`
	Methods []string `json:"methods"`
}

// EventParams are the params of an $event notification
type EventParams struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LogParams are the params of a $log notification
type LogParams struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp any    `json:"timestamp,omitempty"`
}

type messageKind int

const (
	kindInvalid messageKind = iota
	kindRequest
	kindResponse
	kindNotification
)

func (k messageKind) String() string {
	switch k {
	case kindRequest:
		return "request"
	case kindResponse:
		return "response"
	case kindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// classify decides what a single line is without fully decoding it. Lines that are
// not JSON objects with "jsonrpc":"2.0" are invalid.
func classify(line []byte) (messageKind, gjson.Result) {
	if !gjson.ValidBytes(line) {
		return kindInvalid, gjson.Result{}
	}
	parsed := gjson.ParseBytes(line)
	if !parsed.IsObject() || parsed.Get("jsonrpc").String() != Version {
		return kindInvalid, parsed
	}

	id := parsed.Get("id")
	hasID := id.Exists() && id.Type != gjson.Null
	hasMethod := parsed.Get("method").Type == gjson.String

	switch {
	case hasID && hasMethod:
		return kindRequest, parsed
	case hasID:
		return kindResponse, parsed
	case hasMethod:
		return kindNotification, parsed
	default:
		return kindInvalid, parsed
	}
}
