package gateway

import (
	"fmt"
	"strings"

	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// PermissionError is returned when the calling tool lacks a permission the method requires
type PermissionError struct {
	ToolID  string                `json:"tool_id"`
	Module  Module                `json:"module"`
	Method  string                `json:"method"`
	Missing []manifest.Permission `json:"missing"`
}

// Error returns the error message for the PermissionError
func (e *PermissionError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		missing[i] = string(p)
	}
	return fmt.Sprintf("Permission denied for %s on %s.%s: missing [%s]",
		e.ToolID, e.Module, e.Method, strings.Join(missing, ", "))
}

// NewPermissionError creates a new PermissionError
func NewPermissionError(toolID string, module Module, method string, missing []manifest.Permission) *PermissionError {
	return &PermissionError{ToolID: toolID, Module: module, Method: method, Missing: missing}
}

// Interface guard for PermissionError
var _ error = &PermissionError{}

// SecurityError is returned for requests that would break out of a tool's sandbox
type SecurityError struct {
	Reason string `json:"reason"`
}

// Error returns the error message for the SecurityError
func (e *SecurityError) Error() string {
	return "Security Error: " + e.Reason
}

// NewSecurityError creates a new SecurityError
func NewSecurityError(reason string) *SecurityError {
	return &SecurityError{Reason: reason}
}

// Interface guard for SecurityError
var _ error = &SecurityError{}

var (
	errSandboxEscape = NewSecurityError("access outside tool sandbox is not allowed")
	errChaining      = NewSecurityError("command chaining is not allowed")
)

// UnknownMethodError is returned for modules or methods the gateway does not provide
type UnknownMethodError struct {
	Module string `json:"module"`
	Method string `json:"method"`
}

// Error returns the error message for the UnknownMethodError
func (e *UnknownMethodError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("unknown module %q", e.Module)
	}
	return fmt.Sprintf("unknown method %s.%s", e.Module, e.Method)
}

// NewUnknownMethodError creates a new UnknownMethodError
func NewUnknownMethodError(module string, method string) *UnknownMethodError {
	return &UnknownMethodError{Module: module, Method: method}
}

// Interface guard for UnknownMethodError
var _ error = &UnknownMethodError{}

// InvalidParamsError is returned when a payload does not match what the method expects
type InvalidParamsError struct {
	Module Module `json:"module"`
	Method string `json:"method"`
	Reason string `json:"reason"`
}

// Error returns the error message for the InvalidParamsError
func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params for %s.%s: %s", e.Module, e.Method, e.Reason)
}

// NewInvalidParamsError creates a new InvalidParamsError
func NewInvalidParamsError(module Module, method string, reason string) *InvalidParamsError {
	return &InvalidParamsError{Module: module, Method: method, Reason: reason}
}

// Interface guard for InvalidParamsError
var _ error = &InvalidParamsError{}
