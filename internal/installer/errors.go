package installer

import (
	"fmt"
)

// IntegrityError is returned when downloaded bytes do not hash to the declared value
type IntegrityError struct {
	ToolID   string `json:"tool_id"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Error returns the error message for the IntegrityError
func (e *IntegrityError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("integrity check failed for %s: %s", e.ToolID, e.Expected)
	}
	return fmt.Sprintf("integrity check failed for %s: expected sha256 %s, got %s; the download is tampered or corrupted",
		e.ToolID, e.Expected, e.Actual)
}

// NewIntegrityError creates a new IntegrityError
func NewIntegrityError(toolID string, expected string, actual string) *IntegrityError {
	return &IntegrityError{ToolID: toolID, Expected: expected, Actual: actual}
}

// Interface guard for IntegrityError
var _ error = &IntegrityError{}

// JobInFlightError is returned when an install for the same tool is already running
type JobInFlightError struct {
	ToolID string `json:"tool_id"`
	JobID  string `json:"job_id"`
}

// Error returns the error message for the JobInFlightError
func (e *JobInFlightError) Error() string {
	return fmt.Sprintf("an install for %s is already in progress (job %s)", e.ToolID, e.JobID)
}

// NewJobInFlightError creates a new JobInFlightError
func NewJobInFlightError(toolID string, jobID string) *JobInFlightError {
	return &JobInFlightError{ToolID: toolID, JobID: jobID}
}

// Interface guard for JobInFlightError
var _ error = &JobInFlightError{}

// AlreadyInstalledError is returned when installing a tool that is already installed
type AlreadyInstalledError struct {
	ToolID string `json:"tool_id"`
	Path   string `json:"path"`
}

// Error returns the error message for the AlreadyInstalledError
func (e *AlreadyInstalledError) Error() string {
	return fmt.Sprintf("tool %s is already installed at %s; use update to replace it", e.ToolID, e.Path)
}

// NewAlreadyInstalledError creates a new AlreadyInstalledError
func NewAlreadyInstalledError(toolID string, path string) *AlreadyInstalledError {
	return &AlreadyInstalledError{ToolID: toolID, Path: path}
}

// Interface guard for AlreadyInstalledError
var _ error = &AlreadyInstalledError{}

// NotInstalledError is returned when uninstalling or updating a tool that is not installed
type NotInstalledError struct {
	ToolID string `json:"tool_id"`
}

// Error returns the error message for the NotInstalledError
func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("tool %s is not installed", e.ToolID)
}

// NewNotInstalledError creates a new NotInstalledError
func NewNotInstalledError(toolID string) *NotInstalledError {
	return &NotInstalledError{ToolID: toolID}
}

// Interface guard for NotInstalledError
var _ error = &NotInstalledError{}

// NoPlatformAssetError is returned when a binary tool ships no asset for this platform
type NoPlatformAssetError struct {
	ToolID   string   `json:"tool_id"`
	Platform string   `json:"platform"`
	Offered  []string `json:"offered"`
}

// Error returns the error message for the NoPlatformAssetError
func (e *NoPlatformAssetError) Error() string {
	return fmt.Sprintf("tool %s has no binary for platform %s (available: %v)", e.ToolID, e.Platform, e.Offered)
}

// NewNoPlatformAssetError creates a new NoPlatformAssetError
func NewNoPlatformAssetError(toolID string, platform string, offered []string) *NoPlatformAssetError {
	return &NoPlatformAssetError{ToolID: toolID, Platform: platform, Offered: offered}
}

// Interface guard for NoPlatformAssetError
var _ error = &NoPlatformAssetError{}

// HTTPStatusError is returned when a download server answers with an unexpected status
type HTTPStatusError struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
}

// Error returns the error message for the HTTPStatusError
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download of %s failed with HTTP status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status is worth retrying
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

// NewHTTPStatusError creates a new HTTPStatusError
func NewHTTPStatusError(url string, statusCode int) *HTTPStatusError {
	return &HTTPStatusError{URL: url, StatusCode: statusCode}
}

// Interface guard for HTTPStatusError
var _ error = &HTTPStatusError{}
