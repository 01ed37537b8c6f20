package supervisor

import "fmt"

// ProcessNotFoundError is returned when no live backend process owns a channel id
type ProcessNotFoundError struct {
	ChannelID string `json:"channel_id"`
}

// Error returns the error message for the ProcessNotFoundError
func (e *ProcessNotFoundError) Error() string {
	return fmt.Sprintf("no backend process for channel %s", e.ChannelID)
}

// NewProcessNotFoundError creates a new ProcessNotFoundError
func NewProcessNotFoundError(channelID string) *ProcessNotFoundError {
	return &ProcessNotFoundError{ChannelID: channelID}
}

// Interface guard for ProcessNotFoundError
var _ error = &ProcessNotFoundError{}

// SpawnError is returned when a backend process could not be launched
type SpawnError struct {
	ToolID  string `json:"tool_id"`
	Command string `json:"command"`
	Err     error  `json:"-"`
}

// Error returns the error message for the SpawnError
func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start backend for %s (%s): %v", e.ToolID, e.Command, e.Err)
}

// Unwrap returns the underlying spawn failure
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// NewSpawnError creates a new SpawnError
func NewSpawnError(toolID string, command string, err error) *SpawnError {
	return &SpawnError{ToolID: toolID, Command: command, Err: err}
}

// Interface guard for SpawnError
var _ error = &SpawnError{}
