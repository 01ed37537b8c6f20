package state

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dorcha-inc/toolhost/internal/core"
)

// maxShebangLength bounds how much of an entry file is read to find its interpreter
const maxShebangLength = 512

// ShebangIncorrectFieldCountError is returned when a shebang names no interpreter
type ShebangIncorrectFieldCountError struct {
	Path  string `json:"path"`
	Line  string `json:"line"`
	Count int    `json:"count"`
}

// Error returns the error message for the ShebangIncorrectFieldCountError
func (e *ShebangIncorrectFieldCountError) Error() string {
	return fmt.Sprintf("invalid shebang: %s, expected an interpreter, got %d fields", e.Line, e.Count)
}

// NewShebangIncorrectFieldCountError creates a new ShebangIncorrectFieldCountError
func NewShebangIncorrectFieldCountError(path string, line string, count int) *ShebangIncorrectFieldCountError {
	return &ShebangIncorrectFieldCountError{Path: path, Line: line, Count: count}
}

// Interface guard for ShebangIncorrectFieldCountError
var _ error = &ShebangIncorrectFieldCountError{}

// ShebangFileReadError is returned when the entry file cannot be read
type ShebangFileReadError struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

// Error returns the error message for the ShebangFileReadError
func (e *ShebangFileReadError) Error() string {
	return fmt.Sprintf("failed to read shebang file %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying read error
func (e *ShebangFileReadError) Unwrap() error {
	return e.Err
}

// NewShebangFileReadError creates a new ShebangFileReadError
func NewShebangFileReadError(path string, err error) *ShebangFileReadError {
	return &ShebangFileReadError{Path: path, Err: err}
}

// Interface guard for ShebangFileReadError
var _ error = &ShebangFileReadError{}

// ShebangInvalidPrefixError is returned when the entry does not start with #!
type ShebangInvalidPrefixError struct {
	Path string `json:"path"`
}

// Error returns the error message for the ShebangInvalidPrefixError
func (e *ShebangInvalidPrefixError) Error() string {
	return fmt.Sprintf("%s does not start with a shebang", e.Path)
}

// NewShebangInvalidPrefixError creates a new ShebangInvalidPrefixError
func NewShebangInvalidPrefixError(path string) *ShebangInvalidPrefixError {
	return &ShebangInvalidPrefixError{Path: path}
}

// Interface guard for ShebangInvalidPrefixError
var _ error = &ShebangInvalidPrefixError{}

// ParseShebang reads the shebang of entry inside toolDir and returns the
// interpreter it names. "#!/usr/bin/env python3 -u" yields "python3"; any other
// form yields the interpreter path itself.
func ParseShebang(toolDir string, entry string) (string, error) {
	root, err := os.OpenRoot(toolDir)
	if err != nil {
		return "", NewShebangFileReadError(entry, err)
	}
	defer core.LogDeferredError(root.Close)

	file, err := root.Open(filepath.FromSlash(entry))
	if err != nil {
		return "", NewShebangFileReadError(entry, err)
	}
	defer core.LogDeferredError(file.Close)

	head := make([]byte, maxShebangLength)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", NewShebangFileReadError(entry, err)
	}
	head = head[:n]

	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	return parseShebangLine(entry, strings.TrimSpace(string(line)))
}

func parseShebangLine(entry string, line string) (string, error) {
	if !strings.HasPrefix(line, "#!") {
		return "", NewShebangInvalidPrefixError(entry)
	}

	fields := strings.Fields(line[2:])
	if len(fields) == 0 {
		return "", NewShebangIncorrectFieldCountError(entry, line, 0)
	}

	interpreter := fields[0]
	if path.Base(interpreter) != "env" {
		return interpreter, nil
	}

	for _, field := range fields[1:] {
		// env -S and similar flags precede the program name
		if strings.HasPrefix(field, "-") {
			continue
		}
		return field, nil
	}
	return "", NewShebangIncorrectFieldCountError(entry, line, len(fields))
}
