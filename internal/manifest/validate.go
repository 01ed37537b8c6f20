package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
)

// ValidationError lists every problem found in a manifest
type ValidationError struct {
	Problems []string `json:"problems"`
}

// Error returns the error message for the ValidationError
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid manifest: %s", strings.Join(e.Problems, "; "))
}

// NewValidationError creates a new ValidationError
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// Interface guard for ValidationError
var _ error = &ValidationError{}

// Validate checks the manifest's required fields and that its runtime is exactly
// one well-formed variant
func (m *ToolManifest) Validate() error {
	var problems []string

	if err := validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("manifest validation failed: %w", err)
		}
		for _, fieldErr := range fieldErrs {
			problems = append(problems, describeFieldError(fieldErr))
		}
	}

	if m.Runtime != nil {
		problems = append(problems, m.Runtime.variantProblems()...)
	}

	for _, p := range m.Permissions {
		if !IsKnownPermission(p) {
			problems = append(problems, fmt.Sprintf("unknown permission %q", p))
		}
	}

	if len(problems) > 0 {
		return NewValidationError(problems...)
	}
	return nil
}

// ValidateForInstall validates the manifest and checks that it belongs to expectedID
func (m *ToolManifest) ValidateForInstall(expectedID string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID != expectedID {
		return NewValidationError(fmt.Sprintf("manifest id %q does not match expected tool id %q", m.ID, expectedID))
	}
	return nil
}

func describeFieldError(fieldErr validator.FieldError) string {
	field := strings.TrimPrefix(fieldErr.Namespace(), "ToolManifest.")
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fieldErr.Param(), fieldErr.Value())
	case "toolid":
		return fmt.Sprintf("%s %q is not a valid tool id", field, fieldErr.Value())
	case "toolversion":
		return fmt.Sprintf("%s %q is not a semantic version", field, fieldErr.Value())
	default:
		return fmt.Sprintf("%s failed %q validation", field, fieldErr.Tag())
	}
}

// variantProblems checks the fields that only apply to some runtime types
func (r *RuntimeConfig) variantProblems() []string {
	var problems []string
	forbid := func(set bool, field string) {
		if set {
			problems = append(problems, fmt.Sprintf("runtime.%s is not allowed for %s runtimes", field, r.Type))
		}
	}
	require := func(set bool, field string) {
		if !set {
			problems = append(problems, fmt.Sprintf("runtime.%s is required for %s runtimes", field, r.Type))
		}
	}

	switch r.Type {
	case RuntimeStandalone:
		require(r.Entry != "", "entry")
		forbid(r.Command != "", "command")
		forbid(r.UI != nil, "ui")
		forbid(r.Backend != nil, "backend")
	case RuntimeBinary:
		require(r.Command != "", "command")
		forbid(r.Entry != "", "entry")
		forbid(r.UI != nil, "ui")
		forbid(r.Backend != nil, "backend")
	case RuntimeWebview:
		require(r.UI != nil, "ui")
		forbid(r.Entry != "", "entry")
		forbid(r.Command != "", "command")
	case RuntimeHTTPService:
		require(r.Backend != nil, "backend")
		if r.Backend != nil {
			require(r.Backend.Port != 0, "backend.port")
		}
		forbid(r.Entry != "", "entry")
		forbid(r.Command != "", "command")
	case RuntimeCLI:
		require(r.Backend != nil, "backend")
		forbid(r.Entry != "", "entry")
		forbid(r.Command != "", "command")
	}
	return problems
}

// ValidateFiles checks that every relative path the runtime references exists inside
// toolDir. Paths escaping toolDir are rejected by os.Root.
func (m *ToolManifest) ValidateFiles(toolDir string) error {
	if m.Runtime == nil {
		return NewValidationError("runtime is required")
	}

	root, err := os.OpenRoot(toolDir)
	if err != nil {
		return fmt.Errorf("failed to open tool directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	var paths []string
	switch m.Runtime.Type {
	case RuntimeStandalone:
		paths = append(paths, m.Runtime.Entry, m.Runtime.Requirements)
	case RuntimeBinary:
		paths = append(paths, m.Runtime.Command)
	case RuntimeWebview:
		if m.Runtime.UI != nil {
			paths = append(paths, m.Runtime.UI.Entry)
		}
	}
	if m.Runtime.Backend != nil {
		paths = append(paths, m.Runtime.Backend.Entry, m.Runtime.Backend.Requirements)
	}

	for _, p := range paths {
		if p == "" || filepath.IsAbs(p) {
			continue
		}
		info, err := root.Stat(p)
		if err != nil {
			return fmt.Errorf("failed to validate %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return NewValidationError(fmt.Sprintf("%s is not a regular file", p))
		}
		if m.Runtime.Type == RuntimeBinary && !core.IsExecutable(info) {
			zap.L().Debug("Binary command is not executable", zap.String("tool", m.ID), zap.String("path", p))
		}
	}
	return nil
}
