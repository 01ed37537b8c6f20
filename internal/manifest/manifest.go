// Package manifest parses and validates tool manifests (manifest.json) and the
// permissions a tool declares.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"

	"github.com/dorcha-inc/toolhost/internal/core"
)

// FileName is the name of the manifest file at the root of every installed tool
const FileName = "manifest.json"

// RuntimeType discriminates the runtime variant of a tool
type RuntimeType string

const (
	RuntimeStandalone  RuntimeType = "standalone"
	RuntimeBinary      RuntimeType = "binary"
	RuntimeWebview     RuntimeType = "webview"
	RuntimeHTTPService RuntimeType = "http-service"
	RuntimeCLI         RuntimeType = "cli"
)

// BackendType selects the interpreter used to launch a backend entry
type BackendType string

const (
	BackendPython BackendType = "python"
	BackendNode   BackendType = "node"
	BackendNative BackendType = "native"
)

// ToolManifest is the parsed form of a tool's manifest.json
type ToolManifest struct {
	ID          string         `json:"id" validate:"required,toolid"`
	Version     string         `json:"version" validate:"required,toolversion"`
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Author      string         `json:"author,omitempty"`
	Icon        string         `json:"icon,omitempty"`
	Category    string         `json:"category,omitempty"`
	Keywords    []string       `json:"keywords,omitempty"`
	Permissions []Permission   `json:"permissions,omitempty"`
	Runtime     *RuntimeConfig `json:"runtime" validate:"required"`
}

// RuntimeConfig describes how a tool runs. Which fields apply depends on Type.
type RuntimeConfig struct {
	Type RuntimeType `json:"type" validate:"required,oneof=standalone binary webview http-service cli"`

	// standalone
	Entry        string `json:"entry,omitempty"`
	Requirements string `json:"requirements,omitempty"`

	// binary
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// webview
	UI *UIConfig `json:"ui,omitempty"`

	// http-service path component of the service URL
	Path string `json:"path,omitempty"`

	// webview, http-service and cli
	Backend *BackendConfig `json:"backend,omitempty"`
}

// UIConfig is the frontend entry of a webview tool
type UIConfig struct {
	Entry string `json:"entry" validate:"required"`
}

// BackendConfig describes a backend process. It is immutable once a process has
// been spawned from it.
type BackendConfig struct {
	Type         BackendType       `json:"type" validate:"required,oneof=python node native"`
	Entry        string            `json:"entry" validate:"required"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Requirements string            `json:"requirements,omitempty"`
	KeepAlive    bool              `json:"keepAlive,omitempty"`
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// Interpreter runs a native script entry as "interpreter entry args...". It is
	// detected from the entry's shebang when the tool is loaded, never read from
	// the manifest file.
	Interpreter string `json:"-"`
}

// ResolveEntry returns the entry path resolved against toolDir unless it is absolute
func (b *BackendConfig) ResolveEntry(toolDir string) string {
	return resolvePath(toolDir, b.Entry)
}

// ResolveRequirements returns the requirements path resolved against toolDir,
// or "" when no requirements file is declared
func (b *BackendConfig) ResolveRequirements(toolDir string) string {
	if b.Requirements == "" {
		return ""
	}
	return resolvePath(toolDir, b.Requirements)
}

func resolvePath(toolDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(toolDir, p)
}

// ErrNoBackend is returned when a tool's runtime does not define a backend process
var ErrNoBackend = errors.New("tool runtime does not define a backend")

// InferBackendType guesses the backend type from an entry's file extension
func InferBackendType(entry string) BackendType {
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".py", ".pyw":
		return BackendPython
	case ".js", ".mjs", ".cjs":
		return BackendNode
	default:
		return BackendNative
	}
}

// Backend returns the backend configuration the tool's runtime implies. Standalone
// entries are launched as backends of the inferred type and binary tools as native
// backends running their command.
func (m *ToolManifest) Backend() (*BackendConfig, error) {
	if m.Runtime == nil {
		return nil, ErrNoBackend
	}

	switch m.Runtime.Type {
	case RuntimeStandalone:
		return &BackendConfig{
			Type:         InferBackendType(m.Runtime.Entry),
			Entry:        m.Runtime.Entry,
			Args:         m.Runtime.Args,
			Requirements: m.Runtime.Requirements,
		}, nil
	case RuntimeBinary:
		return &BackendConfig{
			Type:  BackendNative,
			Entry: m.Runtime.Command,
			Args:  m.Runtime.Args,
		}, nil
	default:
		if m.Runtime.Backend == nil {
			return nil, ErrNoBackend
		}
		return m.Runtime.Backend, nil
	}
}

// Grant returns the permission grant declared by the manifest
func (m *ToolManifest) Grant() PermissionGrant {
	return NewPermissionGrant(m.Permissions...)
}

// Parse decodes a manifest from JSON without validating it
func Parse(data []byte) (*ToolManifest, error) {
	var m ToolManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	return &m, nil
}

// Load loads and parses manifest.json from the given tool directory
func Load(toolDir string) (*ToolManifest, error) {
	// Open root directory for secure file access
	root, err := os.OpenRoot(toolDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open tool directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	data, err := root.ReadFile(FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	return Parse(data)
}

// Marshal encodes a manifest as indented JSON
func Marshal(m *ToolManifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

var toolIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateToolID checks that id is safe to use as a single path component
func ValidateToolID(id string) error {
	if !toolIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid tool id %q: must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// IsValidVersion reports whether v is a semantic version, with or without a leading "v"
func IsValidVersion(v string) bool {
	return semver.IsValid(CanonicalVersion(v))
}

// CanonicalVersion returns v with the "v" prefix golang.org/x/mod/semver expects
func CanonicalVersion(v string) string {
	return "v" + strings.TrimPrefix(v, "v")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	mustRegister(v, "toolid", func(fl validator.FieldLevel) bool {
		return ValidateToolID(fl.Field().String()) == nil
	})
	mustRegister(v, "toolversion", func(fl validator.FieldLevel) bool {
		return IsValidVersion(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("failed to register %s validation: %v", tag, err))
	}
}
