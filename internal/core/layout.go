package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetHostHomeDirFunc returns the ~/.toolhost directory path (can be swapped for testing)
var GetHostHomeDirFunc = func() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".toolhost"), nil
}

// Layout resolves the on-disk locations owned by the host under a single data root:
//
//	<data>/tools/<id>/        installed tools (owned by the installer)
//	<data>/plugin-envs/<id>/  per-tool python environments (owned by the python manager)
//	<data>/tool-data/<id>/    per-tool sandbox for fs and storage calls
//	<data>/temp/              transient download artifacts
//	<data>/python/            shared interpreter, shared venv and uv bootstrap
//	<data>/cache/             catalog cache
type Layout struct {
	DataDir string
}

// NewLayout creates a layout rooted at dataDir
func NewLayout(dataDir string) *Layout {
	return &Layout{DataDir: dataDir}
}

func (l *Layout) ToolsDir() string {
	return filepath.Join(l.DataDir, "tools")
}

func (l *Layout) ToolDir(toolID string) string {
	return filepath.Join(l.ToolsDir(), toolID)
}

func (l *Layout) EnvsDir() string {
	return filepath.Join(l.DataDir, "plugin-envs")
}

func (l *Layout) ToolEnvDir(toolID string) string {
	return filepath.Join(l.EnvsDir(), toolID)
}

func (l *Layout) ToolDataRoot() string {
	return filepath.Join(l.DataDir, "tool-data")
}

func (l *Layout) ToolDataDir(toolID string) string {
	return filepath.Join(l.ToolDataRoot(), toolID)
}

func (l *Layout) TempDir() string {
	return filepath.Join(l.DataDir, "temp")
}

func (l *Layout) PythonDir() string {
	return filepath.Join(l.DataDir, "python")
}

func (l *Layout) CacheDir() string {
	return filepath.Join(l.DataDir, "cache")
}

// EnsureDirs creates every top-level directory of the layout
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.ToolsDir(), l.EnvsDir(), l.ToolDataRoot(), l.TempDir(), l.PythonDir(), l.CacheDir()} {
		// #nosec G301 -- data directories are private to the user running the host
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
