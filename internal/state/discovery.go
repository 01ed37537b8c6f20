package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// ScanInstalledTools reads every <dir>/<id>/manifest.json. Hidden entries such
// as staging and backup directories are skipped, and so are directories whose
// manifest is missing, invalid or declares a different id. A missing dir holds
// no tools.
func ScanInstalledTools(dir string) (map[string]*InstalledTool, error) {
	tools := make(map[string]*InstalledTool)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return tools, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tools directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		tool, err := loadInstalledTool(filepath.Join(dir, entry.Name()), entry.Name())
		if err != nil {
			zap.L().Warn("Skipping tool directory", zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		tools[tool.ID] = tool
	}

	zap.L().Debug("Scanned installed tools", zap.String("dir", dir), zap.Int("count", len(tools)))
	return tools, nil
}

func loadInstalledTool(toolDir string, dirName string) (*InstalledTool, error) {
	m, err := manifest.Load(toolDir)
	if err != nil {
		return nil, err
	}
	if err := m.ValidateForInstall(dirName); err != nil {
		return nil, err
	}

	tool := &InstalledTool{
		ID:       m.ID,
		Path:     toolDir,
		Manifest: m,
	}

	backend, err := m.Backend()
	if err == nil && backend.Type == manifest.BackendNative {
		interpreter, shebangErr := ParseShebang(toolDir, backend.Entry)
		if shebangErr != nil {
			var readErr *ShebangFileReadError
			if errors.As(shebangErr, &readErr) {
				zap.L().Warn("Failed to read backend entry", zap.String("tool", m.ID), zap.Error(shebangErr))
			} else {
				zap.L().Debug("Backend entry has no shebang (could be a binary executable)",
					zap.String("tool", m.ID), zap.Error(shebangErr))
			}
		}
		tool.Interpreter = interpreter
	}
	return tool, nil
}
