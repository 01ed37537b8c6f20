package tool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/state"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// readmeNames are tried in order when showing a tool's README
var readmeNames = []string{"README.md", "readme.md", "README"}

// InfoOptions configures the output format for tool info
type InfoOptions struct {
	JSON bool
	// NoReadme skips rendering the tool's README
	NoReadme bool
	UI       *tui.UI
}

// GetToolInfo displays detailed information about an installed tool
func GetToolInfo(h Host, toolID string, opts InfoOptions) error {
	ui := uiOrDefault(opts.UI)
	out := ui.Out()

	tool, err := resultData[*state.InstalledTool](h.Tool(toolID))
	if err != nil {
		return err
	}
	m := tool.Manifest

	if opts.JSON {
		return writeJSON(out, tool)
	}

	field := func(label string, value string) {
		if value != "" {
			core.MustFprintf(out, "%s %s\n", ui.Heading(fmt.Sprintf("%-12s", label+":")), value)
		}
	}

	field("ID", m.ID)
	field("Name", m.Name)
	field("Version", m.Version)
	field("Description", m.Description)
	field("Author", m.Author)
	field("Category", m.Category)
	field("Path", tool.Path)
	if len(m.Keywords) > 0 {
		field("Keywords", strings.Join(m.Keywords, ", "))
	}

	if rt := m.Runtime; rt != nil {
		field("Runtime", string(rt.Type))
		field("Entry", rt.Entry)
		field("Command", rt.Command)
		if rt.UI != nil {
			field("UI", rt.UI.Entry)
		}
	}
	if backend, err := m.Backend(); err == nil {
		field("Backend", fmt.Sprintf("%s %s", backend.Type, backend.Entry))
		if backend.KeepAlive {
			field("Keep alive", "yes")
		}
	}
	field("Interpreter", tool.Interpreter)

	if len(m.Permissions) > 0 {
		perms := make([]string, len(m.Permissions))
		for i, p := range m.Permissions {
			perms[i] = string(p)
		}
		sort.Strings(perms)
		core.MustFprintf(out, "%s\n", ui.Heading("Permissions:"))
		for _, p := range perms {
			core.MustFprintf(out, "  - %s\n", p)
		}
	}

	if opts.NoReadme {
		return nil
	}
	readme, err := readReadme(tool.Path)
	if err != nil {
		zap.L().Debug("No readable README", zap.String("tool", toolID), zap.Error(err))
		return nil
	}
	rendered, err := ui.RenderMarkdown(readme)
	if err != nil {
		zap.L().Warn("Failed to render README", zap.String("tool", toolID), zap.Error(err))
	}
	core.MustFprintf(out, "\n%s", rendered)
	if !strings.HasSuffix(rendered, "\n") {
		core.MustFprintf(out, "\n")
	}
	return nil
}

// readReadme returns the first README found in toolDir
func readReadme(toolDir string) (string, error) {
	root, err := os.OpenRoot(toolDir)
	if err != nil {
		return "", fmt.Errorf("failed to open tool directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	for _, name := range readmeNames {
		data, err := root.ReadFile(name)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
	}
	return "", fs.ErrNotExist
}
