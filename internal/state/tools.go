// Package state tracks the tools installed under the host's data directory.
package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// maxSuggestionDistance bounds the edit distance of a "did you mean" suggestion
const maxSuggestionDistance = 2

// ToolNotFoundError is returned when a tool id is not installed
type ToolNotFoundError struct {
	ID         string `json:"id"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Error returns the error message for the ToolNotFoundError
func (e *ToolNotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("tool not found: %s (did you mean %s?)", e.ID, e.Suggestion)
	}
	return fmt.Sprintf("tool not found: %s", e.ID)
}

// NewToolNotFoundError creates a new ToolNotFoundError
func NewToolNotFoundError(id string, suggestion string) *ToolNotFoundError {
	return &ToolNotFoundError{ID: id, Suggestion: suggestion}
}

// Interface guard for ToolNotFoundError
var _ error = &ToolNotFoundError{}

// InstalledTool is a tool found on disk
type InstalledTool struct {
	ID       string                 `json:"id"`
	Path     string                 `json:"path"`
	Manifest *manifest.ToolManifest `json:"manifest"`
	// Interpreter is the shebang interpreter of a native script backend
	Interpreter string `json:"interpreter,omitempty"`
}

// ToolsRegistry is the in-memory view of the tools directory
type ToolsRegistry struct {
	layout *core.Layout

	mu    sync.RWMutex
	tools map[string]*InstalledTool
}

// NewToolsRegistry creates an empty registry over layout
func NewToolsRegistry(layout *core.Layout) *ToolsRegistry {
	return &ToolsRegistry{
		layout: layout,
		tools:  make(map[string]*InstalledTool),
	}
}

// LoadToolsRegistry creates a registry populated from the tools directory
func LoadToolsRegistry(layout *core.Layout) (*ToolsRegistry, error) {
	r := NewToolsRegistry(layout)
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rescans the tools directory and replaces the registry contents
func (r *ToolsRegistry) Refresh() error {
	tools, err := ScanInstalledTools(r.layout.ToolsDir())
	if err != nil {
		return fmt.Errorf("failed to scan installed tools: %w", err)
	}

	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()
	return nil
}

// Reload reads one tool from disk and replaces its entry, or drops the entry
// when the tool is no longer installed
func (r *ToolsRegistry) Reload(toolID string) (*InstalledTool, error) {
	tool, err := loadInstalledTool(r.layout.ToolDir(toolID), toolID)
	if err != nil {
		r.Remove(toolID)
		return nil, err
	}

	r.mu.Lock()
	r.tools[toolID] = tool
	r.mu.Unlock()
	return tool, nil
}

// Remove drops a tool from the registry
func (r *ToolsRegistry) Remove(toolID string) {
	r.mu.Lock()
	delete(r.tools, toolID)
	r.mu.Unlock()
}

// GetTool returns an installed tool
func (r *ToolsRegistry) GetTool(toolID string) (*InstalledTool, error) {
	r.mu.RLock()
	tool, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFoundError(toolID, r.Suggest(toolID))
	}
	return tool, nil
}

// ListTools returns every installed tool sorted by id
func (r *ToolsRegistry) ListTools() []*InstalledTool {
	r.mu.RLock()
	tools := make([]*InstalledTool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools
}

// Manifest returns the manifest of an installed tool
func (r *ToolsRegistry) Manifest(toolID string) (*manifest.ToolManifest, error) {
	tool, err := r.GetTool(toolID)
	if err != nil {
		return nil, err
	}
	return tool.Manifest, nil
}

// ToolDir returns the installation directory of a tool
func (r *ToolsRegistry) ToolDir(toolID string) string {
	return r.layout.ToolDir(toolID)
}

// Suggest returns the installed tool id closest to toolID, or "" when nothing is close
func (r *ToolsRegistry) Suggest(toolID string) string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return SuggestSimilar(ids, toolID)
}

// SuggestSimilar finds the candidate with the smallest Levenshtein distance to
// name, ignoring case. Ties go to the alphabetically first candidate.
func SuggestSimilar(candidates []string, name string) string {
	sort.Strings(candidates)

	best := ""
	bestDistance := maxSuggestionDistance + 1
	nameLower := strings.ToLower(name)
	for _, candidate := range candidates {
		if candidate == name {
			continue
		}
		distance := levenshtein.ComputeDistance(nameLower, strings.ToLower(candidate))
		if distance < bestDistance {
			bestDistance = distance
			best = candidate
		}
	}
	return best
}
