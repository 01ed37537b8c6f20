package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sandboxRoot returns the private data directory of a tool, creating it on first use
func (g *Gateway) sandboxRoot(toolID string) (string, error) {
	dir := g.layout.ToolDataDir(toolID)
	// #nosec G301 -- tool data is private to the user running the host
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create tool data directory: %w", err)
	}
	return dir, nil
}

// sandboxPath turns a tool supplied path into a path relative to root. Relative
// paths are taken relative to root; absolute paths must already lie inside it.
// Anything that would resolve outside root is a security error.
func sandboxPath(root string, requested string) (string, error) {
	if strings.ContainsRune(requested, 0) {
		return "", errSandboxEscape
	}

	p := filepath.FromSlash(requested)
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
		if err != nil {
			return "", errSandboxEscape
		}
		p = rel
	}

	p = filepath.Clean(p)
	if p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", errSandboxEscape
	}
	return p, nil
}

// openSandbox opens the tool's data directory as an os.Root and resolves requested
// inside it. The root also rejects symlinks that point outside the sandbox.
func (g *Gateway) openSandbox(toolID string, requested string) (*os.Root, string, error) {
	dir, err := g.sandboxRoot(toolID)
	if err != nil {
		return nil, "", err
	}
	rel, err := sandboxPath(dir, requested)
	if err != nil {
		return nil, "", err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open tool data directory: %w", err)
	}
	return root, rel, nil
}

// classifyRootError turns a failed operation on rel inside root into a security
// error when rel resolves outside the sandbox through a symlink. os.Root keeps its
// escape error unexported, so its message is only matched when the path cannot be
// resolved, such as a dangling link.
func classifyRootError(root *os.Root, rel string, err error) error {
	if err == nil || errors.Is(err, errSandboxEscape) {
		return err
	}
	if resolvesOutside(root.Name(), rel) {
		return errSandboxEscape
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && strings.Contains(pathErr.Err.Error(), "path escapes") {
		return errSandboxEscape
	}
	return err
}

// resolvesOutside follows symlinks in rel, or in its parent when rel does not
// exist yet, and checks the result against dir
func resolvesOutside(dir string, rel string) bool {
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	target := filepath.Join(dir, rel)
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if resolved, err = filepath.EvalSymlinks(filepath.Dir(target)); err != nil {
			return false
		}
	}
	_, err = sandboxPath(realDir, resolved)
	return err != nil
}
