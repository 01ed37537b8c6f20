package installer

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
	"go.uber.org/zap"
)

// maxExtractedSize bounds the total uncompressed size of a tool package
const maxExtractedSize = 2 << 30

// extractZip unpacks archivePath into dest. Every entry is written through an
// os.Root, so names that escape dest are rejected.
func extractZip(archivePath string, dest string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer core.LogDeferredError(reader.Close)

	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("failed to open extraction directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	var written int64
	for _, file := range reader.File {
		name := path.Clean(strings.ReplaceAll(file.Name, `\`, "/"))
		if name == "." || name == "/" {
			continue
		}
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("archive entry %q escapes the tool directory", file.Name)
		}

		mode := file.Mode()
		switch {
		case mode.IsDir():
			if err := root.MkdirAll(name, 0750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", name, err)
			}
			continue
		case mode&fs.ModeSymlink != 0:
			zap.L().Warn("Skipping symlink in tool archive", zap.String("entry", file.Name))
			continue
		case !mode.IsRegular():
			continue
		}

		if dir := path.Dir(name); dir != "." {
			if err := root.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}

		n, err := extractFile(root, file, name, maxExtractedSize-written)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func extractFile(root *os.Root, file *zip.File, name string, budget int64) (int64, error) {
	perm := fs.FileMode(0644)
	if file.Mode().Perm()&0111 != 0 {
		perm = 0755
	}

	src, err := file.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open archive entry %s: %w", name, err)
	}
	defer core.LogDeferredError(src.Close)

	dst, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer core.LogDeferredError(dst.Close)

	n, err := io.Copy(dst, io.LimitReader(src, budget+1))
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", name, err)
	}
	if n > budget {
		return n, fmt.Errorf("archive expands beyond %d bytes", int64(maxExtractedSize))
	}
	return n, nil
}

// packageRoot returns the directory holding manifest.json inside an extracted
// archive: the extraction root itself, or its only subdirectory when the archive
// wraps the tool in a single top-level folder
func packageRoot(dir string) (string, error) {
	exists, err := core.PathExists(filepath.Join(dir, manifest.FileName))
	if err != nil {
		return "", err
	}
	if exists {
		return dir, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read extracted package: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		nested := filepath.Join(dir, entries[0].Name())
		if ok, _ := core.PathExists(filepath.Join(nested, manifest.FileName)); ok {
			return nested, nil
		}
	}
	return "", manifest.NewValidationError("package has no " + manifest.FileName)
}
