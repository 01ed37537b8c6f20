package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

const (
	encodingUTF8   = "utf8"
	encodingBase64 = "base64"

	// maxReadSize bounds fs.readFile
	maxReadSize = 32 << 20
)

type pathParams struct {
	Path string `json:"path"`
}

type readParams struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
}

type writeParams struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Append   bool   `json:"append,omitempty"`
}

// FileInfo describes a sandbox entry
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

func newFileInfo(info fs.FileInfo) FileInfo {
	return FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC(),
	}
}

func (g *Gateway) fsMethods() []Method {
	return []Method{
		method("readFile", g.readFile, manifest.PermFSRead),
		method("writeFile", g.writeFile, manifest.PermFSWrite),
		method("listDir", g.listDir, manifest.PermFSList),
		method("stat", g.stat, manifest.PermFSStat),
	}
}

func checkEncoding(call *Call, encoding string) error {
	switch encoding {
	case "", encodingUTF8, "utf-8", encodingBase64:
		return nil
	default:
		return NewInvalidParamsError(call.Module, call.Method, fmt.Sprintf("unsupported encoding %q", encoding))
	}
}

func (g *Gateway) readFile(ctx context.Context, call *Call) (any, error) {
	params, err := decode[readParams](call)
	if err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "path is required")
	}
	if err := checkEncoding(call, params.Encoding); err != nil {
		return nil, err
	}

	root, rel, err := g.openSandbox(call.ToolID, params.Path)
	if err != nil {
		return nil, err
	}
	defer core.LogDeferredError(root.Close)

	file, err := root.Open(rel)
	if err != nil {
		return nil, classifyRootError(root, rel, err)
	}
	defer core.LogDeferredError(file.Close)

	data, err := io.ReadAll(io.LimitReader(file, maxReadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", params.Path, err)
	}
	if len(data) > maxReadSize {
		return nil, fmt.Errorf("%s is larger than %d bytes", params.Path, maxReadSize)
	}

	content := string(data)
	if params.Encoding == encodingBase64 {
		content = base64.StdEncoding.EncodeToString(data)
	}
	return map[string]any{"content": content}, nil
}

func (g *Gateway) writeFile(ctx context.Context, call *Call) (any, error) {
	params, err := decode[writeParams](call)
	if err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "path is required")
	}
	if err := checkEncoding(call, params.Encoding); err != nil {
		return nil, err
	}

	data := []byte(params.Content)
	if params.Encoding == encodingBase64 {
		data, err = base64.StdEncoding.DecodeString(params.Content)
		if err != nil {
			return nil, NewInvalidParamsError(call.Module, call.Method, "content is not valid base64")
		}
	}

	root, rel, err := g.openSandbox(call.ToolID, params.Path)
	if err != nil {
		return nil, err
	}
	defer core.LogDeferredError(root.Close)

	if rel == "." {
		return nil, NewInvalidParamsError(call.Module, call.Method, "path must name a file")
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0750); err != nil {
			return nil, classifyRootError(root, dir, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if params.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := root.OpenFile(rel, flags, 0600)
	if err != nil {
		return nil, classifyRootError(root, rel, err)
	}
	defer core.LogDeferredError(file.Close)

	if _, err := file.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", params.Path, err)
	}
	return map[string]any{"success": true, "bytesWritten": len(data)}, nil
}

func (g *Gateway) listDir(ctx context.Context, call *Call) (any, error) {
	params, err := decode[pathParams](call)
	if err != nil {
		return nil, err
	}
	if params.Path == "" {
		params.Path = "."
	}

	root, rel, err := g.openSandbox(call.ToolID, params.Path)
	if err != nil {
		return nil, err
	}
	defer core.LogDeferredError(root.Close)

	entries, err := fs.ReadDir(root.FS(), filepath.ToSlash(rel))
	if err != nil {
		return nil, classifyRootError(root, rel, err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, newFileInfo(info))
	}
	return infos, nil
}

func (g *Gateway) stat(ctx context.Context, call *Call) (any, error) {
	params, err := decode[pathParams](call)
	if err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, NewInvalidParamsError(call.Module, call.Method, "path is required")
	}

	root, rel, err := g.openSandbox(call.ToolID, params.Path)
	if err != nil {
		return nil, err
	}
	defer core.LogDeferredError(root.Close)

	info, err := root.Stat(rel)
	if err != nil {
		return nil, classifyRootError(root, rel, err)
	}
	return newFileInfo(info), nil
}
