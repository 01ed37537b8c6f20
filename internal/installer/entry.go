package installer

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// fallbackVersion is written into synthesized manifests for entries without a version
const fallbackVersion = "0.0.0"

// Entry describes an installable tool, usually taken from the catalog
type Entry struct {
	ID          string   `json:"id" yaml:"id"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`

	// DownloadURL points at a zip package containing manifest.json
	DownloadURL string `json:"downloadUrl,omitempty" yaml:"downloadUrl,omitempty"`
	// Hash is the optional SHA-256 of the package, hex encoded
	Hash string `json:"hash,omitempty" yaml:"hash,omitempty"`
	Size int64  `json:"size,omitempty" yaml:"size,omitempty"`
	// BinaryAssets maps a platform (windows, darwin, linux) to a standalone executable
	BinaryAssets map[string]BinaryAsset `json:"binaryAssets,omitempty" yaml:"binaryAssets,omitempty"`
	Permissions  []manifest.Permission  `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// BinaryAsset is a platform executable. Its checksum is mandatory.
type BinaryAsset struct {
	URL      string `json:"url" yaml:"url"`
	Checksum string `json:"checksum" yaml:"checksum"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
	FileName string `json:"fileName,omitempty" yaml:"fileName,omitempty"`
}

// IsBinary reports whether the entry installs a platform executable rather than a package
func (e *Entry) IsBinary() bool {
	return e.DownloadURL == "" && len(e.BinaryAssets) > 0
}

// PlatformAsset selects the binary asset for platform
func (e *Entry) PlatformAsset(platform string) (*BinaryAsset, error) {
	asset, ok := e.BinaryAssets[platform]
	if !ok || asset.URL == "" {
		offered := make([]string, 0, len(e.BinaryAssets))
		for p := range e.BinaryAssets {
			offered = append(offered, p)
		}
		sort.Strings(offered)
		return nil, NewNoPlatformAssetError(e.ID, platform, offered)
	}
	if strings.TrimSpace(asset.Checksum) == "" {
		return nil, NewIntegrityError(e.ID, "binary asset for "+platform+" declares no checksum", "")
	}
	return &asset, nil
}

// BinaryName is the file name the asset is installed under
func (a *BinaryAsset) BinaryName(toolID string, platform string) string {
	name := a.FileName
	if name == "" {
		if u, err := url.Parse(a.URL); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "." || name == "/" || strings.ContainsAny(name, `/\`) {
		name = toolID
	}
	if platform == core.GOOSWindows && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	return name
}

// BinaryManifest synthesizes the manifest of a binary install
func (e *Entry) BinaryManifest(command string) *manifest.ToolManifest {
	version := e.Version
	if version == "" {
		version = fallbackVersion
	}
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return &manifest.ToolManifest{
		ID:          e.ID,
		Version:     version,
		Name:        name,
		Description: e.Description,
		Author:      e.Author,
		Category:    e.Category,
		Keywords:    e.Keywords,
		Permissions: e.Permissions,
		Runtime: &manifest.RuntimeConfig{
			Type:    manifest.RuntimeBinary,
			Command: command,
		},
	}
}
