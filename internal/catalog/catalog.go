// Package catalog fetches and queries the remote index of installable tools.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

const (
	// DefaultIndexURL is the index used when no registry_url is configured
	DefaultIndexURL = "https://raw.githubusercontent.com/dorcha-inc/toolhost-registry/main/index.json"

	// DefaultCacheTTL is how long a fetched index is served from disk
	DefaultCacheTTL = time.Hour

	cacheFileName = "index.yaml"
	maxIndexSize  = 16 << 20
)

// Index is the catalog document. JSON indexes parse as YAML.
type Index struct {
	Version int               `json:"version" yaml:"version"`
	Tools   []installer.Entry `json:"tools" yaml:"tools"`
}

// Options configure a Catalog
type Options struct {
	URL        string
	CacheDir   string
	HTTPClient *http.Client
	Clock      clockwork.Clock
	TTL        time.Duration
}

// Catalog reads one remote index with an on-disk cache
type Catalog struct {
	url      string
	cacheDir string
	client   *http.Client
	clock    clockwork.Clock
	ttl      time.Duration
}

// New creates a catalog client
func New(opts Options) *Catalog {
	if opts.URL == "" {
		opts.URL = DefaultIndexURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	return &Catalog{
		url:      opts.URL,
		cacheDir: opts.CacheDir,
		client:   opts.HTTPClient,
		clock:    opts.Clock,
		ttl:      opts.TTL,
	}
}

// URL returns the index url
func (c *Catalog) URL() string {
	return c.url
}

// Fetch returns the index. With useCache a fresh cached copy is served without
// touching the network, and a stale copy is served when the network fails.
func (c *Catalog) Fetch(ctx context.Context, useCache bool) (*Index, error) {
	cacheKey, err := CacheKey(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL: %w", err)
	}
	cacheDir := filepath.Join(c.cacheDir, cacheKey)

	if useCache {
		cached, fresh, errLoad := c.loadCached(cacheDir)
		if errLoad == nil && fresh {
			zap.L().Debug("Using cached catalog", zap.String("dir", cacheDir))
			return cached, nil
		}
		index, errFetch := c.download(ctx)
		if errFetch != nil {
			if errLoad == nil {
				zap.L().Warn("Failed to refresh catalog, using stale cache", zap.Error(errFetch))
				return cached, nil
			}
			return nil, errFetch
		}
		if err := c.saveCached(cacheDir, index); err != nil {
			zap.L().Warn("Failed to cache catalog", zap.Error(err))
		}
		return index, nil
	}

	index, err := c.download(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.saveCached(cacheDir, index); err != nil {
		zap.L().Warn("Failed to cache catalog", zap.Error(err))
	}
	return index, nil
}

func (c *Catalog) download(ctx context.Context) (*Index, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer core.LogDeferredError(resp.Body.Close)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch catalog: %s returned %d", c.url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	if len(data) > maxIndexSize {
		return nil, fmt.Errorf("catalog is larger than %d bytes", maxIndexSize)
	}
	return ParseIndex(data)
}

// ParseIndex decodes a JSON or YAML index and drops entries that could never
// be installed
func ParseIndex(data []byte) (*Index, error) {
	var index Index
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	valid := index.Tools[:0]
	for _, entry := range index.Tools {
		if err := manifest.ValidateToolID(entry.ID); err != nil {
			zap.L().Warn("Skipping catalog entry", zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		if entry.DownloadURL == "" && len(entry.BinaryAssets) == 0 {
			zap.L().Warn("Skipping catalog entry without download", zap.String("id", entry.ID))
			continue
		}
		valid = append(valid, entry)
	}
	index.Tools = valid
	return &index, nil
}

// loadCached reads the cached index and reports whether it is still fresh
func (c *Catalog) loadCached(dir string) (*Index, bool, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, false, err
	}
	defer core.LogDeferredError(root.Close)

	info, err := root.Stat(cacheFileName)
	if err != nil {
		return nil, false, err
	}
	data, err := root.ReadFile(cacheFileName)
	if err != nil {
		return nil, false, err
	}

	var index Index
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, false, err
	}
	return &index, c.clock.Since(info.ModTime()) <= c.ttl, nil
}

func (c *Catalog) saveCached(dir string, index *Index) error {
	// #nosec G301 -- cache directory permissions 0755 are acceptable for user cache
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	data, err := yaml.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog to yaml: %w", err)
	}
	if err := core.WriteFileAtomic(filepath.Join(dir, cacheFileName), data, 0644); err != nil {
		return err
	}
	// the cache age is measured on the injected clock
	now := c.clock.Now()
	return os.Chtimes(filepath.Join(dir, cacheFileName), now, now)
}

// ClearCache removes every cached index
func (c *Catalog) ClearCache() error {
	if c.cacheDir == "" {
		return nil
	}
	err := os.RemoveAll(c.cacheDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear catalog cache: %w", err)
	}
	return nil
}

// CacheKey turns an index url into a filesystem safe key using SHA-256
func CacheKey(rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" {
		return "", fmt.Errorf("URL missing scheme: %s", rawURL)
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("URL missing host: %s", rawURL)
	}

	hash := sha256.Sum256([]byte(parsedURL.String()))
	return hex.EncodeToString(hash[:]), nil
}
