package pyenv

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dorcha-inc/toolhost/internal/core"
)

// MetadataFileName is the per-tool record of the last successful dependency install
const MetadataFileName = ".metadata.json"

// Metadata is the baseline a tool environment was last installed against
type Metadata struct {
	PythonVersion    string    `json:"pythonVersion"`
	RequirementsHash string    `json:"requirementsHash"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// HashFile returns the hex SHA-256 of a file's contents
func HashFile(path string) (string, error) {
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("failed to open requirements directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	data, err := root.ReadFile(filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to read requirements file: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func readMetadata(envDir string) (*Metadata, error) {
	root, err := os.OpenRoot(envDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open environment directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	data, err := root.ReadFile(MetadataFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", MetadataFileName, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetadataFileName, err)
	}
	return &meta, nil
}

func writeMetadata(envDir string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := core.WriteFileAtomic(filepath.Join(envDir, MetadataFileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", MetadataFileName, err)
	}
	return nil
}
