package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_Paths(t *testing.T) {
	layout := NewLayout("/data")

	assert.Equal(t, filepath.Join("/data", "tools", "hello"), layout.ToolDir("hello"))
	assert.Equal(t, filepath.Join("/data", "plugin-envs", "hello"), layout.ToolEnvDir("hello"))
	assert.Equal(t, filepath.Join("/data", "tool-data", "hello"), layout.ToolDataDir("hello"))
	assert.Equal(t, filepath.Join("/data", "temp"), layout.TempDir())
	assert.Equal(t, filepath.Join("/data", "python"), layout.PythonDir())
	assert.Equal(t, filepath.Join("/data", "cache"), layout.CacheDir())
}

func TestLayout_EnsureDirs(t *testing.T) {
	layout := NewLayout(filepath.Join(t.TempDir(), "host"))
	require.NoError(t, layout.EnsureDirs())

	for _, dir := range []string{layout.ToolsDir(), layout.EnvsDir(), layout.ToolDataRoot(), layout.TempDir(), layout.PythonDir(), layout.CacheDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestGetHostHomeDirFunc(t *testing.T) {
	home, err := GetHostHomeDirFunc()
	require.NoError(t, err)
	assert.Equal(t, ".toolhost", filepath.Base(home))
}
