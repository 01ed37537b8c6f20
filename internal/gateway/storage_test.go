package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorcha-inc/toolhost/internal/manifest"
)

func storageTool(id string) *manifest.ToolManifest {
	return toolWith(id, manifest.PermStorageGet, manifest.PermStorageSet, manifest.PermStorageDelete)
}

func TestStorage_SetGetDeleteList(t *testing.T) {
	g := newTestGateway(t, Options{}, storageTool(testTool))
	ctx := context.Background()

	result, err := g.Dispatch(ctx, testTool, "storage", "get", payload(t, map[string]string{"key": "theme"}))
	require.NoError(t, err)
	assert.Nil(t, asMap(t, result)["value"])

	_, err = g.Dispatch(ctx, testTool, "storage", "set", payload(t, map[string]any{"key": "theme", "value": map[string]string{"mode": "dark"}}))
	require.NoError(t, err)
	_, err = g.Dispatch(ctx, testTool, "storage", "set", payload(t, map[string]any{"key": "count", "value": 3}))
	require.NoError(t, err)

	result, err = g.Dispatch(ctx, testTool, "storage", "get", payload(t, map[string]string{"key": "theme"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mode": "dark"}, asMap(t, result)["value"])

	result, err = g.Dispatch(ctx, testTool, "storage", "list", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"count", "theme"}, asMap(t, result)["keys"])

	result, err = g.Dispatch(ctx, testTool, "storage", "delete", payload(t, map[string]string{"key": "theme"}))
	require.NoError(t, err)
	assert.Equal(t, true, asMap(t, result)["existed"])

	result, err = g.Dispatch(ctx, testTool, "storage", "delete", payload(t, map[string]string{"key": "theme"}))
	require.NoError(t, err)
	assert.Equal(t, false, asMap(t, result)["existed"])

	data, err := os.ReadFile(filepath.Join(g.layout.ToolDataDir(testTool), StorageFileName))
	require.NoError(t, err)
	var onDisk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, map[string]json.RawMessage{"count": json.RawMessage("3")}, onDisk)
}

func TestStorage_IsolatedPerTool(t *testing.T) {
	g := newTestGateway(t, Options{}, storageTool(testTool), storageTool("other"))
	ctx := context.Background()

	_, err := g.Dispatch(ctx, testTool, "storage", "set", payload(t, map[string]any{"key": "k", "value": "mine"}))
	require.NoError(t, err)

	result, err := g.Dispatch(ctx, "other", "storage", "get", payload(t, map[string]string{"key": "k"}))
	require.NoError(t, err)
	assert.Nil(t, asMap(t, result)["value"])
}

func TestStorage_KeyRequired(t *testing.T) {
	g := newTestGateway(t, Options{}, storageTool(testTool))

	for _, m := range []string{"get", "set", "delete"} {
		_, err := g.Dispatch(context.Background(), testTool, "storage", m, payload(t, map[string]string{}))
		var invalid *InvalidParamsError
		require.ErrorAs(t, err, &invalid, m)
	}
}

func TestStorage_ConcurrentSetsAreNotLost(t *testing.T) {
	g := newTestGateway(t, Options{}, storageTool(testTool))
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Dispatch(ctx, testTool, "storage", "set", payload(t, map[string]any{"key": string(rune('a' + i)), "value": i}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	result, err := g.Dispatch(ctx, testTool, "storage", "list", nil)
	require.NoError(t, err)
	assert.Len(t, asMap(t, result)["keys"], writers)
}

func TestStorage_CorruptFile(t *testing.T) {
	g := newTestGateway(t, Options{}, storageTool(testTool))

	dir, err := g.sandboxRoot(testTool)
	require.NoError(t, err)
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(filepath.Join(dir, StorageFileName), []byte("{nope"), 0644))

	_, err = g.Dispatch(context.Background(), testTool, "storage", "get", payload(t, map[string]string{"key": "k"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse storage")
}
