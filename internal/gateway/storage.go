package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/manifest"
)

// StorageFileName is the per-tool key/value file inside the tool's data directory
const StorageFileName = "kv-storage.json"

type storageLock struct {
	mu sync.Mutex
}

type keyParams struct {
	Key string `json:"key"`
}

type setParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (g *Gateway) storageMethods() []Method {
	return []Method{
		method("get", g.storageGet, manifest.PermStorageGet),
		method("set", g.storageSet, manifest.PermStorageSet),
		method("delete", g.storageDelete, manifest.PermStorageDelete),
		method("list", g.storageList, manifest.PermStorageGet),
	}
}

func (g *Gateway) lockStorage(toolID string) func() {
	lock, _ := g.storageLocks.LoadOrCompute(toolID, func() *storageLock { return &storageLock{} })
	lock.mu.Lock()
	return lock.mu.Unlock
}

func (g *Gateway) storagePath(toolID string) (string, error) {
	dir, err := g.sandboxRoot(toolID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, StorageFileName), nil
}

func (g *Gateway) loadStore(toolID string) (map[string]json.RawMessage, error) {
	path, err := g.storagePath(toolID)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is the fixed storage file inside the tool's data directory
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage: %w", err)
	}

	store := map[string]json.RawMessage{}
	if len(data) == 0 {
		return store, nil
	}
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("failed to parse storage: %w", err)
	}
	return store, nil
}

func (g *Gateway) saveStore(toolID string, store map[string]json.RawMessage) error {
	path, err := g.storagePath(toolID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage: %w", err)
	}
	return core.WriteFileAtomic(path, data, 0600)
}

func requireKey(call *Call, key string) error {
	if key == "" {
		return NewInvalidParamsError(call.Module, call.Method, "key is required")
	}
	return nil
}

func (g *Gateway) storageGet(ctx context.Context, call *Call) (any, error) {
	params, err := decode[keyParams](call)
	if err != nil {
		return nil, err
	}
	if err := requireKey(call, params.Key); err != nil {
		return nil, err
	}

	unlock := g.lockStorage(call.ToolID)
	defer unlock()

	store, err := g.loadStore(call.ToolID)
	if err != nil {
		return nil, err
	}
	value, ok := store[params.Key]
	if !ok {
		return map[string]any{"value": nil}, nil
	}
	return map[string]any{"value": value}, nil
}

func (g *Gateway) storageSet(ctx context.Context, call *Call) (any, error) {
	params, err := decode[setParams](call)
	if err != nil {
		return nil, err
	}
	if err := requireKey(call, params.Key); err != nil {
		return nil, err
	}
	if len(params.Value) == 0 {
		params.Value = json.RawMessage("null")
	}

	unlock := g.lockStorage(call.ToolID)
	defer unlock()

	store, err := g.loadStore(call.ToolID)
	if err != nil {
		return nil, err
	}
	store[params.Key] = params.Value
	if err := g.saveStore(call.ToolID, store); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) storageDelete(ctx context.Context, call *Call) (any, error) {
	params, err := decode[keyParams](call)
	if err != nil {
		return nil, err
	}
	if err := requireKey(call, params.Key); err != nil {
		return nil, err
	}

	unlock := g.lockStorage(call.ToolID)
	defer unlock()

	store, err := g.loadStore(call.ToolID)
	if err != nil {
		return nil, err
	}
	_, existed := store[params.Key]
	if existed {
		delete(store, params.Key)
		if err := g.saveStore(call.ToolID, store); err != nil {
			return nil, err
		}
	}
	return map[string]any{"success": true, "existed": existed}, nil
}

func (g *Gateway) storageList(ctx context.Context, call *Call) (any, error) {
	unlock := g.lockStorage(call.ToolID)
	defer unlock()

	store, err := g.loadStore(call.ToolID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(store))
	for k := range store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]any{"keys": keys}, nil
}
