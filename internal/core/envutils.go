package core

import (
	"os"
	"sort"
	"strings"
)

// GetEnv retrieves an environment variable, checking both the standard name
// and a TOOLHOST-prefixed version. Returns the first non-empty value found.
// This allows environment variables to be set with or without the TOOLHOST_ prefix.
func GetEnv(key string) string {
	// Check standard environment variable first
	if val := os.Getenv(key); val != "" {
		return val
	}
	// Check TOOLHOST-prefixed version
	return os.Getenv(EnvPrefix + "_" + key)
}

// MergeEnv returns base with overrides applied. Keys in overrides replace any
// existing entry with the same key; new keys are appended in sorted order so the
// result is deterministic.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, overridden := overrides[key]; overridden {
			continue
		}
		merged = append(merged, entry)
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}

// LookupEnv returns the value of key in an environment slice
func LookupEnv(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, found := strings.Cut(env[i], "=")
		if found && k == key {
			return v, true
		}
	}
	return "", false
}
