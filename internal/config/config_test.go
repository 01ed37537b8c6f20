package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/toolhost/internal/core"
)

const invalidValue = "invalid"

// setupTestEnv isolates the test from the real home directory and working directory.
// It returns the fake ~/.toolhost and the project directory.
func setupTestEnv(t *testing.T) (home string, project string) {
	t.Helper()
	home = filepath.Join(t.TempDir(), ".toolhost")
	project = t.TempDir()

	original := core.GetHostHomeDirFunc
	core.GetHostHomeDirFunc = func() (string, error) { return home, nil }
	t.Cleanup(func() { core.GetHostHomeDirFunc = original })

	t.Chdir(project)
	return home, project
}

func writeYAML(t *testing.T, path string, content string) {
	t.Helper()
	// #nosec G301 -- test directory permissions are acceptable for temporary test files
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	home, _ := setupTestEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, home, cfg.DataDir)
	assert.Equal(t, LogFormat(""), cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultRPCTimeoutMs, cfg.RPCTimeoutMs)
	assert.Equal(t, DefaultReadyTimeoutMs, cfg.ReadyTimeoutMs)
	assert.Equal(t, DefaultDisposeGraceMs, cfg.DisposeGraceMs)
	assert.Equal(t, DefaultStopDelayMs, cfg.StopDelayMs)
	assert.Equal(t, DefaultPythonVersion, cfg.PythonVersion)
	assert.Equal(t, DefaultNodePath, cfg.NodePath)
	assert.Equal(t, DefaultDownloadRetries, cfg.DownloadRetries)
	assert.Equal(t, DefaultTempMaxAgeHours, cfg.TempMaxAgeHours)
	assert.Equal(t, DefaultTempSweepSchedule, cfg.TempSweepSchedule)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)

	assert.Equal(t, "30s", cfg.RPCTimeout().String())
	assert.Equal(t, "5s", cfg.DisposeGrace().String())
	assert.Equal(t, "1s", cfg.StopDelay().String())
	assert.Equal(t, "24h0m0s", cfg.TempMaxAge().String())
	assert.Equal(t, filepath.Join(home, "tools"), cfg.Layout().ToolsDir())
}

func TestLoadConfig_ProjectOverridesUser(t *testing.T) {
	home, project := setupTestEnv(t)
	writeYAML(t, filepath.Join(home, UserConfigFileName), "rpc_timeout_ms: 1000\nnode_path: /usr/bin/node\n")
	writeYAML(t, filepath.Join(project, ProjectConfigFileName), "rpc_timeout_ms: 2000\ndata_dir: ./data\n")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.RPCTimeoutMs)
	assert.Equal(t, "/usr/bin/node", cfg.NodePath)

	// relative data_dir resolves against the project directory
	wantDir, err := filepath.EvalSymlinks(project)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(filepath.Dir(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)
	assert.Equal(t, "data", filepath.Base(cfg.DataDir))
}

func TestLoadConfig_RelativeDataDirWithoutProject(t *testing.T) {
	home, _ := setupTestEnv(t)
	writeYAML(t, filepath.Join(home, UserConfigFileName), "data_dir: store\n")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "store"), cfg.DataDir)
}

func TestLoadConfig_EnvironmentVariableOverride(t *testing.T) {
	_, project := setupTestEnv(t)
	writeYAML(t, filepath.Join(project, ProjectConfigFileName), "stop_delay_ms: 10\n")
	t.Setenv("TOOLHOST_STOP_DELAY_MS", "250")
	t.Setenv("TOOLHOST_HTTP_ADDR", "0.0.0.0:9000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.StopDelayMs)
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTPAddr)
}

func TestLoadConfig_WithSpecificPath(t *testing.T) {
	setupTestEnv(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeYAML(t, path, "log_format: pretty\nlog_level: debug\ndata_dir: /srv/toolhost\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, LogFormatPretty, cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/srv/toolhost", cfg.DataDir)
}

func TestLoadConfig_InvalidConfigFile(t *testing.T) {
	setupTestEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeYAML(t, path, "rpc_timeout_ms: [\n")
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestValidateConfig_BadValues(t *testing.T) {
	valid := func() *HostConfig {
		return &HostConfig{
			LogLevel:          "info",
			RPCTimeoutMs:      1,
			ReadyTimeoutMs:    1,
			DisposeGraceMs:    1,
			PythonVersion:     DefaultPythonVersion,
			NodePath:          DefaultNodePath,
			DownloadRetries:   1,
			TempMaxAgeHours:   1,
			TempSweepSchedule: DefaultTempSweepSchedule,
			HTTPAddr:          DefaultHTTPAddr,
		}
	}
	require.NoError(t, validateConfig(valid()))

	tests := []struct {
		name    string
		mutate  func(*HostConfig)
		message string
	}{
		{"log format", func(c *HostConfig) { c.LogFormat = invalidValue }, "log_format must be one of"},
		{"log level", func(c *HostConfig) { c.LogLevel = invalidValue }, "log_level must be one of"},
		{"rpc timeout", func(c *HostConfig) { c.RPCTimeoutMs = 0 }, "rpc_timeout_ms must be at least 1"},
		{"grace", func(c *HostConfig) { c.DisposeGraceMs = -5 }, "dispose_grace_ms must be at least 1"},
		{"stop delay", func(c *HostConfig) { c.StopDelayMs = -1 }, "stop_delay_ms cannot be negative"},
		{"retries", func(c *HostConfig) { c.DownloadRetries = 11 }, "download_retries must be at most 10"},
		{"python", func(c *HostConfig) { c.PythonVersion = "" }, "python_version cannot be empty"},
		{"node", func(c *HostConfig) { c.NodePath = "" }, "node_path cannot be empty"},
		{"addr", func(c *HostConfig) { c.HTTPAddr = "" }, "http_addr cannot be empty"},
		{"schedule", func(c *HostConfig) { c.TempSweepSchedule = "every hour" }, "temp_sweep_schedule is not a valid schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoadConfig_InvalidValueFromFile(t *testing.T) {
	_, project := setupTestEnv(t)
	writeYAML(t, filepath.Join(project, ProjectConfigFileName), "log_level: loud\n")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level must be one of: debug, error, fatal, info, warn, got 'loud'")
}

func TestGetConfigValue(t *testing.T) {
	home, project := setupTestEnv(t)
	writeYAML(t, filepath.Join(home, UserConfigFileName), "python_version: \"3.11\"\nnode_path: /opt/node\n")
	writeYAML(t, filepath.Join(project, ProjectConfigFileName), "node_path: ./node\n")
	t.Setenv("TOOLHOST_HTTP_ADDR", "127.0.0.1:1")

	tests := []struct {
		key    string
		value  any
		source string
	}{
		{"python_version", "3.11", "user"},
		{"node_path", "./node", "project"},
		{"http_addr", "127.0.0.1:1", "env"},
		{"download_retries", DefaultDownloadRetries, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			val, err := GetConfigValue(tt.key)
			require.NoError(t, err)
			assert.EqualValues(t, tt.value, val.Value)
			assert.Equal(t, tt.source, val.Source)
		})
	}
}

func TestGetConfigValue_UnknownKey(t *testing.T) {
	setupTestEnv(t)
	_, err := GetConfigValue("model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key: model")
}

func TestSetConfigValue_UserConfig(t *testing.T) {
	home, _ := setupTestEnv(t)

	path, err := SetConfigValue("download_retries", "5")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, UserConfigFileName), path)

	data, err := os.ReadFile(path) // #nosec G304 -- test reads the file it just wrote
	require.NoError(t, err)
	var written map[string]any
	require.NoError(t, yaml.Unmarshal(data, &written))
	assert.Equal(t, map[string]any{"download_retries": 5}, written, "only the set key is written")

	val, err := GetConfigValue("download_retries")
	require.NoError(t, err)
	assert.EqualValues(t, 5, val.Value)
	assert.Equal(t, "user", val.Source)
}

func TestSetConfigValue_ProjectConfigPreservesOtherKeys(t *testing.T) {
	_, project := setupTestEnv(t)
	projectPath := filepath.Join(project, ProjectConfigFileName)
	writeYAML(t, projectPath, "node_path: /opt/node\n")

	path, err := SetConfigValue("log_format", "json")
	require.NoError(t, err)
	assert.Equal(t, projectPath, path)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, "/opt/node", cfg.NodePath)
}

func TestSetConfigValue_Rejected(t *testing.T) {
	home, _ := setupTestEnv(t)

	_, err := SetConfigValue("nope", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")

	_, err = SetConfigValue("rpc_timeout_ms", "soon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be an integer")

	_, err = SetConfigValue("log_level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level must be one of")

	_, statErr := os.Stat(filepath.Join(home, UserConfigFileName))
	assert.True(t, os.IsNotExist(statErr), "nothing is written for a rejected value")
}

func TestListConfig(t *testing.T) {
	home, _ := setupTestEnv(t)
	writeYAML(t, filepath.Join(home, UserConfigFileName), "uv_path: /usr/local/bin/uv\n")

	values, err := ListConfig()
	require.NoError(t, err)
	assert.Len(t, values, len(Keys()))

	require.Contains(t, values, "uv_path")
	assert.Equal(t, "/usr/local/bin/uv", values["uv_path"].Value)
	assert.Equal(t, "user", values["uv_path"].Source)
	assert.Equal(t, "default", values["stop_delay_ms"].Source)
}

func TestGetProjectConfigPath(t *testing.T) {
	_, project := setupTestEnv(t)
	path, err := GetProjectConfigPath()
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(project)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, ProjectConfigFileName, filepath.Base(path))
}

func TestIsValidEnums(t *testing.T) {
	assert.True(t, IsValidLogFormat(LogFormatPretty))
	assert.False(t, IsValidLogFormat(invalidValue))
	assert.True(t, IsValidLogLevel(LogLevelFatal))
	assert.False(t, IsValidLogLevel(invalidValue))
}
