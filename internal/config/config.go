// Package config provides configuration management for toolhost, including
// loading configuration with precedence, environment variable overrides,
// and get/set/list operations for configuration values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/toolhost/internal/core"
)

const (
	UserConfigFileName    = "config.yaml"
	ProjectConfigFileName = "toolhost.yaml"

	DefaultRPCTimeoutMs      = 30000
	DefaultReadyTimeoutMs    = 30000
	DefaultDisposeGraceMs    = 5000
	DefaultStopDelayMs       = 1000
	DefaultPythonVersion     = "3.12"
	DefaultNodePath          = "node"
	DefaultDownloadRetries   = 3
	DefaultTempMaxAgeHours   = 24
	DefaultTempSweepSchedule = "@every 1h"
	DefaultHTTPAddr          = "127.0.0.1:7811"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

func ValidLogLevels() map[LogLevel]struct{} {
	return map[LogLevel]struct{}{
		LogLevelDebug: {},
		LogLevelInfo:  {},
		LogLevelWarn:  {},
		LogLevelError: {},
		LogLevelFatal: {},
	}
}

func IsValidLogLevel(level LogLevel) bool {
	_, ok := ValidLogLevels()[level]
	return ok
}

type LogFormat string

const (
	LogFormatPretty LogFormat = "pretty"
	LogFormatJSON   LogFormat = "json"
)

func ValidLogFormats() map[LogFormat]struct{} {
	return map[LogFormat]struct{}{
		LogFormatPretty: {},
		LogFormatJSON:   {},
	}
}

func IsValidLogFormat(format LogFormat) bool {
	_, ok := ValidLogFormats()[format]
	return ok
}

// HostConfig is the resolved toolhost configuration
type HostConfig struct {
	DataDir   string    `yaml:"data_dir,omitempty" mapstructure:"data_dir"`     // root of tools, envs, tool data, temp and cache
	LogFormat LogFormat `yaml:"log_format,omitempty" mapstructure:"log_format"` // "pretty" or "json", pretty on a terminal when unset
	LogLevel  string    `yaml:"log_level,omitempty" mapstructure:"log_level"`

	RPCTimeoutMs   int `yaml:"rpc_timeout_ms,omitempty" mapstructure:"rpc_timeout_ms"`
	ReadyTimeoutMs int `yaml:"ready_timeout_ms,omitempty" mapstructure:"ready_timeout_ms"`
	DisposeGraceMs int `yaml:"dispose_grace_ms,omitempty" mapstructure:"dispose_grace_ms"`
	StopDelayMs    int `yaml:"stop_delay_ms,omitempty" mapstructure:"stop_delay_ms"` // idle time before a stopped tool's backend is disposed

	PythonVersion  string `yaml:"python_version,omitempty" mapstructure:"python_version"`
	PythonIndexURL string `yaml:"python_index_url,omitempty" mapstructure:"python_index_url"`
	UVPath         string `yaml:"uv_path,omitempty" mapstructure:"uv_path"`
	NodePath       string `yaml:"node_path,omitempty" mapstructure:"node_path"`

	RegistryURL       string `yaml:"registry_url,omitempty" mapstructure:"registry_url"`
	DownloadRetries   int    `yaml:"download_retries,omitempty" mapstructure:"download_retries"`
	TempMaxAgeHours   int    `yaml:"temp_max_age_hours,omitempty" mapstructure:"temp_max_age_hours"`
	TempSweepSchedule string `yaml:"temp_sweep_schedule,omitempty" mapstructure:"temp_sweep_schedule"`

	HTTPAddr string `yaml:"http_addr,omitempty" mapstructure:"http_addr"`
}

// Layout returns the on-disk layout rooted at DataDir
func (cfg *HostConfig) Layout() *core.Layout {
	return core.NewLayout(cfg.DataDir)
}

func (cfg *HostConfig) RPCTimeout() time.Duration {
	return time.Duration(cfg.RPCTimeoutMs) * time.Millisecond
}

func (cfg *HostConfig) ReadyTimeout() time.Duration {
	return time.Duration(cfg.ReadyTimeoutMs) * time.Millisecond
}

func (cfg *HostConfig) DisposeGrace() time.Duration {
	return time.Duration(cfg.DisposeGraceMs) * time.Millisecond
}

func (cfg *HostConfig) StopDelay() time.Duration {
	return time.Duration(cfg.StopDelayMs) * time.Millisecond
}

func (cfg *HostConfig) TempMaxAge() time.Duration {
	return time.Duration(cfg.TempMaxAgeHours) * time.Hour
}

// ConfigValue represents a configuration value with its source
type ConfigValue struct {
	Value  any    `json:"value" yaml:"value"`
	Source string `json:"source" yaml:"source"` // "env", "project", "user", or "default"
}

// keyKind is the type a config key is coerced to on set
type keyKind int

const (
	kindString keyKind = iota
	kindInt
)

var knownKeys = map[string]keyKind{
	"data_dir":            kindString,
	"log_format":          kindString,
	"log_level":           kindString,
	"rpc_timeout_ms":      kindInt,
	"ready_timeout_ms":    kindInt,
	"dispose_grace_ms":    kindInt,
	"stop_delay_ms":       kindInt,
	"python_version":      kindString,
	"python_index_url":    kindString,
	"uv_path":             kindString,
	"node_path":           kindString,
	"registry_url":        kindString,
	"download_retries":    kindInt,
	"temp_max_age_hours":  kindInt,
	"temp_sweep_schedule": kindString,
	"http_addr":           kindString,
}

// Keys returns every known configuration key, sorted
func Keys() []string {
	keys := make([]string, 0, len(knownKeys))
	for key := range knownKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// GetUserConfigPath returns the path to the user-specific config file (~/.toolhost/config.yaml)
func GetUserConfigPath() (string, error) {
	home, err := core.GetHostHomeDirFunc()
	if err != nil {
		return "", fmt.Errorf("failed to get toolhost home directory: %w", err)
	}
	return filepath.Join(home, UserConfigFileName), nil
}

// GetProjectConfigPath returns the path to the project-specific config file (./toolhost.yaml)
// relative to the current working directory
func GetProjectConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return filepath.Join(cwd, ProjectConfigFileName), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// setupViper configures Viper with defaults, config file locations, and environment variables
// If configPath is provided (non-empty), loads from that specific path instead of using precedence
func setupViper(configPath string) error {
	viper.Reset()
	setViperDefaults()
	viper.SetEnvPrefix(core.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	// user config first, then the project config merged over it
	userPath, userErr := GetUserConfigPath()
	if userErr == nil && fileExists(userPath) {
		viper.SetConfigFile(userPath)
		if err := viper.ReadInConfig(); err != nil {
			zap.L().Debug("Failed to read user config file", zap.String("path", userPath), zap.Error(err))
		}
	}

	projectPath, projectErr := GetProjectConfigPath()
	if projectErr == nil && fileExists(projectPath) {
		viper.SetConfigFile(projectPath)
		if err := viper.MergeInConfig(); err != nil {
			zap.L().Debug("Failed to merge project config file", zap.String("path", projectPath), zap.Error(err))
		}
	}

	return nil
}

// setViperDefaults sets default values in Viper
func setViperDefaults() {
	viper.SetDefault("data_dir", "")
	viper.SetDefault("log_format", "")
	viper.SetDefault("log_level", string(LogLevelInfo))
	viper.SetDefault("rpc_timeout_ms", DefaultRPCTimeoutMs)
	viper.SetDefault("ready_timeout_ms", DefaultReadyTimeoutMs)
	viper.SetDefault("dispose_grace_ms", DefaultDisposeGraceMs)
	viper.SetDefault("stop_delay_ms", DefaultStopDelayMs)
	viper.SetDefault("python_version", DefaultPythonVersion)
	viper.SetDefault("python_index_url", "")
	viper.SetDefault("uv_path", "")
	viper.SetDefault("node_path", DefaultNodePath)
	viper.SetDefault("registry_url", "")
	viper.SetDefault("download_retries", DefaultDownloadRetries)
	viper.SetDefault("temp_max_age_hours", DefaultTempMaxAgeHours)
	viper.SetDefault("temp_sweep_schedule", DefaultTempSweepSchedule)
	viper.SetDefault("http_addr", DefaultHTTPAddr)
}

// LoadConfig loads configuration with precedence: env > project config > user config > defaults.
// If configPath is provided, loads from that specific path instead.
func LoadConfig(configPath string) (*HostConfig, error) {
	if err := setupViper(configPath); err != nil {
		return nil, err
	}

	cfg := &HostConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var configFileDir string
	if configPath != "" {
		configFileDir = filepath.Dir(configPath)
	} else if projectPath, err := GetProjectConfigPath(); err == nil && fileExists(projectPath) {
		configFileDir = filepath.Dir(projectPath)
	}

	if err := postProcessConfig(cfg, configFileDir); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// postProcessConfig resolves the data directory. A relative data_dir is taken
// relative to the config file that set it, or to ~/.toolhost.
func postProcessConfig(cfg *HostConfig, configFileDir string) error {
	home, err := core.GetHostHomeDirFunc()
	if err != nil {
		return fmt.Errorf("failed to get toolhost home directory: %w", err)
	}

	dataDir := cfg.DataDir
	switch {
	case dataDir == "":
		dataDir = home
		zap.L().Debug("data_dir not set in config, using home directory", zap.String("data_dir", dataDir))
	case strings.HasPrefix(dataDir, "~/"):
		userHome, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(userHome, dataDir[2:])
	case !filepath.IsAbs(dataDir):
		base := configFileDir
		if base == "" {
			base = home
		}
		dataDir = filepath.Join(base, dataDir)
	}

	absDataDir, err := filepath.Abs(filepath.Clean(dataDir))
	if err != nil {
		return fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	cfg.DataDir = absDataDir
	return nil
}

// validateConfig validates the configuration
func validateConfig(cfg *HostConfig) error {
	if cfg.LogFormat != "" && !IsValidLogFormat(cfg.LogFormat) {
		return fmt.Errorf("log_format must be one of: %s, got '%s'", core.JoinSortedKeys(ValidLogFormats()), cfg.LogFormat)
	}
	if cfg.LogLevel != "" && !IsValidLogLevel(LogLevel(cfg.LogLevel)) {
		return fmt.Errorf("log_level must be one of: %s, got '%s'", core.JoinSortedKeys(ValidLogLevels()), cfg.LogLevel)
	}

	for _, d := range []struct {
		key   string
		value int
	}{
		{"rpc_timeout_ms", cfg.RPCTimeoutMs},
		{"ready_timeout_ms", cfg.ReadyTimeoutMs},
		{"dispose_grace_ms", cfg.DisposeGraceMs},
		{"download_retries", cfg.DownloadRetries},
		{"temp_max_age_hours", cfg.TempMaxAgeHours},
	} {
		if d.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", d.key, d.value)
		}
	}
	if cfg.StopDelayMs < 0 {
		return fmt.Errorf("stop_delay_ms cannot be negative, got %d", cfg.StopDelayMs)
	}
	if cfg.DownloadRetries > 10 {
		return fmt.Errorf("download_retries must be at most 10, got %d", cfg.DownloadRetries)
	}

	if cfg.PythonVersion == "" {
		return fmt.Errorf("python_version cannot be empty (was explicitly set to empty string)")
	}
	if cfg.NodePath == "" {
		return fmt.Errorf("node_path cannot be empty (was explicitly set to empty string)")
	}
	if cfg.HTTPAddr == "" {
		return fmt.Errorf("http_addr cannot be empty (was explicitly set to empty string)")
	}
	if cfg.TempSweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.TempSweepSchedule); err != nil {
			return fmt.Errorf("temp_sweep_schedule is not a valid schedule: %w", err)
		}
	}

	return nil
}

// getValueSource determines the source of a config value
func getValueSource(key string) string {
	envKey := core.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if os.Getenv(envKey) != "" {
		return "env"
	}

	// viper does not track sources, so each file is read on its own
	if projectPath, err := GetProjectConfigPath(); err == nil && fileHasKey(projectPath, key) {
		return "project"
	}
	if userPath, err := GetUserConfigPath(); err == nil && fileHasKey(userPath, key) {
		return "user"
	}
	return "default"
}

func fileHasKey(path string, key string) bool {
	if !fileExists(path) {
		return false
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return false
	}
	return v.IsSet(key)
}

// GetConfigValue retrieves a configuration value by key, checking environment variables first
// Returns the value and its source ("env", "project", "user", or "default")
func GetConfigValue(key string) (*ConfigValue, error) {
	if _, ok := knownKeys[key]; !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	if err := setupViper(""); err != nil {
		return nil, err
	}
	return &ConfigValue{Value: viper.Get(key), Source: getValueSource(key)}, nil
}

// SetConfigValue sets a configuration value and saves it to the project config
// when one exists, otherwise to the user config
func SetConfigValue(key, value string) (string, error) {
	kind, ok := knownKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}

	var typed any = value
	if kind == kindInt {
		n, err := cast.ToIntE(value)
		if err != nil {
			return "", fmt.Errorf("%s must be an integer, got '%s'", key, value)
		}
		typed = n
	}

	configPath, err := writableConfigPath()
	if err != nil {
		return "", err
	}

	values := map[string]any{}
	if fileExists(configPath) {
		data, err := os.ReadFile(configPath) // #nosec G304 -- path is the user or project config file
		if err != nil {
			return "", fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		if values == nil {
			values = map[string]any{}
		}
	}
	values[key] = typed

	// validate the merged result before anything is written
	if err := setupViper(""); err != nil {
		return "", err
	}
	viper.Set(key, typed)
	cfg := &HostConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := core.WriteFileAtomic(configPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configPath, nil
}

func writableConfigPath() (string, error) {
	if projectPath, err := GetProjectConfigPath(); err == nil && fileExists(projectPath) {
		return projectPath, nil
	}

	userPath, err := GetUserConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to get user config path: %w", err)
	}
	// #nosec G301 -- config directory permissions 0755 are acceptable for user config directory
	if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return userPath, nil
}

// ListConfig returns all configuration keys and values with their sources
func ListConfig() (map[string]*ConfigValue, error) {
	if err := setupViper(""); err != nil {
		return nil, err
	}

	result := make(map[string]*ConfigValue, len(knownKeys))
	for _, key := range Keys() {
		result[key] = &ConfigValue{Value: viper.Get(key), Source: getValueSource(key)}
	}
	return result, nil
}
