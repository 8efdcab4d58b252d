package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by the loader.
const (
	EnvConfig      = "SESSION_STATE_CONFIG"
	EnvPath        = "SESSION_STATE_PATH"
	EnvArchiveDir  = "SESSION_STATE_ARCHIVE_DIR"
	EnvLockTimeout = "SESSION_STATE_LOCK_TIMEOUT"
	EnvLogLevel    = "SESSION_STATE_LOG_LEVEL"
)

// Loader provides methods for loading configuration from various sources.
type Loader interface {
	// Load loads configuration with the following precedence:
	// 1. Environment variables
	// 2. Configuration file
	// 3. Default values
	//
	// Returns the merged configuration or an error if validation fails.
	Load() (*Config, error)

	// LoadFromFile loads configuration from a specific file.
	LoadFromFile(path string) (*Config, error)

	// ConfigPath returns the configuration file Load reads, or "" if none
	// exists.
	ConfigPath() string
}

// loader implements the Loader interface.
type loader struct {
	configPath string
}

// NewLoader creates a new configuration loader.
//
// If configPath is empty, the file is located by ConfigPath.
func NewLoader(configPath string) Loader {
	return &loader{
		configPath: configPath,
	}
}

// Load implements Loader.Load.
func (l *loader) Load() (*Config, error) {
	cfg := Default()

	explicit := l.explicitPath()
	if configPath := l.ConfigPath(); configPath != "" {
		fileCfg, err := l.LoadFromFile(configPath)
		if err != nil {
			// A file that was asked for must load; a discovered one may not
			// exist by the time it is read.
			if explicit != "" {
				return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
		} else {
			cfg = l.mergeConfigs(cfg, fileCfg)
		}
	}

	cfg, err := l.applyEnvVars(cfg)
	if err != nil {
		return nil, err
	}

	cfg.ResolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile implements Loader.LoadFromFile.
func (l *loader) LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) // nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &cfg, nil
}

// ConfigPath implements Loader.ConfigPath.
//
// Searches in order:
// 1. the path given to NewLoader
// 2. $SESSION_STATE_CONFIG
// 3. ./session-state.yaml
// 4. ~/.config/session-state/config.yaml
//
// An explicit path is returned even if it does not exist, so Load can
// report it.
func (l *loader) ConfigPath() string {
	if explicit := l.explicitPath(); explicit != "" {
		return explicit
	}

	candidates := []string{localConfigFile}
	if p := defaultConfigPath(); p != "" {
		candidates = append(candidates, p)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func (l *loader) explicitPath() string {
	if l.configPath != "" {
		return expandHome(l.configPath)
	}
	return expandHome(os.Getenv(EnvConfig))
}

// mergeConfigs merges file configuration into default configuration.
//
// File values override defaults, but only if they are non-zero.
func (l *loader) mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.State.Path != "" {
		result.State.Path = override.State.Path
	}
	if override.State.ArchiveDir != "" {
		result.State.ArchiveDir = override.State.ArchiveDir
	}
	if override.State.IndexPath != "" {
		result.State.IndexPath = override.State.IndexPath
	}

	if override.Lock.Timeout > 0 {
		result.Lock.Timeout = override.Lock.Timeout
	}
	if override.Lock.PollInterval > 0 {
		result.Lock.PollInterval = override.Lock.PollInterval
	}

	if override.Watch.Debounce > 0 {
		result.Watch.Debounce = override.Watch.Debounce
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Output != "" {
		result.Logging.Output = override.Logging.Output
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}

	return &result
}

// applyEnvVars applies environment variable overrides to the configuration.
//
// Supported environment variables:
//   - SESSION_STATE_PATH: Active session document
//   - SESSION_STATE_ARCHIVE_DIR: Archive directory
//   - SESSION_STATE_LOCK_TIMEOUT: Lock timeout ("5s", or milliseconds)
//   - SESSION_STATE_LOG_LEVEL: Log level
func (l *loader) applyEnvVars(cfg *Config) (*Config, error) {
	result := *cfg

	if path := os.Getenv(EnvPath); path != "" {
		result.State.Path = path
	}

	if dir := os.Getenv(EnvArchiveDir); dir != "" {
		result.State.ArchiveDir = dir
	}

	if raw := os.Getenv(EnvLockTimeout); raw != "" {
		timeout, err := parseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, EnvLockTimeout, raw, err)
		}
		result.Lock.Timeout = timeout
	}

	if logLevel := os.Getenv(EnvLogLevel); logLevel != "" {
		result.Logging.Level = strings.ToLower(logLevel)
	}

	return &result, nil
}

// parseDuration accepts a Go duration string or a bare number of
// milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// Load is a convenience function that creates a loader and loads configuration.
//
// Equivalent to:
//
//	loader := NewLoader("")
//	return loader.Load()
func Load() (*Config, error) {
	return NewLoader("").Load()
}

// LoadFromFile is a convenience function that loads configuration from a file.
//
// Equivalent to:
//
//	loader := NewLoader(path)
//	return loader.Load()
func LoadFromFile(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Save writes the configuration to a YAML file.
//
// Creates parent directories if they don't exist.
// File is created with 0600 permissions (read/write for owner only).
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Marshal renders the configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
