// Package config provides configuration management for session-state.
//
// Configuration is loaded from multiple sources with the following precedence:
// 1. Command-line flags (highest priority)
// 2. Environment variables
// 3. Configuration file
// 4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("State file: %s\n", cfg.State.Path)
package config

import (
	"path/filepath"
	"time"
)

// Config represents the complete application configuration.
//
// Invariants:
// - State.Path must be set
// - Lock.Timeout must be > 0
// - Lock.PollInterval must be > 0 and <= Lock.Timeout
// - Watch.Debounce must be > 0.
type Config struct {
	// Session document locations
	State StateConfig `yaml:"state"`

	// Lock settings
	Lock LockConfig `yaml:"lock"`

	// Watch settings
	Watch WatchConfig `yaml:"watch"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`
}

// StateConfig contains the filesystem layout of the session document.
type StateConfig struct {
	// Active session document. The backup and lock marker live beside it.
	Path string `yaml:"path"`

	// Directory of archived sessions (default: "archive" beside Path)
	ArchiveDir string `yaml:"archive_dir,omitempty"`

	// BoltDB archive index (default: index.db in ArchiveDir)
	IndexPath string `yaml:"index_path,omitempty"`
}

// LockConfig contains lock acquisition settings.
type LockConfig struct {
	// Maximum wait for the document lock
	Timeout time.Duration `yaml:"timeout"`

	// Wait between attempts while the lock is held
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WatchConfig contains settings for the watch command.
type WatchConfig struct {
	// Quiet period before a change is reported
	Debounce time.Duration `yaml:"debounce"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level"`

	// Log output destination (stdout, stderr, file path)
	Output string `yaml:"output"`

	// Log format (text, json)
	Format string `yaml:"format"`
}

// Validate checks if the configuration satisfies all invariants.
//
// Thread-safety: This method is read-only and thread-safe.
func (c *Config) Validate() error {
	if c.State.Path == "" {
		return ErrNoStatePath
	}

	if c.Lock.Timeout <= 0 {
		return ErrInvalidLockTimeout
	}
	if c.Lock.PollInterval <= 0 || c.Lock.PollInterval > c.Lock.Timeout {
		return ErrInvalidPollInterval
	}

	if c.Watch.Debounce <= 0 {
		return ErrInvalidDebounce
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return ErrInvalidLogLevel
	}

	validFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validFormats[c.Logging.Format] {
		return ErrInvalidLogFormat
	}

	return nil
}

// ResolvePaths fills the archive locations derived from State.Path and
// expands a leading ~ in every path.
func (c *Config) ResolvePaths() {
	c.State.Path = expandHome(c.State.Path)
	if c.State.ArchiveDir == "" {
		c.State.ArchiveDir = filepath.Join(filepath.Dir(c.State.Path), "archive")
	}
	c.State.ArchiveDir = expandHome(c.State.ArchiveDir)
	if c.State.IndexPath == "" {
		c.State.IndexPath = filepath.Join(c.State.ArchiveDir, "index.db")
	}
	c.State.IndexPath = expandHome(c.State.IndexPath)
}

// Default returns a configuration with default values. Archive locations
// are left empty; ResolvePaths derives them.
func Default() *Config {
	return &Config{
		State: StateConfig{
			Path: defaultStatePath,
		},
		Lock: LockConfig{
			Timeout:      5 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Output: "stderr",
			Format: "text",
		},
	}
}
