package config

import "errors"

// Common errors returned by the config package.
var (
	// ErrNoStatePath is returned when no state file path is configured.
	ErrNoStatePath = errors.New("no state file path specified")

	// ErrInvalidLockTimeout is returned when the lock timeout is <= 0.
	ErrInvalidLockTimeout = errors.New("invalid lock timeout: must be > 0")

	// ErrInvalidPollInterval is returned when the poll interval is <= 0 or
	// exceeds the lock timeout.
	ErrInvalidPollInterval = errors.New("invalid lock poll interval: must be > 0 and <= lock timeout")

	// ErrInvalidDebounce is returned when the watch debounce is <= 0.
	ErrInvalidDebounce = errors.New("invalid watch debounce: must be > 0")

	// ErrInvalidLogLevel is returned when log level is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level: must be debug, info, warn, or error")

	// ErrInvalidLogFormat is returned when log format is not recognized.
	ErrInvalidLogFormat = errors.New("invalid log format: must be text or json")

	// ErrConfigNotFound is returned when config file is not found.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrInvalidYAML is returned when config file has invalid YAML syntax.
	ErrInvalidYAML = errors.New("invalid YAML syntax in config file")

	// ErrInvalidEnv is returned when an environment override cannot be
	// parsed.
	ErrInvalidEnv = errors.New("invalid environment variable")
)
