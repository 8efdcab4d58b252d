package session

import "errors"

// Common errors returned by the session manager.
var (
	// ErrSessionActive is returned when initializing while a document
	// already exists.
	ErrSessionActive = errors.New("session already active")

	// ErrInvalidPayload is returned when a caller payload touches fields the
	// operation may not change.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidConfig is returned when the manager configuration is
	// incomplete.
	ErrInvalidConfig = errors.New("invalid session config")
)
