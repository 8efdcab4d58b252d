package store

import "errors"

// Common errors returned by the state store.
var (
	// ErrNotFound is returned when no active session document exists.
	ErrNotFound = errors.New("no active session")

	// ErrCorrupt is returned when the active document cannot be parsed and
	// no usable backup exists.
	ErrCorrupt = errors.New("session document is corrupt")
)
