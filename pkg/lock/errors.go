package lock

import "errors"

// Common errors returned by the lock manager.
var (
	// ErrTimeout is returned when a lock is not acquired within the wait bound.
	ErrTimeout = errors.New("lock timeout")

	// ErrInvalidName is returned when a lock name is empty.
	ErrInvalidName = errors.New("invalid lock name")
)
