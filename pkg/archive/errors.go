package archive

import "errors"

// Common errors returned by the archive.
var (
	// ErrNotFound is returned when no archive exists for a session id.
	ErrNotFound = errors.New("archive not found")

	// ErrExists is returned when a different document is already archived
	// under the same session id.
	ErrExists = errors.New("archive already exists")

	// ErrInvalidSessionID is returned when a session id cannot name a file.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrDigestMismatch is returned when an archived file no longer matches
	// its indexed digest.
	ErrDigestMismatch = errors.New("archive digest mismatch")
)
