package state

import "errors"

// Common errors returned by the state package.
var (
	// ErrMalformed is returned when document bytes are not valid JSON.
	ErrMalformed = errors.New("malformed session document")

	// ErrSchemaViolation is returned when a document breaks a session invariant.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrNotObject is returned when a JSON payload is not an object.
	ErrNotObject = errors.New("payload must be a JSON object")
)
