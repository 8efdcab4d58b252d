// Package archive keeps retired session documents and an index over them.
//
// Each archived session is stored as an immutable JSON file named by its
// session id. A BoltDB index records where each copy lives together with a
// canonical digest, so a copy that was edited after archiving is detected
// when it is loaded.
//
// Example usage:
//
//	a, err := archive.Open(archive.Config{
//	    Dir:       ".session-state/archive",
//	    IndexPath: ".session-state/archive/index.db",
//	}, logger.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Close()
//
//	entries, err := a.List()
package archive

import "time"

// Entry is the index record of one archived session.
type Entry struct {
	// SessionID is the archived session identifier.
	SessionID string `json:"session_id"`

	// ScenarioName is copied from the document, if present.
	ScenarioName string `json:"scenario_name,omitempty"`

	// Status is the session status at archive time.
	Status string `json:"status"`

	// Steps is the number of steps the session recorded.
	Steps int64 `json:"steps"`

	// Path is the archived file.
	Path string `json:"path"`

	// Digest is the hex SHA-256 of the RFC 8785 canonical form of the
	// document.
	Digest string `json:"digest"`

	// Size is the archived file size in bytes.
	Size int64 `json:"size"`

	// ArchivedAt is when the session was archived.
	ArchivedAt time.Time `json:"archived_at"`
}

// Config contains archive configuration.
type Config struct {
	// Dir holds one JSON file per archived session.
	Dir string

	// IndexPath is the BoltDB index file (default: <Dir>/index.db).
	IndexPath string

	// Timeout bounds how long Open waits for the index file lock
	// (default: 1 second).
	Timeout time.Duration

	// Clock returns the archive time (default: time.Now).
	Clock func() time.Time
}
