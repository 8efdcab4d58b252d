// Package watcher reports changes to individual files.
//
// Files replaced through a temp file and a rename lose any watch placed on
// the file itself, so the watcher watches each file's directory and filters
// events down to the requested names. Rapid bursts of events for one file
// are debounced into a single event.
//
// Example usage:
//
//	w, err := watcher.New(watcher.Config{
//	    DebounceInterval: 100 * time.Millisecond,
//	}, logger.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Close()
//
//	if err := w.Start(ctx, []string{".session-state/current.json"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range w.Events() {
//	    fmt.Printf("File %s: %s\n", event.Path, event.Op)
//	}
package watcher

import (
	"context"
	"time"
)

// Op describes a file operation type.
type Op uint32

// File operation types.
const (
	OpCreate Op = 1 << iota // File created or renamed into place
	OpWrite                 // File modified
	OpRemove                // File deleted
	OpRename                // File renamed away
	OpChmod                 // File permissions changed
)

// String returns a human-readable operation name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	case OpRename:
		return "RENAME"
	case OpChmod:
		return "CHMOD"
	default:
		return "UNKNOWN"
	}
}

// Event represents a change to a watched file.
type Event struct {
	// Path is the watched file, as given to Start (cleaned).
	Path string

	// Op is the last operation seen within the debounce window.
	Op Op

	// Timestamp is when the operation was seen.
	Timestamp time.Time
}

// Watcher reports changes to a set of files.
type Watcher interface {
	// Start begins watching the given files. The files need not exist yet,
	// but their directories must.
	//
	// Start returns once the watches are in place; events are processed in
	// the background until ctx is cancelled or Close is called.
	Start(ctx context.Context, files []string) error

	// Events returns the channel of debounced events. It is closed by Close.
	Events() <-chan Event

	// Errors returns the channel of non-fatal watcher errors. After
	// CircuitBreakerThreshold consecutive failures ErrCircuitBreakerOpen is
	// sent. It is closed by Close.
	Errors() <-chan error

	// Close stops the watcher and releases resources.
	Close() error
}

// Config contains watcher configuration.
type Config struct {
	// DebounceInterval is the quiet period before an event is emitted.
	// Events for the same file within this interval are coalesced.
	// Default: 100ms.
	DebounceInterval time.Duration

	// CircuitBreakerThreshold is the number of consecutive failures
	// before the watcher reports ErrCircuitBreakerOpen.
	// Default: 5.
	CircuitBreakerThreshold int
}
