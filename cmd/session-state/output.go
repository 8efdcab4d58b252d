package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/0xmhha/session-state/pkg/archive"
	"github.com/0xmhha/session-state/pkg/lock"
	"github.com/0xmhha/session-state/pkg/session"
	"github.com/0xmhha/session-state/pkg/state"
	"github.com/0xmhha/session-state/pkg/store"
	"golang.org/x/term"
)

// Process exit codes. Callers branch on these, so they are stable.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitLockTimeout = 4
	exitSchema      = 5
	exitCorrupt     = 6
	exitConflict    = 7
)

// usageError reports a malformed invocation.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// exitCodeFor maps an operation error to the process exit code.
func exitCodeFor(err error) int {
	var uerr *usageError

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &uerr):
		return exitUsage
	case errors.Is(err, store.ErrNotFound), errors.Is(err, archive.ErrNotFound):
		return exitNotFound
	case errors.Is(err, lock.ErrTimeout):
		return exitLockTimeout
	case errors.Is(err, state.ErrSchemaViolation), errors.Is(err, session.ErrInvalidPayload):
		return exitSchema
	case errors.Is(err, store.ErrCorrupt), errors.Is(err, archive.ErrDigestMismatch):
		return exitCorrupt
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, archive.ErrExists):
		return exitConflict
	default:
		return exitFailure
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// writeJSON prints v as one JSON value followed by a newline, indented
// when pretty is set.
func writeJSON(w io.Writer, v any, pretty bool) error {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
