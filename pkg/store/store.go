// Package store performs crash-safe reads and writes of the active session
// document.
//
// Every write first copies the current document to a backup file, then
// replaces the active file through a temp file and an atomic rename. A
// reader therefore sees either the old or the new document in full. When the
// active file is found malformed, it is restored from the backup.
//
// Example usage:
//
//	s := store.New(store.Config{Path: "/srv/uat/current.json"}, logger.Default())
//	doc, err := s.Read()
//	if errors.Is(err, store.ErrNotFound) {
//	    // no active session
//	}
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/0xmhha/session-state/pkg/fsx"
	"github.com/0xmhha/session-state/pkg/logger"
	"github.com/0xmhha/session-state/pkg/state"
)

// Suffixes appended to the active document path.
const (
	BackupSuffix = ".bak"
	LockSuffix   = ".lock"
)

const fileMode = 0o600

// Config contains store configuration.
type Config struct {
	// Path is the active session document.
	Path string
}

// Store reads and writes one session document.
type Store struct {
	path   string
	logger logger.Logger
}

// New creates a store for the document at cfg.Path.
func New(cfg Config, log logger.Logger) *Store {
	return &Store{
		path:   cfg.Path,
		logger: log.With("component", "store", "path", cfg.Path),
	}
}

// Path returns the active document path.
func (s *Store) Path() string {
	return s.path
}

// BackupPath returns the path of the pre-write backup.
func (s *Store) BackupPath() string {
	return s.path + BackupSuffix
}

// LockPath returns the path of the lock marker guarding the document.
func (s *Store) LockPath() string {
	return s.path + LockSuffix
}

// Exists reports whether an active document is present.
func (s *Store) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat session document %s: %w", s.path, err)
}

// Read loads and validates the active document.
//
// Malformed content is restored from the backup; the restored document is
// written back and returned. Returns ErrNotFound when no document exists,
// ErrCorrupt when neither file is usable, and a state.ErrSchemaViolation
// error when the document parses but breaks an invariant.
//
// Read must be called while holding the document lock, since recovery
// rewrites the active file.
func (s *Store) Read() (state.Document, error) {
	data, err := s.ReadRaw()
	if err != nil {
		return nil, err
	}

	doc, err := state.Decode(data)
	if errors.Is(err, state.ErrMalformed) {
		return s.recover(err)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	if err := state.Validate(doc); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return doc, nil
}

// Snapshot loads the active document without locking or recovery. It may
// be slightly stale but is never a partial write.
func (s *Store) Snapshot() (state.Document, error) {
	data, err := s.ReadRaw()
	if err != nil {
		return nil, err
	}

	doc, err := state.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.path, err)
	}
	return doc, nil
}

// ReadRaw returns the active document bytes exactly as stored.
func (s *Store) ReadRaw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read session document %s: %w", s.path, err)
	}
	return data, nil
}

// Write replaces the active document.
//
// The previous document is copied to the backup first. A failed backup is
// logged and does not block the write.
func (s *Store) Write(doc state.Document) error {
	data, err := state.Encode(doc)
	if err != nil {
		return err
	}

	s.backup()

	if err := fsx.WriteFileAtomic(s.path, data, fileMode); err != nil {
		return fmt.Errorf("write session document %s: %w", s.path, err)
	}

	s.logger.Debug("session document written",
		"session_id", doc.SessionID(),
		"bytes", len(data))
	return nil
}

// Remove deletes the active document and its backup.
func (s *Store) Remove() error {
	if err := fsx.RemoveIfExists(s.path); err != nil {
		return fmt.Errorf("remove session document %s: %w", s.path, err)
	}
	if err := fsx.RemoveIfExists(s.BackupPath()); err != nil {
		return fmt.Errorf("remove session backup %s: %w", s.BackupPath(), err)
	}
	return nil
}

// backup copies the current active document to the backup path. A document
// that does not parse is never copied, so a good backup survives a corrupt
// active file.
func (s *Store) backup() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read document for backup", "error", err)
		}
		return
	}

	if _, err := state.Decode(data); err != nil {
		s.logger.Warn("skipping backup of unreadable document", "error", err)
		return
	}

	if err := fsx.WriteFileAtomic(s.BackupPath(), data, fileMode); err != nil {
		s.logger.Warn("failed to write backup",
			"backup", s.BackupPath(),
			"error", err)
	}
}

// recover restores the active document from the backup after a parse
// failure. It never synthesizes a document.
func (s *Store) recover(cause error) (state.Document, error) {
	s.logger.Warn("session document is malformed, restoring from backup",
		"backup", s.BackupPath(),
		"error", cause)

	data, err := os.ReadFile(s.BackupPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v (no usable backup: %v)", ErrCorrupt, s.path, cause, err)
	}

	doc, err := state.Decode(data)
	if err == nil {
		err = state.Validate(doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v (backup %s unusable: %v)",
			ErrCorrupt, s.path, cause, s.BackupPath(), err)
	}

	if err := fsx.WriteFileAtomic(s.path, data, fileMode); err != nil {
		return nil, fmt.Errorf("restore %s from backup: %w", s.path, err)
	}

	s.logger.Warn("session document restored from backup", "session_id", doc.SessionID())
	return doc, nil
}
