package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/0xmhha/session-state/pkg/fsx"
	"github.com/0xmhha/session-state/pkg/logger"
	"github.com/0xmhha/session-state/pkg/state"
	"github.com/gowebpki/jcs"
	bolt "go.etcd.io/bbolt"
)

// bucketArchives maps session id -> Entry.
var bucketArchives = []byte("archives")

// archiveMode makes archived copies read-only.
const archiveMode = 0o444

// Archive stores retired session documents.
type Archive struct {
	db     *bolt.DB
	dir    string
	clock  func() time.Time
	logger logger.Logger
}

// Open opens the archive directory and its index, creating both if needed.
func Open(cfg Config, log logger.Logger) (*Archive, error) {
	if cfg.Dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.Dir, "index.db")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := bolt.Open(cfg.IndexPath, 0o600, &bolt.Options{
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive index %s: %w", cfg.IndexPath, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, createErr := tx.CreateBucketIfNotExists(bucketArchives); createErr != nil {
			return fmt.Errorf("failed to create archives bucket: %w", createErr)
		}
		return nil
	}); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("failed to close archive index after initialization error",
				"error", closeErr)
		}
		return nil, err
	}

	return &Archive{
		db:     db,
		dir:    cfg.Dir,
		clock:  cfg.Clock,
		logger: log.With("component", "archive"),
	}, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

// PathFor returns the archive file for a session id.
func (a *Archive) PathFor(sessionID string) string {
	return filepath.Join(a.dir, sessionID+".json")
}

// Store archives raw, the verbatim bytes of doc, under doc's session id.
//
// Storing the same document twice is a no-op that returns the existing
// entry. A different document already archived under the id yields
// ErrExists.
func (a *Archive) Store(doc state.Document, raw []byte) (*Entry, error) {
	id := doc.SessionID()
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}

	digest, err := Digest(raw)
	if err != nil {
		return nil, err
	}

	path := a.PathFor(id)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		prev, digestErr := Digest(existing)
		if digestErr != nil || prev != digest {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		a.logger.Info("session already archived", "session_id", id, "path", path)
	case errors.Is(err, fs.ErrNotExist):
		if writeErr := fsx.WriteFileAtomic(path, raw, archiveMode); writeErr != nil {
			return nil, fmt.Errorf("failed to write archive %s: %w", path, writeErr)
		}
	default:
		return nil, fmt.Errorf("failed to read archive %s: %w", path, err)
	}

	entry := &Entry{
		SessionID:    id,
		ScenarioName: doc.String(state.FieldScenarioName),
		Status:       string(doc.Status()),
		Steps:        int64(len(doc.Records(state.KindStep))),
		Path:         path,
		Digest:       digest,
		Size:         int64(len(raw)),
		ArchivedAt:   a.clock().UTC(),
	}

	if err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchives)

		// Keep the original archive time on a repeated store.
		if data := b.Get([]byte(id)); data != nil {
			var prev Entry
			if json.Unmarshal(data, &prev) == nil && prev.Digest == digest {
				entry.ArchivedAt = prev.ArchivedAt
			}
		}

		data, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal archive entry: %w", marshalErr)
		}
		if putErr := b.Put([]byte(id), data); putErr != nil {
			return fmt.Errorf("failed to index archive: %w", putErr)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	a.logger.Info("session archived",
		"session_id", id,
		"path", path,
		"digest", digest)

	return entry, nil
}

// Get returns the index entry for a session id.
func (a *Archive) Get(sessionID string) (*Entry, error) {
	var entry *Entry

	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArchives).Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal archive entry: %w", err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns every entry ordered by archive time.
func (a *Archive) List() ([]*Entry, error) {
	entries := make([]*Entry, 0, 16)

	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchives).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				a.logger.Warn("failed to unmarshal archive entry",
					"session_id", string(k),
					"error", err)
				return nil
			}
			entries = append(entries, &e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ArchivedAt.Equal(entries[j].ArchivedAt) {
			return entries[i].ArchivedAt.Before(entries[j].ArchivedAt)
		}
		return entries[i].SessionID < entries[j].SessionID
	})
	return entries, nil
}

// Load reads an archived document and checks it against its indexed
// digest.
func (a *Archive) Load(sessionID string) (state.Document, *Entry, error) {
	entry, err := a.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(entry.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s is indexed but missing", ErrNotFound, entry.Path)
		}
		return nil, nil, fmt.Errorf("failed to read archive %s: %w", entry.Path, err)
	}

	digest, err := Digest(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrDigestMismatch, entry.Path, err)
	}
	if digest != entry.Digest {
		return nil, nil, fmt.Errorf("%w: %s has %s, index has %s",
			ErrDigestMismatch, entry.Path, digest, entry.Digest)
	}

	doc, err := state.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("archive %s: %w", entry.Path, err)
	}
	return doc, entry, nil
}

// Close closes the index.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close archive index: %w", err)
	}
	return nil
}

// Digest returns the hex SHA-256 of the canonical (RFC 8785) form of a
// JSON document, so formatting differences do not change it.
func Digest(raw []byte) (string, error) {
	canonical, err := jcs.Transform(bytes.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateSessionID reports whether id can name an archive file.
func ValidateSessionID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidSessionID, id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidSessionID, id)
	}
	return nil
}
