package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/0xmhha/session-state/pkg/archive"
	"github.com/0xmhha/session-state/pkg/lock"
	"github.com/0xmhha/session-state/pkg/logger"
	"github.com/0xmhha/session-state/pkg/state"
	"github.com/0xmhha/session-state/pkg/store"
	"github.com/google/uuid"
)

// manager implements Manager on top of a lock manager and a document store.
type manager struct {
	cfg    Config
	store  *store.Store
	locks  *lock.Manager
	logger logger.Logger
}

// mutation derives the next document from the current one. It must return
// a new document and leave doc untouched.
type mutation func(doc state.Document, now time.Time) (state.Document, error)

// New creates a session manager.
func New(cfg Config, log logger.Logger) (Manager, error) {
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("%w: state path is required", ErrInvalidConfig)
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(filepath.Dir(cfg.StatePath), "archive")
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.ArchiveDir, "index.db")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &manager{
		cfg:   cfg,
		store: store.New(store.Config{Path: cfg.StatePath}, log),
		locks: lock.New(lock.Config{
			PollInterval: cfg.PollInterval,
			Probe:        cfg.Probe,
		}, log),
		logger: log.With("component", "session"),
	}, nil
}

// StatePath implements Manager.StatePath.
func (m *manager) StatePath() string {
	return m.store.Path()
}

// Initialize implements Manager.Initialize.
func (m *manager) Initialize(ctx context.Context, fields map[string]any) (state.Document, error) {
	var doc state.Document

	err := m.withLock(ctx, func() error {
		exists, err := m.store.Exists()
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s exists; archive it first", ErrSessionActive, m.store.Path())
		}

		now := m.cfg.Clock()
		doc = newDocument(fields, now)
		if err := state.Validate(doc); err != nil {
			return fmt.Errorf("init-session: %w", err)
		}
		return m.store.Write(doc)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("session initialized",
		"session_id", doc.SessionID(),
		"scenario", doc.String(state.FieldScenarioName))
	return doc, nil
}

// Read implements Manager.Read.
func (m *manager) Read(ctx context.Context) (state.Document, error) {
	var doc state.Document

	err := m.withLock(ctx, func() error {
		var err error
		doc, err = m.store.Read()
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate implements Manager.Validate. The active file is checked as it
// is on disk; a malformed file is reported, not restored from the backup.
func (m *manager) Validate(ctx context.Context) (state.Document, error) {
	var doc state.Document

	err := m.withLock(ctx, func() error {
		var err error
		doc, err = m.store.Snapshot()
		if errors.Is(err, state.ErrMalformed) {
			return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
		}
		if err != nil {
			return err
		}
		return state.Validate(doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateState implements Manager.UpdateState.
func (m *manager) UpdateState(ctx context.Context, partial map[string]any) (state.Document, error) {
	if err := rejectRecordFields("update-state", partial); err != nil {
		return nil, err
	}

	return m.mutate(ctx, "update-state", func(doc state.Document, _ time.Time) (state.Document, error) {
		return doc.Merge(partial), nil
	})
}

// AddStep implements Manager.AddStep.
func (m *manager) AddStep(ctx context.Context, payload map[string]any) (state.Document, error) {
	return m.mutate(ctx, "add-step", func(doc state.Document, now time.Time) (state.Document, error) {
		next := doc.CurrentStep() + 1

		// Re-check monotonicity against the stored steps before appending.
		if last, ok := doc.LastStepNumber(); ok && last >= next {
			return nil, fmt.Errorf("%w: last step is %d but next stepNumber would be %d",
				state.ErrSchemaViolation, last, next)
		}

		out := doc.AppendRecord(state.KindStep, state.NewRecord(payload, next, now))
		out[state.FieldCurrentStep] = next
		if doc.Status() == state.StatusInitialized {
			out[state.FieldStatus] = string(state.StatusInProgress)
		}
		return out, nil
	})
}

// AddValidationResult implements Manager.AddValidationResult.
func (m *manager) AddValidationResult(ctx context.Context, payload map[string]any) (state.Document, error) {
	return m.appendRecord(ctx, "add-validation", state.KindValidation, payload)
}

// AddScreenshot implements Manager.AddScreenshot.
func (m *manager) AddScreenshot(ctx context.Context, payload map[string]any) (state.Document, error) {
	return m.appendRecord(ctx, "add-screenshot", state.KindScreenshot, payload)
}

// AddError implements Manager.AddError.
func (m *manager) AddError(ctx context.Context, payload map[string]any) (state.Document, error) {
	return m.appendRecord(ctx, "add-error", state.KindError, payload)
}

// UpdatePerformance implements Manager.UpdatePerformance.
func (m *manager) UpdatePerformance(ctx context.Context, partial map[string]any) (state.Document, error) {
	return m.mutate(ctx, "update-performance", func(doc state.Document, _ time.Time) (state.Document, error) {
		prev := doc.Performance()
		perf := make(map[string]any, len(prev)+len(partial))
		for k, v := range prev {
			perf[k] = v
		}
		for k, v := range partial {
			perf[k] = v
		}

		out := doc.Clone()
		out[state.FieldPerformance] = perf
		return out, nil
	})
}

// CompleteSession implements Manager.CompleteSession.
func (m *manager) CompleteSession(ctx context.Context, final map[string]any) (state.Document, error) {
	return m.finish(ctx, "complete-session", state.StatusCompleted, final)
}

// FailSession implements Manager.FailSession.
func (m *manager) FailSession(ctx context.Context, final map[string]any) (state.Document, error) {
	return m.finish(ctx, "fail-session", state.StatusFailed, final)
}

// ArchiveSession implements Manager.ArchiveSession.
//
// The copy happens under the lock so no late mutation is lost. Releasing
// the lock afterwards removes the marker, which leaves nothing of the
// session in the active location.
func (m *manager) ArchiveSession(ctx context.Context) (*archive.Entry, error) {
	var entry *archive.Entry

	err := m.withLock(ctx, func() error {
		doc, err := m.store.Read()
		if err != nil {
			return err
		}
		raw, err := m.store.ReadRaw()
		if err != nil {
			return err
		}

		a, err := m.openArchive()
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := a.Close(); closeErr != nil {
				m.logger.Warn("failed to close archive", "error", closeErr)
			}
		}()

		entry, err = a.Store(doc, raw)
		if err != nil {
			return err
		}
		return m.store.Remove()
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("session archived",
		"session_id", entry.SessionID,
		"path", entry.Path)
	return entry, nil
}

// Statistics implements Manager.Statistics.
func (m *manager) Statistics(ctx context.Context) (*Statistics, error) {
	doc, err := m.Read(ctx)
	if err != nil {
		return nil, err
	}
	return ComputeStatistics(doc, m.cfg.Clock()), nil
}

// Snapshot implements Manager.Snapshot.
func (m *manager) Snapshot() (state.Document, error) {
	return m.store.Snapshot()
}

// ListArchives implements Manager.ListArchives.
func (m *manager) ListArchives() ([]*archive.Entry, error) {
	a, err := m.openArchive()
	if err != nil {
		return nil, err
	}
	defer a.Close()

	return a.List()
}

// LoadArchive implements Manager.LoadArchive.
func (m *manager) LoadArchive(sessionID string) (state.Document, *archive.Entry, error) {
	a, err := m.openArchive()
	if err != nil {
		return nil, nil, err
	}
	defer a.Close()

	return a.Load(sessionID)
}

func (m *manager) openArchive() (*archive.Archive, error) {
	return archive.Open(archive.Config{
		Dir:       m.cfg.ArchiveDir,
		IndexPath: m.cfg.IndexPath,
		Clock:     m.cfg.Clock,
	}, m.logger)
}

// withLock runs fn while holding the document lock.
func (m *manager) withLock(ctx context.Context, fn func() error) error {
	return m.locks.WithLock(ctx, m.store.LockPath(), m.cfg.LockTimeout, fn)
}

// mutate runs one read-modify-write cycle under the document lock.
func (m *manager) mutate(ctx context.Context, op string, fn mutation) (state.Document, error) {
	var result state.Document

	err := m.withLock(ctx, func() error {
		prev, err := m.store.Read()
		if err != nil {
			return err
		}

		now := m.cfg.Clock()
		next, err := fn(prev, now)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		next = next.Clone()
		next[state.FieldLastActivity] = state.FormatTime(now)

		if err := state.Validate(next); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := state.CheckTransition(prev, next); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if err := m.store.Write(next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		m.logger.Debug("operation rejected", "op", op, "error", err)
		return nil, err
	}

	m.logger.Info("session updated",
		"op", op,
		"session_id", result.SessionID(),
		"current_step", result.CurrentStep())
	return result, nil
}

// appendRecord appends a record of kind stamped with the current step.
func (m *manager) appendRecord(ctx context.Context, op string, kind state.RecordKind, payload map[string]any) (state.Document, error) {
	return m.mutate(ctx, op, func(doc state.Document, now time.Time) (state.Document, error) {
		return doc.AppendRecord(kind, state.NewRecord(payload, doc.CurrentStep(), now)), nil
	})
}

// finish moves the session to a terminal status. Caller fields are merged
// first; status, endTime and duration are always set by the manager.
func (m *manager) finish(ctx context.Context, op string, status state.Status, final map[string]any) (state.Document, error) {
	if err := rejectRecordFields(op, final); err != nil {
		return nil, err
	}

	return m.mutate(ctx, op, func(doc state.Document, now time.Time) (state.Document, error) {
		out := doc.Merge(final)
		out[state.FieldStatus] = string(status)
		out[state.FieldEndTime] = state.FormatTime(now)

		var duration int64
		if start, ok := doc.Time(state.FieldStartTime); ok {
			duration = max(now.Sub(start).Milliseconds(), 0)
		}
		out[state.FieldDuration] = duration
		return out, nil
	})
}

// newDocument builds the first document of a session from caller fields.
func newDocument(fields map[string]any, now time.Time) state.Document {
	doc := state.Document{}.Merge(fields)
	stamp := state.FormatTime(now)

	defaults := map[string]any{
		state.FieldSessionID:   uuid.NewString(),
		state.FieldStatus:      string(state.StatusInitialized),
		state.FieldCurrentStep: int64(0),
		state.FieldTotalSteps:  int64(0),
		state.FieldStartTime:   stamp,
	}
	for k, v := range defaults {
		if _, ok := doc[k]; !ok {
			doc[k] = v
		}
	}
	for _, kind := range state.RecordKinds {
		if _, ok := doc[kind.Field()]; !ok {
			doc[kind.Field()] = []any{}
		}
	}
	doc[state.FieldLastActivity] = stamp
	return doc
}

// rejectRecordFields refuses payloads that would replace a record array.
func rejectRecordFields(op string, partial map[string]any) error {
	var errs []error
	for _, kind := range state.RecordKinds {
		if _, ok := partial[kind.Field()]; ok {
			errs = append(errs, fmt.Errorf("%w: %s cannot set %q; records are appended with their own commands",
				ErrInvalidPayload, op, kind.Field()))
		}
	}
	return errors.Join(errs...)
}
