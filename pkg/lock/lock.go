package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/0xmhha/session-state/pkg/logger"
	"github.com/google/uuid"
)

// Manager acquires and releases lock markers.
//
// A Manager holds no state between calls; every decision is made from the
// marker on disk, so separate processes and separate Managers in one
// process contend correctly.
type Manager struct {
	cfg    Config
	logger logger.Logger
}

// New creates a lock manager.
func New(cfg Config, log logger.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Probe == nil {
		cfg.Probe = SystemProbe()
	}
	if cfg.PID <= 0 {
		cfg.PID = os.Getpid()
	}

	return &Manager{
		cfg:    cfg,
		logger: log.With("component", "lock"),
	}
}

// Acquire creates the marker at name, waiting up to maxWait for a live
// holder to release it.
//
// Corrupt markers and markers whose owner process is gone are removed and
// the attempt is retried immediately. Returns an error wrapping ErrTimeout
// that names the lock and its holder when maxWait elapses.
func (m *Manager) Acquire(ctx context.Context, name string, maxWait time.Duration) (*Handle, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o750); err != nil {
		return nil, fmt.Errorf("prepare lock directory for %s: %w", name, err)
	}

	start := time.Now()
	deadline := start.Add(maxWait)

	for attempt := 1; ; attempt++ {
		h, err := m.tryCreate(name)
		if err == nil {
			m.logger.Debug("lock acquired",
				"lock", name,
				"attempts", attempt,
				"waited", time.Since(start))
			return h, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}

		holder, retry := m.inspect(name)
		if retry {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("acquire lock %s: %w", name, ctxErr)
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: lock %s still held by pid %d after %s",
				ErrTimeout, name, holder, maxWait)
		}

		timer := time.NewTimer(min(m.cfg.PollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire lock %s: %w", name, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release removes the marker if h still owns it. Releasing a lock that is
// not held, or that has since been taken over, is a no-op.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	data, err := os.ReadFile(h.Name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("release lock %s: %w", h.Name, err)
	}

	owner, err := ParseOwner(data)
	if err != nil || owner.PID != h.PID || owner.Token != h.Token {
		m.logger.Debug("release skipped, lock not held", "lock", h.Name)
		return nil
	}

	if err := os.Remove(h.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", h.Name, err)
	}

	m.logger.Debug("lock released", "lock", h.Name, "held", time.Since(h.AcquiredAt))
	return nil
}

// WithLock runs fn while holding the lock at name.
func (m *Manager) WithLock(ctx context.Context, name string, maxWait time.Duration, fn func() error) error {
	h, err := m.Acquire(ctx, name, maxWait)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := m.Release(h); releaseErr != nil {
			m.logger.Warn("failed to release lock", "lock", name, "error", releaseErr)
		}
	}()

	return fn()
}

// ParseOwner decodes marker content. Both the JSON form written by this
// package and a bare decimal pid are accepted.
func ParseOwner(data []byte) (*Owner, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty lock marker")
	}

	var owner Owner
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &owner); err != nil {
			return nil, fmt.Errorf("decode lock marker: %w", err)
		}
	} else {
		pid, err := strconv.Atoi(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("lock marker is not a pid: %q", trimmed)
		}
		owner.PID = pid
	}

	if owner.PID <= 0 {
		return nil, fmt.Errorf("invalid pid %d in lock marker", owner.PID)
	}
	return &owner, nil
}

// tryCreate publishes a marker for this process. The content is written to
// a private file first and hard-linked into place, so the marker is never
// observed empty.
func (m *Manager) tryCreate(name string) (*Handle, error) {
	owner := Owner{
		PID:        m.cfg.PID,
		Token:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return nil, fmt.Errorf("encode lock marker: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".acquire-*")
	if err != nil {
		return nil, fmt.Errorf("create lock staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write lock staging file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("sync lock staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close lock staging file: %w", err)
	}

	if err := os.Link(tmpPath, name); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		// Filesystems without hard links get a plain exclusive create.
		if createErr := createExclusive(name, data); createErr != nil {
			return nil, createErr
		}
	}

	return &Handle{
		Name:       name,
		PID:        owner.PID,
		Token:      owner.Token,
		AcquiredAt: owner.AcquiredAt,
	}, nil
}

func createExclusive(name string, data []byte) error {
	// #nosec G304 -- lock path is derived from configured state path.
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write lock marker: %w", err)
	}
	return f.Close()
}

// inspect examines an existing marker. It reports the holder pid, and
// retry=true when the marker vanished or was removed as corrupt or stale.
func (m *Manager) inspect(name string) (int, bool) {
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, true
		}
		m.logger.Warn("failed to read lock marker", "lock", name, "error", err)
		return 0, false
	}

	owner, err := ParseOwner(data)
	if err != nil {
		m.logger.Warn("removing corrupt lock marker", "lock", name, "error", err)
		return 0, m.reclaim(name, data)
	}

	alive, err := m.cfg.Probe.Alive(owner.PID)
	if err != nil {
		m.logger.Debug("owner liveness unknown, treating lock as held",
			"lock", name,
			"owner_pid", owner.PID,
			"error", err)
		return owner.PID, false
	}
	if alive {
		return owner.PID, false
	}

	m.logger.Info("reclaiming stale lock", "lock", name, "stale_pid", owner.PID)
	return owner.PID, m.reclaim(name, data)
}

// reclaim removes a marker whose content was seen as seen. The marker is
// first moved aside; if it turns out to have changed hands in the meantime
// it is linked back. Reports whether the caller should retry at once.
//
// One window remains. Between the rename and the link back, the path is
// free: a third acquirer may publish its own marker there, in which case
// the link fails and the holder whose marker was moved aside loses it
// while still running. Its Release is then a no-op because the token no
// longer matches. Closing the window needs a kernel lock, which the marker
// protocol does not use.
func (m *Manager) reclaim(name string, seen []byte) bool {
	tomb := name + ".reclaim-" + uuid.NewString()
	if err := os.Rename(name, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		m.logger.Warn("failed to move lock marker aside", "lock", name, "error", err)
		return false
	}
	defer func() { _ = os.Remove(tomb) }()

	current, err := os.ReadFile(tomb)
	if err != nil || bytes.Equal(current, seen) {
		return true
	}

	if err := os.Link(tomb, name); err != nil {
		m.logger.Warn("failed to restore lock marker taken during reclaim",
			"lock", name,
			"error", err)
	}
	return true
}
