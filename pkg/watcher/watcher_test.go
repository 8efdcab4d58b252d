package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xmhha/session-state/pkg/fsx"
	"github.com/0xmhha/session-state/pkg/logger"
)

func newTestWatcher(t *testing.T) Watcher {
	t.Helper()

	w, err := New(Config{DebounceInterval: 50 * time.Millisecond}, logger.Noop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if closeErr := w.Close(); closeErr != nil {
			t.Logf("Close() error = %v", closeErr)
		}
	})
	return w
}

func startWatching(t *testing.T, w Watcher, files ...string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := w.Start(ctx, files); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func waitEvent(t *testing.T, w Watcher) Event {
	t.Helper()

	select {
	case event := <-w.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, w Watcher, wait time.Duration) {
	t.Helper()

	select {
	case event := <-w.Events():
		t.Errorf("unexpected event %s for %s", event.Op, event.Path)
	case <-time.After(wait):
	}
}

func TestNew(t *testing.T) {
	w, err := New(Config{}, logger.Noop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if closeErr := w.Close(); closeErr != nil {
		t.Errorf("Close() error = %v", closeErr)
	}
}

func TestStartMissingDirectory(t *testing.T) {
	w := newTestWatcher(t)
	missing := filepath.Join(t.TempDir(), "nope", "current.json")

	err := w.Start(context.Background(), []string{missing})
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Start() error = %v, want ErrInvalidPath", err)
	}
}

func TestStartAlreadyStarted(t *testing.T) {
	w := newTestWatcher(t)
	file := filepath.Join(t.TempDir(), "current.json")
	startWatching(t, w, file)

	if err := w.Start(context.Background(), []string{file}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestFileCreate(t *testing.T) {
	w := newTestWatcher(t)
	file := filepath.Join(t.TempDir(), "current.json")
	startWatching(t, w, file)

	if err := os.WriteFile(file, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	event := waitEvent(t, w)
	if event.Path != file {
		t.Errorf("Event path = %s, want %s", event.Path, file)
	}
	if event.Op != OpCreate && event.Op != OpWrite {
		t.Errorf("Event op = %s, want CREATE or WRITE", event.Op)
	}
}

func TestAtomicReplaceIsSeen(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "current.json")
	if err := os.WriteFile(file, []byte(`{"v":1}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w := newTestWatcher(t)
	startWatching(t, w, file)

	for i := 0; i < 2; i++ {
		if err := fsx.WriteFileAtomic(file, []byte(`{"v":2}`), 0o600); err != nil {
			t.Fatalf("WriteFileAtomic() error = %v", err)
		}

		event := waitEvent(t, w)
		if event.Path != file {
			t.Errorf("Event path = %s, want %s", event.Path, file)
		}
	}
}

func TestFileDelete(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "current.json")
	if err := os.WriteFile(file, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w := newTestWatcher(t)
	startWatching(t, w, file)

	if err := os.Remove(file); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if event := waitEvent(t, w); event.Op != OpRemove {
		t.Errorf("Event op = %s, want REMOVE", event.Op)
	}
}

func TestDebouncing(t *testing.T) {
	w := newTestWatcher(t)
	file := filepath.Join(t.TempDir(), "current.json")
	startWatching(t, w, file)

	for i := 0; i < 10; i++ {
		if err := os.WriteFile(file, []byte{byte('0' + i)}, 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitEvent(t, w)
	expectNoEvent(t, w, 200*time.Millisecond)
}

func TestOtherFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "current.json")

	w := newTestWatcher(t)
	startWatching(t, w, file)

	for _, name := range []string{"current.json.bak", "current.json.lock", ".current.json.tmp-1", "other.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}

	expectNoEvent(t, w, 200*time.Millisecond)
}

func TestCloseTwice(t *testing.T) {
	w, err := New(Config{}, logger.Noop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := w.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStartAfterClose(t *testing.T) {
	w, err := New(Config{}, logger.Noop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	file := filepath.Join(t.TempDir(), "current.json")
	if err := w.Start(context.Background(), []string{file}); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("Start() error = %v, want ErrWatcherClosed", err)
	}
}
