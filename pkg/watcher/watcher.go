package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xmhha/session-state/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// watcher implements the Watcher interface using fsnotify.
type watcher struct {
	fsw    *fsnotify.Watcher
	logger logger.Logger
	config Config

	events chan Event
	errors chan error

	mu       sync.RWMutex
	running  bool
	closed   bool
	stopChan chan struct{}

	// targets holds the cleaned paths of watched files.
	targets map[string]struct{}

	// Debouncing state.
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex

	// Circuit breaker state.
	failureCount int
}

// New creates a new file watcher.
func New(cfg Config, log logger.Logger) (Watcher, error) {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &watcher{
		fsw:            fsw,
		logger:         log.With("component", "watcher"),
		config:         cfg,
		events:         make(chan Event, 100),
		errors:         make(chan error, 10),
		stopChan:       make(chan struct{}),
		targets:        make(map[string]struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}, nil
}

// Start implements Watcher.Start.
func (w *watcher) Start(ctx context.Context, files []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.running {
		return ErrAlreadyStarted
	}

	dirs := make(map[string]struct{})
	for _, file := range files {
		if file == "" {
			continue
		}
		path := filepath.Clean(file)
		dir := filepath.Dir(path)

		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("watch directory does not exist, skipping",
					"path", path,
					"dir", dir)
				continue
			}
			return fmt.Errorf("failed to stat %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, dir)
		}

		w.targets[path] = struct{}{}
		dirs[dir] = struct{}{}
	}

	if len(w.targets) == 0 {
		return ErrInvalidPath
	}

	for dir := range dirs {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.logger.Debug("added watch directory", "dir", dir)
	}

	w.running = true
	w.logger.Info("watcher started", "files", len(w.targets))

	go w.processEvents(ctx)
	return nil
}

// Events implements Watcher.Events.
func (w *watcher) Events() <-chan Event {
	return w.events
}

// Errors implements Watcher.Errors.
func (w *watcher) Errors() <-chan error {
	return w.errors
}

// Close implements Watcher.Close.
func (w *watcher) Close() error {
	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	w.debounceTimers = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.running {
		close(w.stopChan)
		w.running = false
	}

	// Senders check closed under the read lock, so no send can race these.
	close(w.events)
	close(w.errors)

	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Debug("watcher closed")
	return nil
}

// processEvents handles events from fsnotify.
func (w *watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("event processing stopped", "reason", "context cancelled")
			return

		case <-w.stopChan:
			w.logger.Debug("event processing stopped", "reason", "closed")
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.handleError(err)
		}
	}
}

// handleEvent filters an fsnotify event down to the watched files and
// debounces it.
func (w *watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if _, ok := w.targets[path]; !ok {
		return
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		op = OpCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		op = OpWrite
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		op = OpRemove
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		op = OpRename
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		op = OpChmod
	default:
		return
	}

	w.mu.Lock()
	w.failureCount = 0
	w.mu.Unlock()

	w.debounceEvent(Event{
		Path:      path,
		Op:        op,
		Timestamp: time.Now(),
	})
}

// debounceEvent emits event once no newer event for the same path arrives
// within the debounce interval.
func (w *watcher) debounceEvent(event Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Path]; exists {
		timer.Stop()
	}

	w.debounceTimers[event.Path] = time.AfterFunc(w.config.DebounceInterval, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, event.Path)
		w.debounceMu.Unlock()

		w.mu.RLock()
		defer w.mu.RUnlock()
		if w.closed {
			return
		}

		select {
		case w.events <- event:
		default:
			w.logger.Warn("event channel full, dropping event", "path", event.Path)
		}
	})
}

// handleError reports an fsnotify error, opening the circuit breaker after
// too many consecutive failures.
func (w *watcher) handleError(err error) {
	w.mu.Lock()
	w.failureCount++
	failures := w.failureCount
	w.mu.Unlock()

	w.logger.Error("fsnotify error",
		"error", err,
		"failure_count", failures)

	if failures >= w.config.CircuitBreakerThreshold {
		w.logger.Error("circuit breaker opened",
			"threshold", w.config.CircuitBreakerThreshold)
		err = ErrCircuitBreakerOpen
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	select {
	case w.errors <- err:
	default:
		w.logger.Warn("error channel full, dropping error")
	}
}
