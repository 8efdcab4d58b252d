package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xmhha/session-state/pkg/session"
	"github.com/0xmhha/session-state/pkg/state"
	"github.com/0xmhha/session-state/pkg/store"
	"github.com/0xmhha/session-state/pkg/watcher"
)

// command is one CLI operation.
type command struct {
	run func(ctx context.Context, a *app, args []string) error
}

// documentOp is a manager operation that takes a payload and returns the
// resulting document.
type documentOp func(m session.Manager, ctx context.Context, payload map[string]any) (state.Document, error)

// payloadMode says whether a command takes a JSON payload.
type payloadMode int

const (
	payloadNone payloadMode = iota
	payloadOptional
	payloadRequired
)

var commands = map[string]command{
	"init-session":       {run: documentCommand("init-session", payloadOptional, session.Manager.Initialize)},
	"update-state":       {run: documentCommand("update-state", payloadRequired, session.Manager.UpdateState)},
	"add-step":           {run: documentCommand("add-step", payloadRequired, session.Manager.AddStep)},
	"add-validation":     {run: documentCommand("add-validation", payloadRequired, session.Manager.AddValidationResult)},
	"add-screenshot":     {run: documentCommand("add-screenshot", payloadRequired, session.Manager.AddScreenshot)},
	"add-error":          {run: documentCommand("add-error", payloadRequired, session.Manager.AddError)},
	"update-performance": {run: documentCommand("update-performance", payloadRequired, session.Manager.UpdatePerformance)},
	"complete-session":   {run: documentCommand("complete-session", payloadOptional, session.Manager.CompleteSession)},
	"fail-session":       {run: documentCommand("fail-session", payloadOptional, session.Manager.FailSession)},
	"read-state":         {run: runReadState},
	"validate":           {run: runValidate},
	"get-statistics":     {run: runStatistics},
	"archive-session":    {run: runArchiveSession},
	"list-archives":      {run: runListArchives},
	"show-archive":       {run: runShowArchive},
	"watch":              {run: runWatch},
}

// documentCommand adapts a manager operation to a command.
func documentCommand(name string, mode payloadMode, op documentOp) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, args []string) error {
		payload, err := parsePayload(name, mode, args, a.stdin)
		if err != nil {
			return err
		}

		doc, err := op(a.manager, ctx, payload)
		if err != nil {
			return err
		}
		return writeJSON(a.stdout, doc, a.pretty)
	}
}

// parsePayload decodes the command's JSON object argument. "-" reads it
// from stdin.
func parsePayload(name string, mode payloadMode, args []string, stdin io.Reader) (map[string]any, error) {
	switch {
	case len(args) == 0 && mode == payloadRequired:
		return nil, usagef("%s requires a JSON payload", name)
	case len(args) == 0:
		return nil, nil
	case mode == payloadNone || len(args) > 1:
		return nil, usagef("%s: unexpected arguments: %s", name, strings.Join(args, " "))
	}

	raw := []byte(args[0])
	if args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read payload from stdin: %w", name, err)
		}
		raw = data
	}

	payload, err := state.DecodeObject(raw)
	if err != nil {
		return nil, usagef("%s: invalid JSON payload: %v", name, err)
	}
	return payload, nil
}

func noArgs(name string, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments, got: %s", name, strings.Join(args, " "))
	}
	return nil
}

func runReadState(ctx context.Context, a *app, args []string) error {
	if err := noArgs("read-state", args); err != nil {
		return err
	}

	doc, err := a.manager.Read(ctx)
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, doc, a.pretty)
}

// validationReport is printed by the validate command.
type validationReport struct {
	Valid       bool         `json:"valid"`
	Path        string       `json:"path"`
	SessionID   string       `json:"sessionId"`
	Status      state.Status `json:"status"`
	CurrentStep int64        `json:"currentStep"`
}

func runValidate(ctx context.Context, a *app, args []string) error {
	if err := noArgs("validate", args); err != nil {
		return err
	}

	doc, err := a.manager.Validate(ctx)
	if err != nil {
		return err
	}

	return writeJSON(a.stdout, validationReport{
		Valid:       true,
		Path:        a.manager.StatePath(),
		SessionID:   doc.SessionID(),
		Status:      doc.Status(),
		CurrentStep: doc.CurrentStep(),
	}, a.pretty)
}

func runStatistics(ctx context.Context, a *app, args []string) error {
	if err := noArgs("get-statistics", args); err != nil {
		return err
	}

	stats, err := a.manager.Statistics(ctx)
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, stats, a.pretty)
}

func runArchiveSession(ctx context.Context, a *app, args []string) error {
	if err := noArgs("archive-session", args); err != nil {
		return err
	}

	entry, err := a.manager.ArchiveSession(ctx)
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, entry, a.pretty)
}

func runListArchives(_ context.Context, a *app, args []string) error {
	if err := noArgs("list-archives", args); err != nil {
		return err
	}

	entries, err := a.manager.ListArchives()
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, entries, a.pretty)
}

func runShowArchive(_ context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return usagef("show-archive requires exactly one session id")
	}

	doc, _, err := a.manager.LoadArchive(args[0])
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, doc, a.pretty)
}

// runWatch prints statistics for the current document and again after
// every change, one JSON object per line, until interrupted.
func runWatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	debounce := fs.Duration("debounce", a.cfg.Watch.Debounce, "quiet period before reporting a change")

	if err := fs.Parse(args); err != nil {
		return usagef("watch: %v", err)
	}
	if fs.NArg() > 0 {
		return usagef("watch: unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	w, err := watcher.New(watcher.Config{DebounceInterval: *debounce}, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			a.logger.Warn("failed to close watcher", "error", closeErr)
		}
	}()

	// The directory must exist to be watched; the document itself may not.
	if err := os.MkdirAll(filepath.Dir(a.manager.StatePath()), 0o750); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := w.Start(ctx, []string{a.manager.StatePath()}); err != nil {
		return fmt.Errorf("watch %s: %w", a.manager.StatePath(), err)
	}

	if err := a.printSnapshotStatistics(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events():
			if !ok {
				return nil
			}
			a.logger.Debug("state file changed", "op", event.Op.String())
			if err := a.printSnapshotStatistics(); err != nil {
				return err
			}

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			if errors.Is(err, watcher.ErrCircuitBreakerOpen) {
				return fmt.Errorf("watch %s: %w", a.manager.StatePath(), err)
			}
			a.logger.Warn("watcher error", "error", err)
		}
	}
}

// printSnapshotStatistics prints statistics of the current document read
// without the lock. A missing or unreadable document is logged and skipped.
func (a *app) printSnapshotStatistics() error {
	doc, err := a.manager.Snapshot()
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.logger.Info("no active session", "path", a.manager.StatePath())
		return nil
	case err != nil:
		a.logger.Warn("failed to read session snapshot", "error", err)
		return nil
	}

	return writeJSON(a.stdout, session.ComputeStatistics(doc, time.Now()), false)
}
