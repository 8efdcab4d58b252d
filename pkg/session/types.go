// Package session coordinates the lifecycle of the single active session
// document shared by independent processes.
//
// Every mutating operation runs the same cycle: acquire the document lock,
// read and validate the current document, apply the change, validate the
// result and its transition from the previous document, write it atomically,
// and release the lock. A failure at any point leaves the stored document
// unchanged. Operations are never retried internally, since retrying an
// append could duplicate a record.
//
// Example usage:
//
//	mgr, err := session.New(session.Config{
//	    StatePath: ".session-state/current.json",
//	}, logger.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	doc, err := mgr.AddStep(ctx, map[string]any{"action": "navigate"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(doc.CurrentStep())
package session

import (
	"context"
	"time"

	"github.com/0xmhha/session-state/pkg/archive"
	"github.com/0xmhha/session-state/pkg/lock"
	"github.com/0xmhha/session-state/pkg/state"
)

// DefaultLockTimeout bounds how long an operation waits for the document
// lock.
const DefaultLockTimeout = 5 * time.Second

// Manager runs session lifecycle operations against one state file.
type Manager interface {
	// Initialize writes the first document of a new session.
	//
	// Missing fields are filled in: a generated sessionId, status
	// "initialized", zero counters, empty record arrays and the start time.
	// Returns ErrSessionActive if a document already exists.
	Initialize(ctx context.Context, fields map[string]any) (state.Document, error)

	// Read returns the active document, restoring it from the backup if the
	// file is malformed.
	Read(ctx context.Context) (state.Document, error)

	// Validate checks the active document as stored and reports the
	// invariants it breaks. Unlike Read it never restores from the backup.
	Validate(ctx context.Context) (state.Document, error)

	// UpdateState shallow-merges partial into the document. Record arrays
	// cannot be replaced this way.
	UpdateState(ctx context.Context, partial map[string]any) (state.Document, error)

	// AddStep appends a step numbered currentStep+1 and advances
	// currentStep. An initialized session moves to in_progress.
	AddStep(ctx context.Context, payload map[string]any) (state.Document, error)

	// AddValidationResult appends a validation result stamped with the
	// current step.
	AddValidationResult(ctx context.Context, payload map[string]any) (state.Document, error)

	// AddScreenshot appends a screenshot record stamped with the current
	// step.
	AddScreenshot(ctx context.Context, payload map[string]any) (state.Document, error)

	// AddError appends an error record stamped with the current step.
	AddError(ctx context.Context, payload map[string]any) (state.Document, error)

	// UpdatePerformance merges partial into the performance sub-document.
	UpdatePerformance(ctx context.Context, partial map[string]any) (state.Document, error)

	// CompleteSession marks the session completed, stamping endTime and
	// duration after merging final.
	CompleteSession(ctx context.Context, final map[string]any) (state.Document, error)

	// FailSession marks the session failed, stamping endTime and duration
	// after merging final.
	FailSession(ctx context.Context, final map[string]any) (state.Document, error)

	// ArchiveSession copies the active document verbatim into the archive
	// and removes the active document, its backup and its lock marker.
	ArchiveSession(ctx context.Context) (*archive.Entry, error)

	// Statistics returns the derived view of the active document.
	Statistics(ctx context.Context) (*Statistics, error)

	// Snapshot reads the active document without taking the lock. It never
	// writes.
	Snapshot() (state.Document, error)

	// ListArchives returns every archived session.
	ListArchives() ([]*archive.Entry, error)

	// LoadArchive returns an archived document after verifying its digest.
	LoadArchive(sessionID string) (state.Document, *archive.Entry, error)

	// StatePath returns the active document path.
	StatePath() string
}

// Config contains session manager configuration.
type Config struct {
	// StatePath is the active session document. Required.
	StatePath string

	// ArchiveDir holds archived documents (default: "archive" next to
	// StatePath).
	ArchiveDir string

	// IndexPath is the archive index (default: <ArchiveDir>/index.db).
	IndexPath string

	// LockTimeout bounds the wait for the document lock (default: 5s).
	LockTimeout time.Duration

	// PollInterval is the lock retry interval (default: 100ms).
	PollInterval time.Duration

	// Probe checks lock owner liveness (default: lock.SystemProbe()).
	Probe lock.ProcessProbe

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time
}

// Statistics is the derived, read-only view of a session.
type Statistics struct {
	SessionID    string       `json:"sessionId"`
	ScenarioName string       `json:"scenarioName,omitempty"`
	Status       state.Status `json:"status"`
	CurrentStep  int64        `json:"currentStep"`
	TotalSteps   int64        `json:"totalSteps"`

	// Progress is currentStep/totalSteps as a percentage, 0 when totalSteps
	// is 0.
	Progress float64 `json:"progress"`

	StartTime    string `json:"startTime,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
	EndTime      string `json:"endTime,omitempty"`

	// ElapsedMs runs to endTime for a finished session, otherwise to now.
	ElapsedMs int64  `json:"elapsedMs"`
	Elapsed   string `json:"elapsed"`

	Counts   RecordCounts `json:"counts"`
	Outcomes Outcomes     `json:"outcomes"`
}

// RecordCounts counts records of each kind.
type RecordCounts struct {
	Steps       int `json:"steps"`
	Validations int `json:"validations"`
	Screenshots int `json:"screenshots"`
	Errors      int `json:"errors"`
}

// Outcomes tallies records by the result their payload reports. Records
// that report no result are not counted.
type Outcomes struct {
	CompletedSteps        int `json:"completedSteps"`
	FailedSteps           int `json:"failedSteps"`
	PassedValidations     int `json:"passedValidations"`
	FailedValidations     int `json:"failedValidations"`
	SuccessfulScreenshots int `json:"successfulScreenshots"`
	FailedScreenshots     int `json:"failedScreenshots"`
}
