// Package state defines the session document shared by every process that
// coordinates through the state file, along with its validation rules.
//
// A document is kept as a generic JSON object so fields written by callers
// survive read-modify-write cycles untouched. Typed accessors cover the fields
// the coordinator itself interprets.
//
// Example usage:
//
//	doc, err := state.Decode(data)
//	if err != nil {
//	    return err
//	}
//	if err := state.Validate(doc); err != nil {
//	    return err
//	}
//	fmt.Println(doc.SessionID(), doc.CurrentStep())
package state

// Document is one session state document.
type Document map[string]any

// Field names interpreted by the coordinator.
const (
	FieldSessionID         = "sessionId"
	FieldScenarioName      = "scenarioName"
	FieldMode              = "mode"
	FieldStatus            = "status"
	FieldCurrentStep       = "currentStep"
	FieldTotalSteps        = "totalSteps"
	FieldSteps             = "steps"
	FieldValidationResults = "validationResults"
	FieldScreenshots       = "screenshots"
	FieldErrors            = "errors"
	FieldPerformance       = "performance"
	FieldStartTime         = "startTime"
	FieldLastActivity      = "lastActivity"
	FieldEndTime           = "endTime"
	FieldDuration          = "duration"

	FieldTimestamp  = "timestamp"
	FieldStepNumber = "stepNumber"
)

// Status is the lifecycle state of a session.
type Status string

// Session statuses, in forward order. Completed and failed are both terminal.
const (
	StatusInitialized Status = "initialized"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusInitialized:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic. Staying in the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// RecordKind names one of the append-only record arrays.
type RecordKind string

// Record kinds.
const (
	KindStep       RecordKind = FieldSteps
	KindValidation RecordKind = FieldValidationResults
	KindScreenshot RecordKind = FieldScreenshots
	KindError      RecordKind = FieldErrors
)

// RecordKinds lists every append-only array in document order.
var RecordKinds = []RecordKind{KindStep, KindValidation, KindScreenshot, KindError}

// Field returns the document field holding records of this kind.
func (k RecordKind) Field() string {
	return string(k)
}
