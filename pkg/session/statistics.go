package session

import (
	"math"
	"strings"
	"time"

	"github.com/0xmhha/session-state/pkg/state"
)

// ComputeStatistics derives the statistics view of doc as of now.
func ComputeStatistics(doc state.Document, now time.Time) *Statistics {
	stats := &Statistics{
		SessionID:    doc.SessionID(),
		ScenarioName: doc.String(state.FieldScenarioName),
		Status:       doc.Status(),
		CurrentStep:  doc.CurrentStep(),
		TotalSteps:   doc.TotalSteps(),
		StartTime:    doc.String(state.FieldStartTime),
		LastActivity: doc.String(state.FieldLastActivity),
		EndTime:      doc.String(state.FieldEndTime),
	}

	if stats.TotalSteps > 0 {
		pct := float64(stats.CurrentStep) / float64(stats.TotalSteps) * 100
		stats.Progress = math.Round(pct*100) / 100
	}

	if start, ok := doc.Time(state.FieldStartTime); ok {
		end := now
		if t, done := doc.Time(state.FieldEndTime); done {
			end = t
		}
		elapsed := max(end.Sub(start), 0)
		stats.ElapsedMs = elapsed.Milliseconds()
		stats.Elapsed = elapsed.Round(time.Millisecond).String()
	} else {
		stats.Elapsed = time.Duration(0).String()
	}

	steps := doc.Records(state.KindStep)
	validations := doc.Records(state.KindValidation)
	screenshots := doc.Records(state.KindScreenshot)

	stats.Counts = RecordCounts{
		Steps:       len(steps),
		Validations: len(validations),
		Screenshots: len(screenshots),
		Errors:      len(doc.Records(state.KindError)),
	}

	for _, r := range steps {
		switch outcome(r, false) {
		case outcomePass:
			stats.Outcomes.CompletedSteps++
		case outcomeFail:
			stats.Outcomes.FailedSteps++
		}
	}
	for _, r := range validations {
		switch outcome(r, false) {
		case outcomePass:
			stats.Outcomes.PassedValidations++
		case outcomeFail:
			stats.Outcomes.FailedValidations++
		}
	}
	// Screenshots count as successful unless they say otherwise.
	for _, r := range screenshots {
		switch outcome(r, true) {
		case outcomePass:
			stats.Outcomes.SuccessfulScreenshots++
		case outcomeFail:
			stats.Outcomes.FailedScreenshots++
		}
	}

	return stats
}

type recordOutcome int

const (
	outcomeUnknown recordOutcome = iota
	outcomePass
	outcomeFail
)

// outcome reads the result a record reports through a boolean "success" or
// "passed" field, or a "status" string.
func outcome(record any, passByDefault bool) recordOutcome {
	rec, ok := record.(map[string]any)
	if !ok {
		return outcomeUnknown
	}

	for _, key := range []string{"success", "passed"} {
		if b, isBool := rec[key].(bool); isBool {
			if b {
				return outcomePass
			}
			return outcomeFail
		}
	}

	if s, isString := rec["status"].(string); isString {
		switch strings.ToLower(s) {
		case "completed", "success", "passed", "ok":
			return outcomePass
		case "failed", "failure", "error":
			return outcomeFail
		}
	}

	if passByDefault {
		return outcomePass
	}
	return outcomeUnknown
}
