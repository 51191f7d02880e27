package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/buildfix/internal/types"
)

func newEvent(eventType EventType, sessionID string, severity EventSeverity, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Severity:  severity,
		Message:   message,
	}
}

// NewSimpleEvent creates an event without structured data.
func NewSimpleEvent(eventType EventType, sessionID string, severity EventSeverity, message string) *Event {
	return newEvent(eventType, sessionID, severity, message)
}

// NewSessionStartedEvent creates a session_started event for sess.
func NewSessionStartedEvent(sess *types.Session, maxAttempts int) (*Event, error) {
	event := newEvent(EventTypeSessionStarted, sess.ID, SeverityInfo,
		fmt.Sprintf("Session started with %d errors (threshold %d)", sess.InitialCount, sess.Threshold()))
	if err := event.SetSessionStartedData(SessionStartedData{
		InitialCount: sess.InitialCount,
		Slack:        sess.Slack,
		Threshold:    sess.Threshold(),
		MaxAttempts:  maxAttempts,
	}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewSessionEndedEvent creates session_completed or session_rolled_back
// depending on the session outcome.
func NewSessionEndedEvent(sess *types.Session) (*Event, error) {
	eventType, severity := EventTypeSessionCompleted, SeverityInfo
	if sess.Outcome == types.OutcomeRolledBack {
		eventType, severity = EventTypeSessionRolledBack, SeverityCritical
	}
	msg := fmt.Sprintf("Session %s: %d -> %d errors", sess.Outcome, sess.InitialCount, sess.FinalCount)
	if sess.Reason != "" {
		msg += " (" + sess.Reason + ")"
	}
	event := newEvent(eventType, sess.ID, severity, msg)
	if err := event.SetSessionEndedData(SessionEndedData{
		Outcome:      string(sess.Outcome),
		InitialCount: sess.InitialCount,
		FinalCount:   sess.FinalCount,
		Committed:    len(sess.Committed()),
		Rejected:     len(sess.Rejected()),
		DurationMs:   sess.EndedAt.Sub(sess.StartedAt).Milliseconds(),
		Reason:       sess.Reason,
	}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewAttemptEvent creates the event matching a terminal attempt's result.
func NewAttemptEvent(a *types.FixAttempt) (*Event, error) {
	var (
		eventType EventType
		severity  = SeverityInfo
		msg       string
	)
	switch a.Result {
	case types.ResultCommitted:
		eventType = EventTypeAttemptCommitted
		msg = fmt.Sprintf("Fixed %s in %s:%d", a.Diagnostic.Code, a.Diagnostic.File, a.Diagnostic.Line)
	case types.ResultRolledBack:
		eventType, severity = EventTypeAttemptRolledBack, SeverityWarning
		msg = fmt.Sprintf("Rolled back fix for %s in %s: %s", a.Diagnostic.Code, a.Diagnostic.File, a.Reason)
	case types.ResultRestoreFailed:
		eventType, severity = EventTypeAttemptRolledBack, SeverityError
		msg = fmt.Sprintf("Could not restore %s after fix for %s: %s", a.Diagnostic.File, a.Diagnostic.Code, a.Reason)
	default:
		eventType = EventTypeAttemptRejected
		msg = fmt.Sprintf("Rejected fix for %s in %s: %s", a.Diagnostic.Code, a.Diagnostic.File, a.Reason)
	}
	event := newEvent(eventType, a.SessionID, severity, msg)
	if err := event.SetAttemptData(AttemptData{
		AttemptID:    a.ID,
		File:         a.Diagnostic.File,
		Line:         a.Diagnostic.Line,
		Code:         a.Diagnostic.Code,
		Kind:         string(a.Strategy.Kind),
		State:        string(a.State),
		Result:       string(a.Result),
		Reason:       a.Reason,
		BackupRef:    a.BackupRef,
		TableVersion: a.Strategy.TableVersion,
	}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewNoStrategyEvent records that d has no automated remedy.
func NewNoStrategyEvent(sessionID string, d types.Diagnostic) (*Event, error) {
	event := newEvent(EventTypeNoStrategy, sessionID, SeverityInfo,
		fmt.Sprintf("No automated remedy for %s in %s:%d", d.Code, d.File, d.Line))
	if err := event.SetAttemptData(AttemptData{File: d.File, Line: d.Line, Code: d.Code}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewThresholdExceededEvent records a watchdog stop.
func NewThresholdExceededEvent(sessionID string, count, threshold int) (*Event, error) {
	event := newEvent(EventTypeSafetyThresholdExceeded, sessionID, SeverityCritical,
		fmt.Sprintf("Error count %d exceeded threshold %d", count, threshold))
	if err := event.SetThresholdData(ThresholdData{Count: count, Threshold: threshold}); err != nil {
		return nil, err
	}
	return event, nil
}
