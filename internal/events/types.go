package events

import (
	"time"
)

// EventType represents the type of event that occurred during a fix session.
type EventType string

const (
	// Session lifecycle
	// EventTypeSessionStarted indicates a supervised fix session began
	EventTypeSessionStarted EventType = "session_started"
	// EventTypeSessionCompleted indicates a session ended with Success or NoImprovement
	EventTypeSessionCompleted EventType = "session_completed"
	// EventTypeSessionRolledBack indicates every change of the session was restored
	EventTypeSessionRolledBack EventType = "session_rolled_back"
	// EventTypeSafetyThresholdExceeded indicates the watchdog stopped a session
	EventTypeSafetyThresholdExceeded EventType = "safety_threshold_exceeded"

	// Attempt lifecycle
	// EventTypeAttemptCommitted indicates a fix was verified and kept
	EventTypeAttemptCommitted EventType = "attempt_committed"
	// EventTypeAttemptRejected indicates a fix was refused or did not help
	EventTypeAttemptRejected EventType = "attempt_rejected"
	// EventTypeAttemptRolledBack indicates a fix was restored after an interruption
	EventTypeAttemptRolledBack EventType = "attempt_rolled_back"
	// EventTypeNoStrategy indicates a diagnostic has no automated remedy
	EventTypeNoStrategy EventType = "no_strategy"

	// Build and state
	// EventTypeBuildInfrastructureFailure indicates the build tool itself failed
	EventTypeBuildInfrastructureFailure EventType = "build_infrastructure_failure"
	// EventTypeStateRepaired indicates a corrupted state record was archived and reset
	EventTypeStateRepaired EventType = "state_repaired"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo is for informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning is for warnings that don't stop the session
	SeverityWarning EventSeverity = "warning"
	// SeverityError is for errors that ended an attempt or a session
	SeverityError EventSeverity = "error"
	// SeverityCritical is for events that required a full rollback
	SeverityCritical EventSeverity = "critical"
)

// Event is one entry of a session's event log.
type Event struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// SessionID is the session this event belongs to
	SessionID string `json:"session_id"`
	// CoordinatorID identifies the process that recorded the event
	CoordinatorID string `json:"coordinator_id"`
	// Severity indicates the importance level of the event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains event-specific structured data
	Data map[string]interface{} `json:"data"`
}

// SessionStartedData contains data for session_started events.
type SessionStartedData struct {
	InitialCount int `json:"initial_count"`
	Slack        int `json:"slack"`
	Threshold    int `json:"threshold"`
	MaxAttempts  int `json:"max_attempts"`
}

// SessionEndedData contains data for session_completed and session_rolled_back events.
type SessionEndedData struct {
	Outcome      string `json:"outcome"`
	InitialCount int    `json:"initial_count"`
	FinalCount   int    `json:"final_count"`
	Committed    int    `json:"committed"`
	Rejected     int    `json:"rejected"`
	DurationMs   int64  `json:"duration_ms"`
	Reason       string `json:"reason,omitempty"`
}

// AttemptData contains data for attempt_* and no_strategy events.
type AttemptData struct {
	AttemptID    string `json:"attempt_id,omitempty"`
	File         string `json:"file"`
	Line         int    `json:"line"`
	Code         string `json:"code"`
	Kind         string `json:"kind,omitempty"`
	State        string `json:"state,omitempty"`
	Result       string `json:"result,omitempty"`
	Reason       string `json:"reason,omitempty"`
	BackupRef    string `json:"backup_ref,omitempty"`
	TableVersion string `json:"table_version,omitempty"`
}

// ThresholdData contains data for safety_threshold_exceeded events.
type ThresholdData struct {
	Count     int `json:"count"`
	Threshold int `json:"threshold"`
}
