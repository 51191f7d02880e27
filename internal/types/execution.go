package types

import (
	"fmt"
	"time"
)

// AttemptState is the lifecycle state of a single fix attempt
//
// State flow:
//
//	Proposed → BackedUp → Applied → Verified → Committed
//	                              ↘ Failed → RolledBack
//	Proposed → Rejected (validation or transformation failed before backup)
//
// Committed, RolledBack and Rejected are terminal.
type AttemptState string

const (
	AttemptProposed   AttemptState = "proposed"
	AttemptBackedUp   AttemptState = "backed_up"
	AttemptApplied    AttemptState = "applied"
	AttemptVerified   AttemptState = "verified"
	AttemptCommitted  AttemptState = "committed"
	AttemptFailed     AttemptState = "failed"
	AttemptRolledBack AttemptState = "rolled_back"
	AttemptRejected   AttemptState = "rejected"
)

// IsValid checks if the attempt state value is valid
func (s AttemptState) IsValid() bool {
	switch s {
	case AttemptProposed, AttemptBackedUp, AttemptApplied, AttemptVerified,
		AttemptCommitted, AttemptFailed, AttemptRolledBack, AttemptRejected:
		return true
	}
	return false
}

// IsTerminal returns true if no further transition is possible
func (s AttemptState) IsTerminal() bool {
	return s == AttemptCommitted || s == AttemptRolledBack || s == AttemptRejected
}

// ValidTransitions returns the states reachable from s
func (s AttemptState) ValidTransitions() []AttemptState {
	switch s {
	case AttemptProposed:
		return []AttemptState{AttemptBackedUp, AttemptRejected}
	case AttemptBackedUp:
		// A cancellation between backup and write still restores
		return []AttemptState{AttemptApplied, AttemptFailed}
	case AttemptApplied:
		return []AttemptState{AttemptVerified, AttemptFailed}
	case AttemptVerified:
		return []AttemptState{AttemptCommitted}
	case AttemptFailed:
		return []AttemptState{AttemptRolledBack}
	default:
		return nil
	}
}

// CanTransition reports whether s → to is a legal move
func (s AttemptState) CanTransition(to AttemptState) bool {
	for _, next := range s.ValidTransitions() {
		if next == to {
			return true
		}
	}
	return false
}

// AttemptResult is what a caller of the modifier sees
type AttemptResult string

const (
	ResultCommitted     AttemptResult = "committed"
	ResultRejected      AttemptResult = "rejected"
	ResultRolledBack    AttemptResult = "rolled_back"
	// ResultRestoreFailed leaves the attempt Failed: its file could not be
	// put back and is in an unknown state
	ResultRestoreFailed AttemptResult = "restore_failed"
)

// FixAttempt is one application of a FixStrategy to one file.
// It is owned by the session that created it until it reaches a terminal state.
type FixAttempt struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Diagnostic Diagnostic    `json:"diagnostic"`
	Strategy   FixStrategy   `json:"strategy"`
	BackupRef  string        `json:"backup_ref,omitempty"`
	State      AttemptState  `json:"state"`
	Result     AttemptResult `json:"result,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Diff       string        `json:"diff,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at,omitempty"`
}

// NewFixAttempt creates an attempt in the Proposed state
func NewFixAttempt(id, sessionID string, d Diagnostic, s FixStrategy) *FixAttempt {
	return &FixAttempt{
		ID:         id,
		SessionID:  sessionID,
		Diagnostic: d,
		Strategy:   s,
		State:      AttemptProposed,
		StartedAt:  time.Now(),
	}
}

// Transition moves the attempt to a new state, enforcing the state machine
func (a *FixAttempt) Transition(to AttemptState) error {
	if !a.State.CanTransition(to) {
		return fmt.Errorf("invalid attempt transition from %s to %s", a.State, to)
	}
	a.State = to
	if to.IsTerminal() {
		a.EndedAt = time.Now()
	}
	return nil
}

// Reject ends a Proposed attempt as Rejected with the given reason
func (a *FixAttempt) Reject(reason string) error {
	if err := a.Transition(AttemptRejected); err != nil {
		return err
	}
	a.Result = ResultRejected
	a.Reason = reason
	return nil
}
