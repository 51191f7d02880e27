package executor

import (
	"time"

	"github.com/steveyegge/buildfix/internal/report"
)

// SessionStatus is the live view of a running session
type SessionStatus struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	InitialCount int           `json:"initial_count"`
	Slack        int           `json:"slack"`
	Attempts     int           `json:"attempts"`
	Committed    int           `json:"committed"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Status describes what the executor is doing
type Status struct {
	Holder string `json:"holder"`
	// Active is nil when no session is running
	Active *SessionStatus `json:"active,omitempty"`
	// Last is the report of the most recent finished session
	Last *report.SessionReport `json:"last,omitempty"`
	// Sessions counts the sessions finished by this executor
	Sessions  int       `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

// Status returns a snapshot of the executor's state
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	st := Status{
		Holder:    e.store.Holder(),
		Last:      e.last,
		Sessions:  e.sessions,
		Timestamp: now,
	}
	if p := e.active; p != nil {
		st.Active = &SessionStatus{
			ID:           p.ID,
			Kind:         p.Kind,
			InitialCount: p.InitialCount,
			Slack:        p.Slack,
			Attempts:     p.Attempts,
			Committed:    p.Committed,
			Elapsed:      now.Sub(p.StartedAt),
		}
	}
	return st
}
