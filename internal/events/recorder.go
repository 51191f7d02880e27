package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/steveyegge/buildfix/internal/storage"
)

// Recorder persists events to the state store and mirrors them to the log.
// Events are an audit trail: a failure to store one is logged, never
// allowed to fail the session.
type Recorder struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewRecorder creates a recorder. A nil logger uses slog.Default().
func NewRecorder(store *storage.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record stores e under its session and logs it. A nil recorder or event
// is a no-op.
func (r *Recorder) Record(ctx context.Context, e *Event) {
	if r == nil || e == nil {
		return
	}
	if e.CoordinatorID == "" && r.store != nil {
		e.CoordinatorID = r.store.Holder()
	}

	r.logger.Log(ctx, logLevel(e.Severity), e.Message, "event", e.Type, "session", e.SessionID)

	if r.store == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("failed to encode event", "event", e.Type, "error", err)
		return
	}
	if _, err := r.store.AppendEvent(context.WithoutCancel(ctx), e.SessionID, payload); err != nil {
		r.logger.Warn("failed to store event", "event", e.Type, "error", err)
	}
}

// Session returns the stored events of session in order
func (r *Recorder) Session(ctx context.Context, session string) ([]*Event, error) {
	raw, err := r.store.Events(ctx, session)
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(raw))
	for i, b := range raw {
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event %d of %s: %w", i+1, session, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// LastSession returns the most recent session with events, or "" when none.
// Session ids sort chronologically.
func (r *Recorder) LastSession(ctx context.Context) (string, error) {
	sessions, err := r.store.EventSessions(ctx)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", nil
	}
	return sessions[len(sessions)-1], nil
}

// Prune deletes the event logs of all but the newest keep sessions and
// returns how many were removed. keep <= 0 keeps everything.
func (r *Recorder) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	sessions, err := r.store.EventSessions(ctx)
	if err != nil {
		return 0, err
	}
	if len(sessions) <= keep {
		return 0, nil
	}
	stale := sessions[:len(sessions)-keep]
	for i, session := range stale {
		if err := r.store.DeleteEvents(ctx, session); err != nil {
			return i, fmt.Errorf("failed to prune events of %s: %w", session, err)
		}
	}
	r.logger.Debug("pruned session events", "removed", len(stale), "kept", keep)
	return len(stale), nil
}

func logLevel(s EventSeverity) slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
