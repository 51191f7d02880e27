package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// AppendEvent stores payload as the next event of session and returns its
// sequence number. Sequence numbers start at 1 and are per session.
func (s *Store) AppendEvent(ctx context.Context, session string, payload []byte) (int64, error) {
	if session == "" {
		return 0, fmt.Errorf("session id is required")
	}

	var seq int64
	err := s.backend.Update(ctx, eventSeqKey+session, func(cur []byte, exists bool) ([]byte, bool, error) {
		seq = 0
		if exists {
			n, err := strconv.ParseInt(string(cur), 10, 64)
			if err != nil {
				return nil, false, fmt.Errorf("invalid event sequence %q: %w", cur, err)
			}
			seq = n
		}
		seq++
		return []byte(strconv.FormatInt(seq, 10)), false, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate event sequence: %w", err)
	}

	if err := s.backend.Put(ctx, eventKey(session, seq), payload); err != nil {
		return 0, fmt.Errorf("failed to store event: %w", err)
	}
	return seq, nil
}

// Events returns the stored payloads of session in sequence order
func (s *Store) Events(ctx context.Context, session string) ([][]byte, error) {
	keys, err := s.backend.List(ctx, eventPrefix+session+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		raw, err := s.backend.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to read event %s: %w", k, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// eventKey zero-pads seq so lexical key order is sequence order
func eventKey(session string, seq int64) string {
	return fmt.Sprintf("%s%s/%012d", eventPrefix, session, seq)
}

// EventSessions lists the sessions that have recorded events, in key order
func (s *Store) EventSessions(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, eventSeqKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list event sessions: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, eventSeqKey))
	}
	return out, nil
}

// DeleteEvents removes every event of session and its sequence counter
func (s *Store) DeleteEvents(ctx context.Context, session string) error {
	if session == "" {
		return fmt.Errorf("session id is required")
	}
	keys, err := s.backend.List(ctx, eventPrefix+session+"/")
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", k, err)
		}
	}
	// Counter last, so a failed delete can be retried by session
	if err := s.backend.Delete(ctx, eventSeqKey+session); err != nil {
		return fmt.Errorf("failed to delete event sequence: %w", err)
	}
	return nil
}
