package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/steveyegge/buildfix/internal/types"
)

// AcquireLock takes the advisory lock key for this store's holder.
//
// The lock is granted when no record exists, the record is free, its ttl
// has run out, or this holder already owns it (the ttl is then renewed).
// Otherwise ErrLockHeld is returned. The check and the write happen in one
// Backend.Update, so two holders can never both succeed. A corrupted record
// is archived first and then replaced by the grant in that same Update.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*types.LockRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %v", ttl)
	}
	storeKey := lockPrefix + key
	archived, err := s.archiveLockIfCorrupt(ctx, storeKey)
	if err != nil {
		return nil, err
	}

	var granted types.LockRecord
	err = s.backend.Update(ctx, storeKey, func(cur []byte, exists bool) ([]byte, bool, error) {
		now := s.now()
		if exists && !s.Validate(KindLock, cur) {
			if archived == nil || !bytes.Equal(cur, archived) {
				return nil, false, types.NewError(types.ErrStateCorruption, "acquire lock", storeKey, errRecordChanged)
			}
			s.logger.Warn("replacing corrupted lock record", "key", storeKey)
		} else if exists {
			var rec types.LockRecord
			if err := json.Unmarshal(cur, &rec); err != nil {
				return nil, false, types.NewError(types.ErrStateCorruption, "acquire lock", storeKey, err)
			}
			if !rec.Free() && rec.Holder != s.holder && !rec.Expired(now) {
				return nil, false, fmt.Errorf("%w: %s held by %s until %s", types.ErrLockHeld,
					key, rec.Holder, rec.ExpiresAt().Format(time.RFC3339))
			}
			if !rec.Free() && rec.Holder != s.holder {
				s.logger.Info("taking over expired lock", "key", key, "previous_holder", rec.Holder,
					"expired_at", rec.ExpiresAt())
			}
		}
		granted = types.LockRecord{Key: key, Holder: s.holder, AcquiredAt: now, TTL: ttl}
		next, err := json.Marshal(granted)
		return next, false, err
	})
	if err != nil {
		return nil, err
	}
	return &granted, nil
}

// AcquireLockWait retries AcquireLock with exponential backoff while the
// lock is held by someone else, for at most wait. A non-positive wait makes
// a single attempt.
func (s *Store) AcquireLockWait(ctx context.Context, key string, ttl, wait time.Duration) (*types.LockRecord, error) {
	if wait <= 0 {
		return s.AcquireLock(ctx, key, ttl)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = wait

	var rec *types.LockRecord
	err := backoff.Retry(func() error {
		var err error
		rec, err = s.AcquireLock(ctx, key, ttl)
		if err != nil && errors.Is(err, types.ErrLockHeld) {
			return err // Held - backoff will retry
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ReleaseLock releases key if this holder owns it. Releasing a lock owned
// by someone else, or one that does not exist, returns ErrLockNotHeld.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	storeKey := lockPrefix + key
	return s.backend.Update(ctx, storeKey, func(cur []byte, exists bool) ([]byte, bool, error) {
		if !exists {
			return nil, false, fmt.Errorf("%w: %s", types.ErrLockNotHeld, key)
		}
		var rec types.LockRecord
		if err := json.Unmarshal(cur, &rec); err != nil {
			return nil, false, types.NewError(types.ErrStateCorruption, "release lock", storeKey, err)
		}
		if rec.Free() || rec.Holder != s.holder {
			return nil, false, fmt.Errorf("%w: %s (holder %q)", types.ErrLockNotHeld, key, rec.Holder)
		}
		return nil, true, nil
	})
}

// GetLock returns the current record for key, or ErrNotFound
func (s *Store) GetLock(ctx context.Context, key string) (*types.LockRecord, error) {
	raw, err := s.backend.Get(ctx, lockPrefix+key)
	if err != nil {
		return nil, err
	}
	var rec types.LockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, types.NewError(types.ErrStateCorruption, "get lock", lockPrefix+key, err)
	}
	return &rec, nil
}

// Locks returns every live (held, unexpired) lock
func (s *Store) Locks(ctx context.Context) ([]types.LockRecord, error) {
	keys, err := s.backend.List(ctx, lockPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	now := s.now()
	var out []types.LockRecord
	for _, k := range keys {
		rec, err := s.GetLock(ctx, strings.TrimPrefix(k, lockPrefix))
		if err != nil {
			if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrStateCorruption) {
				continue
			}
			return nil, err
		}
		if rec.Free() || rec.Expired(now) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// archiveLockIfCorrupt archives the record at storeKey when it fails
// validation and returns the archived bytes, or nil when it is absent or valid.
func (s *Store) archiveLockIfCorrupt(ctx context.Context, storeKey string) ([]byte, error) {
	raw, err := s.backend.Get(ctx, storeKey)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", storeKey, err)
	}
	if s.Validate(KindLock, raw) {
		return nil, nil
	}
	if err := s.archive(ctx, storeKey, raw); err != nil {
		return nil, types.NewError(types.ErrStateCorruption, "acquire lock", storeKey, err)
	}
	return raw, nil
}
