package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/buildfix/internal/types"
)

// RecordKind names the shape a persisted record is expected to have
type RecordKind string

const (
	KindCache RecordKind = "cache"
	KindLock  RecordKind = "lock"
)

// requiredFields lists the keys every record of a kind must carry
var requiredFields = map[RecordKind][]string{
	KindCache: {"count", "timestamp", "ttl"},
	KindLock:  {"key", "holder", "acquired_at", "ttl"},
}

// KindForKey infers the record kind from its storage key
func KindForKey(key string) (RecordKind, bool) {
	switch {
	case key == CacheKey:
		return KindCache, true
	case strings.HasPrefix(key, lockPrefix):
		return KindLock, true
	}
	return "", false
}

// Validate reports whether raw is a structurally complete record of kind:
// it must parse, carry every expected field, and satisfy the field
// constraints declared on the record type.
func (s *Store) Validate(kind RecordKind, raw []byte) bool {
	fields, ok := requiredFields[kind]
	if !ok {
		return false
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return false
	}
	for _, f := range fields {
		if _, ok := shape[f]; !ok {
			return false
		}
	}

	switch kind {
	case KindCache:
		var c types.CacheEntry
		if err := json.Unmarshal(raw, &c); err != nil {
			return false
		}
		return s.validate.Struct(c) == nil
	case KindLock:
		var l types.LockRecord
		if err := json.Unmarshal(raw, &l); err != nil {
			return false
		}
		return s.validate.Struct(l) == nil
	}
	return false
}

// canonical returns the canonical empty value for a record
func canonical(kind RecordKind, key string) ([]byte, error) {
	switch kind {
	case KindCache:
		return json.Marshal(types.CacheEntry{})
	case KindLock:
		return json.Marshal(types.LockRecord{Key: strings.TrimPrefix(key, lockPrefix)})
	}
	return nil, fmt.Errorf("unknown record kind %q", kind)
}

// Repair replaces the record at key with the canonical empty value for
// kind. The corrupted original is archived under archive/<key>/<nanos>,
// never deleted, before the replacement. The replacement only happens if
// the record still holds the archived bytes; a record rewritten with a
// valid value in between is kept. A failure is reported as
// ErrStateCorruption.
func (s *Store) Repair(ctx context.Context, key string, kind RecordKind) error {
	empty, err := canonical(kind, key)
	if err != nil {
		return types.NewError(types.ErrStateCorruption, "repair", key, err)
	}

	raw, err := s.backend.Get(ctx, key)
	switch {
	case errors.Is(err, types.ErrNotFound):
		raw = nil
	case err != nil:
		return types.NewError(types.ErrStateCorruption, "repair", key, err)
	}

	if raw != nil {
		if err := s.archive(ctx, key, raw); err != nil {
			return types.NewError(types.ErrStateCorruption, "repair", key, err)
		}
	}

	replaced := true
	err = s.backend.Update(ctx, key, func(cur []byte, exists bool) ([]byte, bool, error) {
		if exists && !bytes.Equal(cur, raw) {
			if s.Validate(kind, cur) {
				replaced = false
				return cur, false, nil
			}
			return nil, false, errRecordChanged
		}
		return empty, false, nil
	})
	if err != nil {
		return types.NewError(types.ErrStateCorruption, "repair", key, err)
	}
	if !replaced {
		s.logger.Info("state record was rewritten before repair, keeping it", "key", key, "kind", kind)
		return nil
	}
	s.logger.Info("repaired state record", "key", key, "kind", kind)
	return nil
}

var errRecordChanged = errors.New("corrupted record changed after it was archived")

// archive copies raw to archive/<key>/<nanos>
func (s *Store) archive(ctx context.Context, key string, raw []byte) error {
	archiveKey := fmt.Sprintf("%s%s/%d", archivePrefix, key, s.now().UnixNano())
	if err := s.backend.Put(ctx, archiveKey, raw); err != nil {
		return fmt.Errorf("failed to archive corrupted record: %w", err)
	}
	s.logger.Warn("archived corrupted state record", "key", key, "archive", archiveKey, "bytes", len(raw))
	return nil
}

// Check validates every cache and lock record and returns the keys that
// failed validation, sorted
func (s *Store) Check(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, lockPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	keys = append(keys, CacheKey)

	var bad []string
	for _, key := range keys {
		raw, err := s.backend.Get(ctx, key)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		kind, _ := KindForKey(key)
		if !s.Validate(kind, raw) {
			bad = append(bad, key)
		}
	}
	sort.Strings(bad)
	return bad, nil
}

// RepairAll repairs every record Check reports and returns the repaired keys
func (s *Store) RepairAll(ctx context.Context) ([]string, error) {
	bad, err := s.Check(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range bad {
		kind, _ := KindForKey(key)
		if err := s.Repair(ctx, key, kind); err != nil {
			return nil, err
		}
	}
	return bad, nil
}

// Archived lists archived copies of key, oldest first
func (s *Store) Archived(ctx context.Context, key string) ([]string, error) {
	return s.backend.List(ctx, archivePrefix+key+"/")
}

// GetCache returns the persisted count cache entry. A missing record is the
// zero entry. A corrupted record is repaired and reported as the zero
// (expired) entry; only a failed repair is an error.
func (s *Store) GetCache(ctx context.Context) (types.CacheEntry, error) {
	raw, err := s.backend.Get(ctx, CacheKey)
	if errors.Is(err, types.ErrNotFound) {
		return types.CacheEntry{}, nil
	}
	if err != nil {
		return types.CacheEntry{}, fmt.Errorf("failed to read count cache: %w", err)
	}

	if !s.Validate(KindCache, raw) {
		s.logger.Warn("count cache record is corrupted, repairing", "key", CacheKey)
		if err := s.Repair(ctx, CacheKey, KindCache); err != nil {
			return types.CacheEntry{}, err
		}
		return types.CacheEntry{}, nil
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return types.CacheEntry{}, fmt.Errorf("failed to decode count cache: %w", err)
	}
	return entry, nil
}

// PutCache persists a count cache entry
func (s *Store) PutCache(ctx context.Context, entry types.CacheEntry) error {
	if err := s.validate.Struct(entry); err != nil {
		return fmt.Errorf("invalid cache entry: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.backend.Put(ctx, CacheKey, data); err != nil {
		return fmt.Errorf("failed to write count cache: %w", err)
	}
	return nil
}

// DeleteCache drops the count cache
func (s *Store) DeleteCache(ctx context.Context) error {
	return s.backend.Delete(ctx, CacheKey)
}
