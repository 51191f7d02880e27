package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Backend is the raw key/value layer a Store persists records through.
// Keys are slash separated paths (e.g. "locks/file:src/A.cs").
type Backend interface {
	// Get returns the value for key, or types.ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys with the given prefix in ascending order
	List(ctx context.Context, prefix string) ([]string, error)
	// Update performs an atomic read-modify-write of key. fn receives the
	// current value (exists=false when missing) and returns the next value,
	// or del=true to remove the key. An error from fn aborts the update and
	// is returned unchanged.
	Update(ctx context.Context, key string, fn func(cur []byte, exists bool) (next []byte, del bool, err error)) error
	Close() error
}

// Well-known keys
const (
	CacheKey      = "cache/diagnostic_count"
	lockPrefix    = "locks/"
	eventPrefix   = "events/"
	eventSeqKey   = "meta/event_seq/"
	archivePrefix = "archive/"
)

// Config holds StateStore configuration
type Config struct {
	// Backend is required
	Backend Backend
	// Holder identifies this store's owner in lock records.
	// Default: a fresh UUID
	Holder string
	Logger *slog.Logger
	// Now is the clock used for ttl decisions (tests override it)
	Now func() time.Time
}

// Store is the persisted cache/lock/metadata service.
// It is safe for concurrent use; all atomicity comes from Backend.Update.
type Store struct {
	backend  Backend
	holder   string
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Store over the given backend
func New(cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	holder := cfg.Holder
	if holder == "" {
		holder = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:  cfg.Backend,
		holder:   holder,
		validate: validator.New(),
		logger:   logger,
		now:      now,
	}, nil
}

// Holder returns the holder id used for locks taken through this store
func (s *Store) Holder() string {
	return s.holder
}

// ForHolder returns a view of the same store that takes locks as holder
func (s *Store) ForHolder(holder string) *Store {
	cp := *s
	cp.holder = holder
	return &cp
}

// Backend exposes the underlying backend
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
