// Package counter provides the cached diagnostic count.
//
// A count is served from the state store while its cache entry is fresh
// (default ttl 30s). Stale data is only ever a performance concern: every
// commit decision re-verifies independently, so a stale count is never an
// error.
package counter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/buildfix/internal/gates"
	"github.com/steveyegge/buildfix/internal/storage"
	"github.com/steveyegge/buildfix/internal/types"
)

// DefaultTTL is how long a count stays valid
const DefaultTTL = 30 * time.Second

// Config holds counter configuration
type Config struct {
	Store    *storage.Store
	Verifier gates.BuildVerifier
	// TTL of the cached count (default: 30s)
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Counter counts deduplicated build errors
type Counter struct {
	store    *storage.Store
	verifier gates.BuildVerifier
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// Concurrent refreshes share one build
	flight singleflight.Group

	mu   sync.RWMutex
	last types.DiagnosticSet
}

// New creates a counter
func New(cfg *Config) (*Counter, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	c := &Counter{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// TTL returns the cache ttl
func (c *Counter) TTL() time.Duration {
	return c.ttl
}

// GetCount returns the current error count. A fresh cached count is
// returned without building unless forceRefresh is set.
//
// A corrupted cache record is repaired by the store and treated as a miss.
// Build infrastructure failures are returned.
func (c *Counter) GetCount(ctx context.Context, forceRefresh bool) (int, error) {
	if !forceRefresh {
		entry, err := c.store.GetCache(ctx)
		if err != nil {
			return 0, err
		}
		if entry.IsFresh(c.now()) {
			c.logger.Debug("diagnostic count cache hit", "count", entry.Count,
				"age", c.now().Sub(entry.Timestamp))
			return entry.Count, nil
		}
	}

	set, err := c.Refresh(ctx)
	if err != nil {
		return 0, err
	}
	return set.Count(), nil
}

// Refresh always builds, caches the count and returns the deduplicated
// diagnostic set (errors and warnings)
func (c *Counter) Refresh(ctx context.Context) (types.DiagnosticSet, error) {
	v, err, shared := c.flight.Do("refresh", func() (interface{}, error) {
		set, err := c.verifier.Verify(ctx, "")
		if err != nil {
			return nil, err
		}
		set = set.Dedup()

		entry := types.CacheEntry{Count: set.Count(), Timestamp: c.now(), TTL: c.ttl}
		if err := c.store.PutCache(ctx, entry); err != nil {
			// The count is still correct; only the next call pays for it
			c.logger.Warn("failed to cache diagnostic count", "error", err)
		}

		c.mu.Lock()
		c.last = set
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("diagnostic refresh shared with a concurrent caller")
	}
	return v.(types.DiagnosticSet), nil
}

// Last returns the set from the most recent refresh, or nil
func (c *Counter) Last() types.DiagnosticSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Invalidate drops the cached count so the next GetCount builds
func (c *Counter) Invalidate(ctx context.Context) error {
	if err := c.store.DeleteCache(ctx); err != nil {
		return fmt.Errorf("failed to invalidate count cache: %w", err)
	}
	return nil
}
