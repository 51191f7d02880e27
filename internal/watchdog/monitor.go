// Package watchdog supervises a fix session against its safety threshold.
//
// While the session runs, the monitor polls the diagnostic count. Once the
// count exceeds initial + slack it sets an atomic breach flag, cancels the
// session with cause ErrSafetyThresholdExceeded, waits for it to stop and
// restores every file the session touched.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/buildfix/internal/telemetry"
	"github.com/steveyegge/buildfix/internal/types"
)

const (
	// DefaultSlack is how many errors a session may add before it is stopped
	DefaultSlack = 5
	// DefaultPollInterval between count checks
	DefaultPollInterval = 2 * time.Second
)

// Counter is the part of the error counter the monitor needs
type Counter interface {
	GetCount(ctx context.Context, forceRefresh bool) (int, error)
	Invalidate(ctx context.Context) error
}

// Restorer restores a session's files to their state before the session
type Restorer interface {
	RestoreSession(session string) ([]string, error)
}

// Config holds monitor configuration
type Config struct {
	Counter   Counter
	Snapshots Restorer
	// PollInterval between count checks. Default: 2s
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *telemetry.Recorder
}

// DefaultConfig returns a config with default intervals
func DefaultConfig(counter Counter, snapshots Restorer) *Config {
	return &Config{
		Counter:      counter,
		Snapshots:    snapshots,
		PollInterval: DefaultPollInterval,
	}
}

// ThresholdError is the cancel cause of a session that breached its
// threshold. It matches types.ErrSafetyThresholdExceeded.
type ThresholdError struct {
	Count   int
	Initial int
	Slack   int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s: %d errors, threshold %d (initial %d + slack %d)",
		types.ErrSafetyThresholdExceeded, e.Count, e.Threshold(), e.Initial, e.Slack)
}

func (e *ThresholdError) Unwrap() error {
	return types.ErrSafetyThresholdExceeded
}

// Threshold is the count the session was allowed to reach
func (e *ThresholdError) Threshold() int {
	return e.Initial + e.Slack
}

// Monitor supervises sessions. One monitor may supervise sessions one
// after another; it keeps no per-session state between calls.
type Monitor struct {
	counter   Counter
	snapshots Restorer
	interval  time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Recorder
}

// NewMonitor creates a monitor
func NewMonitor(cfg *Config) (*Monitor, error) {
	if cfg == nil || cfg.Counter == nil {
		return nil, fmt.Errorf("counter is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot restorer is required")
	}
	m := &Monitor{
		counter:   cfg.Counter,
		snapshots: cfg.Snapshots,
		interval:  cfg.PollInterval,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if m.interval <= 0 {
		m.interval = DefaultPollInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Supervise runs run under supervision and decides the session outcome.
// sess.InitialCount and sess.Slack must be set; Supervise fills in
// FinalCount, Outcome, Reason and EndedAt.
//
// The session is rolled back when the threshold is breached, the caller
// cancels ctx, run fails, or the final count is above the initial count.
// The returned error explains a rollback and is nil otherwise.
func (m *Monitor) Supervise(ctx context.Context, sess *types.Session, run func(ctx context.Context) error) (types.Outcome, error) {
	if sess == nil {
		return "", fmt.Errorf("session is required")
	}
	if sess.Slack < 0 {
		return "", fmt.Errorf("slack must be non-negative, got %d", sess.Slack)
	}
	threshold := sess.Threshold()
	logger := m.logger.With("session", sess.ID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var breached atomic.Bool
	done := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return run(runCtx)
	})
	g.Go(func() error {
		m.poll(runCtx, done, logger, threshold, func(count int) {
			breached.Store(true)
			cancel(&ThresholdError{Count: count, Initial: sess.InitialCount, Slack: sess.Slack})
		})
		return nil
	})
	runErr := g.Wait()

	var reason error
	switch {
	case breached.Load():
		reason = context.Cause(runCtx)
	case ctx.Err() != nil:
		reason = fmt.Errorf("session cancelled: %w", context.Cause(ctx))
	case runErr != nil:
		reason = runErr
	}

	if reason == nil {
		final, err := m.counter.GetCount(ctx, true)
		switch {
		case err != nil:
			reason = fmt.Errorf("final count: %w", err)
		case final > sess.InitialCount:
			reason = fmt.Errorf("final count %d is above initial count %d", final, sess.InitialCount)
		default:
			sess.FinalCount = final
			outcome := types.OutcomeNoImprovement
			if final < sess.InitialCount {
				outcome = types.OutcomeSuccess
			}
			return m.finish(ctx, sess, outcome, nil), nil
		}
	}

	logger.Warn("rolling back session", "reason", reason)
	restoreErr := m.restore(context.WithoutCancel(ctx), sess, logger)
	m.finish(ctx, sess, types.OutcomeRolledBack, reason)
	if restoreErr != nil {
		return types.OutcomeRolledBack, errors.Join(reason, restoreErr)
	}
	return types.OutcomeRolledBack, reason
}

// poll checks the count every interval until run is done or ctx ends
func (m *Monitor) poll(ctx context.Context, done <-chan struct{}, logger *slog.Logger, threshold int, onBreach func(count int)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := m.counter.GetCount(ctx, false)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("safety poll failed", "error", err)
				}
				continue
			}
			logger.Debug("safety poll", "count", count, "threshold", threshold)
			if count > threshold {
				logger.Error("safety threshold exceeded", "count", count, "threshold", threshold)
				onBreach(count)
				return
			}
		}
	}
}

// restore puts every touched file back and recounts from scratch
func (m *Monitor) restore(ctx context.Context, sess *types.Session, logger *slog.Logger) error {
	files, restoreErr := m.snapshots.RestoreSession(sess.ID)
	logger.Info("session files restored", "files", len(files))

	if err := m.counter.Invalidate(ctx); err != nil {
		logger.Warn("failed to invalidate count cache", "error", err)
	}
	final, err := m.counter.GetCount(ctx, true)
	if err != nil {
		logger.Error("failed to recount after rollback", "error", err)
		sess.FinalCount = -1
	} else {
		sess.FinalCount = final
	}
	if restoreErr != nil {
		return fmt.Errorf("restoring session %s: %w", sess.ID, restoreErr)
	}
	return nil
}

func (m *Monitor) finish(ctx context.Context, sess *types.Session, outcome types.Outcome, reason error) types.Outcome {
	sess.Outcome = outcome
	sess.EndedAt = time.Now()
	if reason != nil {
		sess.Reason = reason.Error()
	}
	m.metrics.Session(ctx, string(outcome))
	m.logger.Info("session finished", "session", sess.ID, "outcome", outcome,
		"initial", sess.InitialCount, "final", sess.FinalCount)
	return outcome
}
