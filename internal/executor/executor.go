// Package executor runs fix sessions.
//
// A session repeatedly asks the counter for the current diagnostics, picks
// the first untried diagnostic that has a strategy, and hands it to the
// modifier, which commits the change only if the build improves. The
// watchdog supervises the whole session and rolls every touched file back
// if the error count climbs past the session's threshold.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/buildfix/internal/events"
	"github.com/steveyegge/buildfix/internal/report"
	"github.com/steveyegge/buildfix/internal/snapshot"
	"github.com/steveyegge/buildfix/internal/storage"
	"github.com/steveyegge/buildfix/internal/telemetry"
	"github.com/steveyegge/buildfix/internal/types"
	"github.com/steveyegge/buildfix/internal/watchdog"
)

// DefaultMaxAttempts bounds the attempts of one session
const DefaultMaxAttempts = 100

// ErrCancelled is the cause recorded when Cancel stops a session
var ErrCancelled = errors.New("cancelled by caller")

// Counter is the diagnostic source of a session
type Counter interface {
	GetCount(ctx context.Context, forceRefresh bool) (int, error)
	Refresh(ctx context.Context) (types.DiagnosticSet, error)
	Invalidate(ctx context.Context) error
}

// Matcher resolves diagnostics to strategies
type Matcher interface {
	Match(d types.Diagnostic) (types.FixStrategy, error)
}

// Applier runs one transactional fix attempt
type Applier interface {
	Apply(ctx context.Context, sessionID string, d types.Diagnostic, s types.FixStrategy, baseline types.DiagnosticSet) (*types.FixAttempt, error)
}

// Config holds executor configuration
type Config struct {
	Store     *storage.Store
	Counter   Counter
	Matcher   Matcher
	Modifier  Applier
	Monitor   *watchdog.Monitor
	Snapshots *snapshot.Store
	// Events is optional; nil records nothing
	Events  *events.Recorder
	Metrics *telemetry.Recorder
	Logger  *slog.Logger

	// MaxAttempts per session (default: 100)
	MaxAttempts int
	// Slack used when a session is started with a negative slack
	Slack int
	// KeepSnapshots keeps a session's backups after it ends
	KeepSnapshots bool
	// KeepEventSessions prunes older session event logs (0 = keep all)
	KeepEventSessions int
}

// Executor coordinates fix sessions over one codebase.
// At most one session runs at a time.
type Executor struct {
	store     *storage.Store
	counter   Counter
	matcher   Matcher
	modifier  Applier
	monitor   *watchdog.Monitor
	snapshots *snapshot.Store
	events    *events.Recorder
	metrics   *telemetry.Recorder
	logger    *slog.Logger

	maxAttempts   int
	slack         int
	keepSnapshots bool
	keepEvents    int

	mu       sync.Mutex
	active   *progress
	cancel   context.CancelCauseFunc
	last     *report.SessionReport
	sessions int

	// bg tracks sessions started by StartSession
	bg sync.WaitGroup
}

// progress is the live view of the running session
type progress struct {
	ID           string
	Kind         string
	InitialCount int
	Slack        int
	Attempts     int
	Committed    int
	StartedAt    time.Time
}

// New creates an executor
func New(cfg *Config) (*Executor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("store is required")
	case cfg.Counter == nil:
		return nil, fmt.Errorf("counter is required")
	case cfg.Matcher == nil:
		return nil, fmt.Errorf("matcher is required")
	case cfg.Modifier == nil:
		return nil, fmt.Errorf("modifier is required")
	case cfg.Monitor == nil:
		return nil, fmt.Errorf("monitor is required")
	case cfg.Snapshots == nil:
		return nil, fmt.Errorf("snapshot store is required")
	}

	e := &Executor{
		store:         cfg.Store,
		counter:       cfg.Counter,
		matcher:       cfg.Matcher,
		modifier:      cfg.Modifier,
		monitor:       cfg.Monitor,
		snapshots:     cfg.Snapshots,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		maxAttempts:   cfg.MaxAttempts,
		slack:         cfg.Slack,
		keepSnapshots: cfg.KeepSnapshots,
		keepEvents:    cfg.KeepEventSessions,
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.slack < 0 {
		e.slack = watchdog.DefaultSlack
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// NewSessionID returns an id that sorts by start time
func NewSessionID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + uuid.New().String()[:8]
}

// GetCount returns the current error count, served from cache while fresh
func (e *Executor) GetCount(ctx context.Context, force bool) (int, error) {
	return e.counter.GetCount(ctx, force)
}

// AcquireLock takes the advisory lock key as this executor's holder
func (e *Executor) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*types.LockRecord, error) {
	return e.store.AcquireLock(ctx, key, ttl)
}

// ReleaseLock releases a lock held by this executor's holder
func (e *Executor) ReleaseLock(ctx context.Context, key string) error {
	return e.store.ReleaseLock(ctx, key)
}

// Cancel stops the running session, which then rolls back every file it
// touched. It reports whether a session was running.
func (e *Executor) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel(ErrCancelled)
	return true
}

// Wait blocks until every session started by StartSession has ended
func (e *Executor) Wait() {
	e.bg.Wait()
}

// begin claims the single session slot
func (e *Executor) begin(ctx context.Context, kind string) (context.Context, *progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrSessionActive, e.active.ID)
	}
	sessCtx, cancel := context.WithCancelCause(ctx)
	e.active = &progress{ID: NewSessionID(time.Now()), Kind: kind, StartedAt: time.Now()}
	e.cancel = cancel
	return sessCtx, e.active, nil
}

// end releases the session slot
func (e *Executor) end(last *report.SessionReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel(nil)
	}
	e.active = nil
	e.cancel = nil
	if last != nil {
		e.last = last
		e.sessions++
	}
}

func (e *Executor) update(fn func(p *progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		fn(e.active)
	}
}

// RunSafeSession runs a supervised fix session with the given slack; a
// negative slack uses the configured default.
//
// The report is returned whenever the initial count could be taken. The
// error is non-nil when the session was rolled back and explains why; it
// matches types.ErrSafetyThresholdExceeded, types.ErrBuildInfrastructure or
// ErrCancelled as appropriate.
func (e *Executor) RunSafeSession(ctx context.Context, slack int) (*report.SessionReport, error) {
	sessCtx, live, err := e.begin(ctx, "session")
	if err != nil {
		return nil, err
	}
	return e.runSession(ctx, sessCtx, live, slack)
}

// StartSession starts a supervised session in the background and returns
// its id. The outcome is available from Status once it ends.
func (e *Executor) StartSession(ctx context.Context, slack int) (string, error) {
	sessCtx, live, err := e.begin(ctx, "session")
	if err != nil {
		return "", err
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		rep, err := e.runSession(ctx, sessCtx, live, slack)
		if rep == nil && err != nil {
			e.logger.Error("fix session failed", "session", live.ID, "error", err)
		}
	}()
	return live.ID, nil
}

func (e *Executor) runSession(ctx, sessCtx context.Context, live *progress, slack int) (*report.SessionReport, error) {
	if slack < 0 {
		slack = e.slack
	}
	var rep *report.SessionReport
	defer func() { e.end(rep) }()

	logger := e.logger.With("session", live.ID)

	set, err := e.counter.Refresh(sessCtx)
	if err != nil {
		return nil, fmt.Errorf("initial count: %w", err)
	}
	sess := &types.Session{
		ID:           live.ID,
		InitialCount: set.Count(),
		Slack:        slack,
		StartedAt:    live.StartedAt,
	}
	e.update(func(p *progress) {
		p.InitialCount = sess.InitialCount
		p.Slack = slack
	})
	e.record(ctx, func() (*events.Event, error) { return events.NewSessionStartedEvent(sess, e.maxAttempts) })
	logger.Info("fix session started", "initial", sess.InitialCount, "threshold", sess.Threshold())

	var mu sync.Mutex
	var unfixable []types.Diagnostic
	_, superviseErr := e.monitor.Supervise(sessCtx, sess, func(runCtx context.Context) error {
		return e.loop(runCtx, sess, set, func(d types.Diagnostic, a *types.FixAttempt) {
			mu.Lock()
			defer mu.Unlock()
			if a == nil {
				unfixable = append(unfixable, d)
				return
			}
			sess.Attempts = append(sess.Attempts, a)
			if a.BackupRef != "" {
				sess.Snapshots = append(sess.Snapshots, a.BackupRef)
			}
		})
	})

	var te *watchdog.ThresholdError
	if errors.As(superviseErr, &te) {
		e.record(ctx, func() (*events.Event, error) {
			return events.NewThresholdExceededEvent(sess.ID, te.Count, te.Threshold())
		})
	}
	e.record(ctx, func() (*events.Event, error) { return events.NewSessionEndedEvent(sess) })
	e.cleanup(ctx, sess.ID, logger)

	mu.Lock()
	rep = report.FromSession(sess, unfixable)
	mu.Unlock()
	return rep, superviseErr
}

// loop is the body of a session. observe is called with every finished
// attempt, and with a nil attempt for a diagnostic no strategy matched.
func (e *Executor) loop(ctx context.Context, sess *types.Session, set types.DiagnosticSet, observe func(types.Diagnostic, *types.FixAttempt)) error {
	logger := e.logger.With("session", sess.ID)
	tried := make(map[string]struct{})

	for n := 0; n < e.maxAttempts; n++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		d, strat, ok := e.next(ctx, sess.ID, set, tried, observe)
		if !ok {
			logger.Info("no fixable diagnostics left", "attempts", n, "remaining", set.Count())
			return nil
		}

		attempt, err := e.modifier.Apply(ctx, sess.ID, d, strat, set)
		if attempt != nil {
			observe(d, attempt)
			e.update(func(p *progress) {
				p.Attempts++
				if attempt.Result == types.ResultCommitted {
					p.Committed++
				}
			})
			e.record(ctx, func() (*events.Event, error) { return events.NewAttemptEvent(attempt) })
		}
		if err != nil {
			if types.IsLocal(err) {
				logger.Debug("attempt rejected, continuing", "code", d.Code, "file", d.File, "error", err)
				continue
			}
			return err
		}

		if attempt.Result == types.ResultCommitted {
			set, err = e.counter.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("refresh after commit: %w", err)
			}
		}
	}

	logger.Warn("session reached max attempts", "max_attempts", e.maxAttempts)
	return nil
}

// next picks the first error diagnostic whose signature was not tried yet
// and that has a strategy. Every diagnostic it looks at is marked tried.
func (e *Executor) next(ctx context.Context, sessionID string, set types.DiagnosticSet, tried map[string]struct{}, observe func(types.Diagnostic, *types.FixAttempt)) (types.Diagnostic, types.FixStrategy, bool) {
	for _, d := range set.Errors().Dedup().Sorted() {
		sig := d.Signature()
		if _, ok := tried[sig]; ok {
			continue
		}
		tried[sig] = struct{}{}

		strat, err := e.matcher.Match(d)
		if err != nil {
			if !errors.Is(err, types.ErrNoStrategy) {
				e.logger.Warn("strategy lookup failed", "code", d.Code, "file", d.File, "error", err)
			}
			observe(d, nil)
			e.record(ctx, func() (*events.Event, error) { return events.NewNoStrategyEvent(sessionID, d) })
			continue
		}
		return d, strat, true
	}
	return types.Diagnostic{}, types.FixStrategy{}, false
}

// RequestFix runs a single attempt for d in a session of its own. A
// diagnostic given without a message is completed from the current build.
// A diagnostic no strategy matches ends Rejected with reason "no automated
// remedy" and a nil error.
func (e *Executor) RequestFix(ctx context.Context, d types.Diagnostic) (*types.FixAttempt, error) {
	sessCtx, live, err := e.begin(ctx, "request")
	if err != nil {
		return nil, err
	}
	var rep *report.SessionReport
	defer func() { e.end(rep) }()

	logger := e.logger.With("session", live.ID)

	set, err := e.counter.Refresh(sessCtx)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	d = complete(d, set)
	sess := &types.Session{ID: live.ID, InitialCount: set.Count(), FinalCount: set.Count(), StartedAt: live.StartedAt}
	e.update(func(p *progress) { p.InitialCount = sess.InitialCount })

	var attempt *types.FixAttempt
	strat, err := e.matcher.Match(d)
	if err != nil {
		attempt = types.NewFixAttempt(uuid.New().String(), sess.ID, d, types.FixStrategy{Code: d.Code})
		if rerr := attempt.Reject(types.ErrNoStrategy.Error()); rerr != nil {
			return nil, rerr
		}
		e.metrics.Attempt(ctx, string(attempt.Result), "")
		e.record(ctx, func() (*events.Event, error) { return events.NewNoStrategyEvent(sess.ID, d) })
		logger.Info("no automated remedy", "code", d.Code, "file", d.File, "line", d.Line)
		err = nil
	} else {
		attempt, err = e.modifier.Apply(sessCtx, sess.ID, d, strat, set)
		if attempt != nil {
			e.record(ctx, func() (*events.Event, error) { return events.NewAttemptEvent(attempt) })
		}
		if attempt != nil && attempt.Result == types.ResultCommitted {
			// Recount the whole build; the attempt only verified its target
			final, cerr := e.counter.GetCount(sessCtx, true)
			if cerr != nil {
				logger.Warn("failed to recount after fix", "error", cerr)
				sess.FinalCount = -1
			} else {
				sess.FinalCount = final
			}
		}
	}

	if attempt != nil {
		sess.Attempts = []*types.FixAttempt{attempt}
		if attempt.Result == types.ResultCommitted {
			sess.Outcome = types.OutcomeSuccess
		} else {
			sess.Outcome = types.OutcomeNoImprovement
		}
	}
	sess.EndedAt = time.Now()
	e.cleanup(ctx, sess.ID, logger)
	rep = report.FromSession(sess, nil)
	return attempt, err
}

// complete fills in message, column and target of a user supplied
// diagnostic from the build's report of the same (file, line, code)
func complete(d types.Diagnostic, set types.DiagnosticSet) types.Diagnostic {
	if d.Message != "" {
		return d
	}
	for _, cur := range set {
		if cur.Key() == d.Key() {
			return cur
		}
	}
	return d
}

// cleanup drops the session's backups and prunes old event logs
func (e *Executor) cleanup(ctx context.Context, sessionID string, logger *slog.Logger) {
	if !e.keepSnapshots {
		if err := e.snapshots.Discard(sessionID); err != nil {
			logger.Warn("failed to discard session snapshots", "error", err)
		}
	}
	if e.events != nil && e.keepEvents > 0 {
		if _, err := e.events.Prune(context.WithoutCancel(ctx), e.keepEvents); err != nil {
			logger.Warn("failed to prune event logs", "error", err)
		}
	}
}

func (e *Executor) record(ctx context.Context, build func() (*events.Event, error)) {
	if e.events == nil {
		return
	}
	ev, err := build()
	if err != nil {
		e.logger.Warn("failed to build event", "error", err)
		return
	}
	e.events.Record(ctx, ev)
}
