// Package modifier applies one fix strategy to one file as a transaction.
//
// Every attempt follows the same path: validate, lock the file, compute the
// change in memory, back up the original, write, re-verify with the build
// tool, then commit or restore. The file is never left modified unless the
// build confirms the targeted diagnostic is gone and nothing got worse.
package modifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/steveyegge/buildfix/internal/gates"
	"github.com/steveyegge/buildfix/internal/snapshot"
	"github.com/steveyegge/buildfix/internal/storage"
	"github.com/steveyegge/buildfix/internal/telemetry"
	"github.com/steveyegge/buildfix/internal/types"
)

const (
	// DefaultLockTTL must outlive a build so a slow verification does not
	// let another coordinator take the file mid-attempt
	DefaultLockTTL = 5 * time.Minute
	// DefaultLockWait is how long to wait for a busy file lock
	DefaultLockWait = 10 * time.Second
)

// Config holds modifier configuration
type Config struct {
	Store     *storage.Store
	Snapshots *snapshot.Store
	Verifier  gates.BuildVerifier
	// WorkingDir is the root diagnostics' file paths are relative to
	WorkingDir string
	LockTTL    time.Duration
	LockWait   time.Duration
	Logger     *slog.Logger
	Metrics    *telemetry.Recorder
}

// Modifier applies fix attempts
type Modifier struct {
	store      *storage.Store
	snapshots  *snapshot.Store
	verifier   gates.BuildVerifier
	workingDir string
	lockTTL    time.Duration
	lockWait   time.Duration
	logger     *slog.Logger
	metrics    *telemetry.Recorder
}

// New creates a modifier
func New(cfg *Config) (*Modifier, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	m := &Modifier{
		store:      cfg.Store,
		snapshots:  cfg.Snapshots,
		verifier:   cfg.Verifier,
		workingDir: cfg.WorkingDir,
		lockTTL:    cfg.LockTTL,
		lockWait:   cfg.LockWait,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if m.workingDir == "" {
		m.workingDir = "."
	}
	if m.lockTTL <= 0 {
		m.lockTTL = DefaultLockTTL
	}
	if m.lockWait < 0 {
		m.lockWait = 0
	} else if m.lockWait == 0 {
		m.lockWait = DefaultLockWait
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// FileLockKey is the state store lock guarding file
func FileLockKey(file string) string {
	return "file:" + filepath.ToSlash(file)
}

// Apply runs one fix attempt for diagnostic d using strategy s. baseline is
// the diagnostic set the commit decision compares against.
//
// The returned attempt is terminal unless its backup could not be restored.
// The error is nil when the attempt ran to a verdict (Committed, or Rejected
// because the build did not improve). Validation, transformation and lock
// errors reject the attempt and are local. A cancelled context or a build
// infrastructure failure restores the backup, ends the attempt RolledBack
// and is returned. A failed restore ends the attempt Failed with
// ResultRestoreFailed and returns ErrStateCorruption.
func (m *Modifier) Apply(ctx context.Context, sessionID string, d types.Diagnostic, s types.FixStrategy, baseline types.DiagnosticSet) (*types.FixAttempt, error) {
	attempt := types.NewFixAttempt(uuid.New().String(), sessionID, d, s)
	logger := m.logger.With("attempt", attempt.ID, "session", sessionID, "file", d.File, "code", d.Code)

	rel, abs, info, err := m.resolve(d.File)
	if err != nil {
		return m.reject(ctx, attempt, err)
	}

	// 1. Lock the file for this session
	lockKey := FileLockKey(rel)
	locks := m.store.ForHolder(sessionID)
	if _, err := locks.AcquireLockWait(ctx, lockKey, m.lockTTL, m.lockWait); err != nil {
		if ctx.Err() != nil {
			return m.reject(ctx, attempt, context.Cause(ctx))
		}
		return m.reject(ctx, attempt, fmt.Errorf("file lock: %w", err))
	}
	defer func() {
		if err := locks.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			logger.Warn("failed to release file lock", "key", lockKey, "error", err)
		}
	}()

	// 2. Compute the change in memory
	original, err := os.ReadFile(abs)
	if err != nil {
		return m.reject(ctx, attempt, types.NewError(types.ErrValidation, "read", rel, err))
	}
	updated, err := Transform(original, s, d.Line)
	if err != nil {
		return m.reject(ctx, attempt, types.NewError(types.ErrFixApplication, "transform", rel, err))
	}

	// 3. Back up the original
	ref, err := m.snapshots.Save(sessionID, attempt.ID, rel, original, info.Mode())
	if err != nil {
		return m.reject(ctx, attempt, types.NewError(types.ErrFixApplication, "backup", rel, err))
	}
	attempt.BackupRef = ref
	if err := attempt.Transition(types.AttemptBackedUp); err != nil {
		return attempt, err
	}
	if ctx.Err() != nil {
		return m.rollback(ctx, attempt, types.ResultRolledBack, "cancelled before write", context.Cause(ctx))
	}

	// 4. Write
	if err := snapshot.WriteFile(abs, updated, info.Mode()); err != nil {
		return m.rollback(ctx, attempt, types.ResultRejected, "write failed",
			types.NewError(types.ErrFixApplication, "write", rel, err))
	}
	if err := attempt.Transition(types.AttemptApplied); err != nil {
		return attempt, err
	}
	attempt.Diff = unifiedDiff(rel, string(original), string(updated))
	logger.Debug("fix applied, verifying", "kind", s.Kind, "target", d.Target)

	// 5. Verify against the affected target
	post, err := m.verifier.Verify(ctx, d.Target)
	if err != nil {
		if errors.Is(err, types.ErrBuildInfrastructure) {
			return m.rollback(ctx, attempt, types.ResultRolledBack, "build infrastructure failure", err)
		}
		return m.rollback(ctx, attempt, types.ResultRolledBack, "verification interrupted", err)
	}

	// 6. Commit or restore
	codeBefore := baseline.CountCode(rel, d.Code)
	codeAfter := post.CountCode(rel, d.Code)
	scopedBefore := baseline.ForTarget(d.Target).Count()
	scopedAfter := post.ForTarget(d.Target).Count()

	if codeAfter >= codeBefore || scopedAfter > scopedBefore {
		reason := fmt.Sprintf("%s in %s: %d -> %d, target errors: %d -> %d",
			d.Code, rel, codeBefore, codeAfter, scopedBefore, scopedAfter)
		return m.rollback(ctx, attempt, types.ResultRejected, reason, nil)
	}

	if err := attempt.Transition(types.AttemptVerified); err != nil {
		return attempt, err
	}
	if err := attempt.Transition(types.AttemptCommitted); err != nil {
		return attempt, err
	}
	attempt.Result = types.ResultCommitted
	m.metrics.Attempt(ctx, string(attempt.Result), string(s.Kind))
	logger.Info("fix committed", "kind", s.Kind, "target_errors_before", scopedBefore,
		"target_errors_after", scopedAfter)
	return attempt, nil
}

// resolve checks the diagnostic's file exists inside the working directory
func (m *Modifier) resolve(file string) (rel, abs string, info os.FileInfo, err error) {
	if file == "" {
		return "", "", nil, types.Validationf("resolve", "", "diagnostic has no file")
	}
	root, err := filepath.Abs(m.workingDir)
	if err != nil {
		return "", "", nil, types.NewError(types.ErrValidation, "resolve", file, err)
	}
	abs = file
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, filepath.FromSlash(file))
	}
	abs = filepath.Clean(abs)
	r, err := filepath.Rel(root, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", "", nil, types.Validationf("resolve", file, "file is outside %s", root)
	}
	info, err = os.Stat(abs)
	if err != nil {
		return "", "", nil, types.NewError(types.ErrValidation, "resolve", file, err)
	}
	if !info.Mode().IsRegular() {
		return "", "", nil, types.Validationf("resolve", file, "not a regular file")
	}
	return filepath.ToSlash(r), abs, info, nil
}

// reject ends a Proposed attempt as Rejected
func (m *Modifier) reject(ctx context.Context, attempt *types.FixAttempt, cause error) (*types.FixAttempt, error) {
	if err := attempt.Reject(cause.Error()); err != nil {
		return attempt, err
	}
	m.metrics.Attempt(ctx, string(attempt.Result), string(attempt.Strategy.Kind))
	m.logger.Info("fix attempt rejected", "attempt", attempt.ID, "file", attempt.Diagnostic.File,
		"code", attempt.Diagnostic.Code, "reason", attempt.Reason)
	return attempt, cause
}

// rollback restores the attempt's backup and ends it RolledBack. cause is
// returned unchanged. When the restore fails the attempt stops in Failed
// and the restore error is returned instead.
func (m *Modifier) rollback(ctx context.Context, attempt *types.FixAttempt, result types.AttemptResult, reason string, cause error) (*types.FixAttempt, error) {
	if err := attempt.Transition(types.AttemptFailed); err != nil {
		return attempt, err
	}
	if err := m.snapshots.Restore(attempt.BackupRef); err != nil {
		m.logger.Error("failed to restore backup", "attempt", attempt.ID, "ref", attempt.BackupRef, "error", err)
		attempt.Result = types.ResultRestoreFailed
		attempt.Reason = fmt.Sprintf("%s; restore from %s failed: %v", reason, attempt.BackupRef, err)
		attempt.EndedAt = time.Now()
		m.metrics.Attempt(ctx, string(attempt.Result), string(attempt.Strategy.Kind))
		return attempt, types.NewError(types.ErrStateCorruption, "restore", attempt.Diagnostic.File, err)
	}
	if err := attempt.Transition(types.AttemptRolledBack); err != nil {
		return attempt, err
	}
	attempt.Result = result
	attempt.Reason = reason
	if cause != nil {
		attempt.Reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	m.metrics.Attempt(ctx, string(result), string(attempt.Strategy.Kind))
	m.logger.Info("fix attempt rolled back", "attempt", attempt.ID, "file", attempt.Diagnostic.File,
		"code", attempt.Diagnostic.Code, "result", result, "reason", attempt.Reason)
	return attempt, cause
}

func unifiedDiff(path, before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath(path), before, after)
	return fmt.Sprint(gotextdiff.ToUnified("a/"+path, "b/"+path, before, edits))
}
