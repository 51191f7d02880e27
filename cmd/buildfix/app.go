package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/steveyegge/buildfix/internal/config"
	"github.com/steveyegge/buildfix/internal/counter"
	"github.com/steveyegge/buildfix/internal/events"
	"github.com/steveyegge/buildfix/internal/executor"
	"github.com/steveyegge/buildfix/internal/gates"
	"github.com/steveyegge/buildfix/internal/modifier"
	"github.com/steveyegge/buildfix/internal/snapshot"
	"github.com/steveyegge/buildfix/internal/storage"
	"github.com/steveyegge/buildfix/internal/strategy"
	"github.com/steveyegge/buildfix/internal/telemetry"
	"github.com/steveyegge/buildfix/internal/watchdog"
)

// app is the coordinator assembled from configuration
type app struct {
	cfg      *config.Config
	store    *storage.Store
	snaps    *snapshot.Store
	counter  *counter.Counter
	registry *strategy.Registry
	events   *events.Recorder
	exec     *executor.Executor

	stopTelemetry func(context.Context) error
}

// openStore opens the configured state store. holder names lock
// ownership; empty picks a fresh id.
func openStore(c *config.Config, holder string) (*storage.Store, error) {
	if err := os.MkdirAll(c.State.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	backend, err := storage.OpenBackend(c.State.Backend, c.State.Dir, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s state store: %w", c.State.Backend, err)
	}
	store, err := storage.New(&storage.Config{Backend: backend, Holder: holder})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}

// newApp wires every component. The caller must call close.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	logger := slog.Default()

	stopTelemetry, err := telemetry.Init(ctx, c.Telemetry.Enabled, os.Stderr, c.Telemetry.Interval)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.Global()

	a := &app{cfg: c, stopTelemetry: stopTelemetry}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.store, err = openStore(c, "")
	if err != nil {
		return nil, err
	}

	workDir, err := filepath.Abs(c.Build.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	parser, err := gates.NewParser(c.Build.Parser, c.Build.Pattern)
	if err != nil {
		return nil, err
	}
	verifier, err := gates.NewVerifier(&gates.Config{
		Command:             c.Build.Command,
		WorkingDir:          workDir,
		Timeout:             c.Build.Timeout,
		Parser:              parser,
		DiagnosticExitCodes: c.Build.DiagnosticExitCodes,
		MaxBuildsPerMinute:  c.Build.MaxBuildsPerMinute,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create build verifier: %w", err)
	}

	a.counter, err = counter.New(&counter.Config{
		Store:    a.store,
		Verifier: verifier,
		TTL:      c.Cache.TTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	a.registry, err = strategy.LoadDir(c.Strategies.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy tables: %w", err)
	}
	matcher, err := strategy.NewMatcher(a.registry, c.Strategies.Language)
	if err != nil {
		return nil, err
	}

	a.snaps, err = snapshot.Open(c.SnapshotDir(), workDir)
	if err != nil {
		return nil, err
	}

	mod, err := modifier.New(&modifier.Config{
		Store:      a.store,
		Snapshots:  a.snaps,
		Verifier:   verifier,
		WorkingDir: workDir,
		LockTTL:    c.Locks.TTL,
		LockWait:   c.Locks.Wait,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}

	monCfg := watchdog.DefaultConfig(a.counter, a.snaps)
	monCfg.PollInterval = c.Safety.PollInterval
	monCfg.Logger = logger
	monCfg.Metrics = metrics
	monitor, err := watchdog.NewMonitor(monCfg)
	if err != nil {
		return nil, err
	}

	a.events = events.NewRecorder(a.store, logger)

	a.exec, err = executor.New(&executor.Config{
		Store:             a.store,
		Counter:           a.counter,
		Matcher:           matcher,
		Modifier:          mod,
		Monitor:           monitor,
		Snapshots:         a.snaps,
		Events:            a.events,
		Metrics:           metrics,
		Logger:            logger,
		MaxAttempts:       c.Session.MaxAttempts,
		Slack:             c.Safety.Slack,
		KeepSnapshots:     c.Session.KeepSnapshots,
		KeepEventSessions: c.Events.KeepSessions,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("failed to close state store", "error", err)
		}
	}
	if a.stopTelemetry != nil {
		if err := a.stopTelemetry(context.Background()); err != nil {
			slog.Warn("failed to flush telemetry", "error", err)
		}
	}
}

// withProcessLock runs fn while holding the codebase's coordinator lock
func withProcessLock(c *config.Config, fn func() error) error {
	workDir, err := filepath.Abs(c.Build.WorkingDir)
	if err != nil {
		return err
	}
	lockPath, err := storage.AcquireExclusiveLock(c.State.Dir, workDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.ReleaseExclusiveLock(lockPath); err != nil {
			slog.Warn("failed to release coordinator lock", "error", err)
		}
	}()
	return fn()
}
