package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/buildfix/internal/control"
	"github.com/steveyegge/buildfix/internal/counter"
	"github.com/steveyegge/buildfix/internal/events"
	"github.com/steveyegge/buildfix/internal/modifier"
	"github.com/steveyegge/buildfix/internal/snapshot"
	"github.com/steveyegge/buildfix/internal/storage"
	"github.com/steveyegge/buildfix/internal/storage/memory"
	"github.com/steveyegge/buildfix/internal/strategy"
	"github.com/steveyegge/buildfix/internal/types"
	"github.com/steveyegge/buildfix/internal/watchdog"
)

const tableYAML = `
language: csharp
version: v1.0.0
extensions: [.cs]
strategies:
  - code: DUP01
    kind: remove_duplicate_definition
    message_pattern: "definition for '(?P<entity>[^']+)'"
    pattern: '\bclass\s+${entity}\b'
`

const dupSource = "namespace N {\n  class Foo { int a; }\n  class Foo { string s = \"}\"; }\n}\n"

// fakeBuild plays the compiler over the files in work:
//   - Lib.cs defining Foo twice reports DUP01 (target Lib.csproj)
//   - Other.cs containing "Broken" reports CS9999, which has no strategy
//   - with appUsesS, App.csproj reports 20 errors once Lib.cs loses "string s"
type fakeBuild struct {
	work     string
	appUsesS bool
	builds   atomic.Int32
}

func (b *fakeBuild) Verify(ctx context.Context, scope string) (types.DiagnosticSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	b.builds.Add(1)

	var set types.DiagnosticSet
	lib, _ := os.ReadFile(filepath.Join(b.work, "Lib.cs"))
	if strings.Count(string(lib), "class Foo") > 1 {
		set = append(set, types.Diagnostic{Code: "DUP01", File: "Lib.cs", Line: 3, Column: 3,
			Message:  "The namespace 'N' already contains a definition for 'Foo'",
			Severity: types.SeverityError, Target: "Lib.csproj"})
	}
	if other, err := os.ReadFile(filepath.Join(b.work, "Other.cs")); err == nil && strings.Contains(string(other), "Broken") {
		set = append(set, types.Diagnostic{Code: "CS9999", File: "Other.cs", Line: 1,
			Message: "Broken is broken", Severity: types.SeverityError, Target: "Lib.csproj"})
	}
	if b.appUsesS && !strings.Contains(string(lib), "string s") {
		for i := 1; i <= 20; i++ {
			set = append(set, types.Diagnostic{Code: "CS0103", File: "App.cs", Line: i,
				Message:  "The name 's' does not exist in the current context",
				Severity: types.SeverityError, Target: "App.csproj"})
		}
	}
	return set.ForTarget(scope), nil
}

type fixture struct {
	exec    *Executor
	store   *storage.Store
	snaps   *snapshot.Store
	events  *events.Recorder
	build   *fakeBuild
	counter *counter.Counter
	work    string
}

func newFixture(t *testing.T, build *fakeBuild, mutate ...func(*Config)) *fixture {
	t.Helper()
	if build.work == "" {
		build.work = t.TempDir()
	}
	work := build.work

	store, err := storage.New(&storage.Config{Backend: memory.New(), Holder: "coord-test"})
	require.NoError(t, err)
	snaps, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshots"), work)
	require.NoError(t, err)

	cnt, err := counter.New(&counter.Config{Store: store, Verifier: build, TTL: time.Millisecond})
	require.NoError(t, err)

	tables := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tables, "csharp.yaml"), []byte(tableYAML), 0o644))
	registry, err := strategy.LoadDir(tables)
	require.NoError(t, err)
	matcher, err := strategy.NewMatcher(registry, "")
	require.NoError(t, err)

	mod, err := modifier.New(&modifier.Config{
		Store: store, Snapshots: snaps, Verifier: build, WorkingDir: work, LockWait: -1,
	})
	require.NoError(t, err)

	mon, err := watchdog.NewMonitor(&watchdog.Config{Counter: cnt, Snapshots: snaps, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	rec := events.NewRecorder(store, nil)
	cfg := &Config{
		Store:     store,
		Counter:   cnt,
		Matcher:   matcher,
		Modifier:  mod,
		Monitor:   mon,
		Snapshots: snaps,
		Events:    rec,
		Slack:     5,
	}
	for _, m := range mutate {
		m(cfg)
	}
	exec, err := New(cfg)
	require.NoError(t, err)
	return &fixture{exec: exec, store: store, snaps: snaps, events: rec, build: build, counter: cnt, work: work}
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.work, name), []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.work, name))
	require.NoError(t, err)
	return string(data)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.ErrorContains(t, err, "store is required")
}

func TestRunSafeSession_RemovesDuplicateDefinition(t *testing.T) {
	f := newFixture(t, &fakeBuild{})
	f.write(t, "Lib.cs", dupSource)
	f.write(t, "Other.cs", "Broken();\n")
	ctx := context.Background()

	rep, err := f.exec.RunSafeSession(ctx, -1)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 2, rep.InitialCount)
	assert.Equal(t, 1, rep.FinalCount)
	assert.Equal(t, 5, rep.Slack)
	require.Len(t, rep.Committed, 1)
	assert.Equal(t, "DUP01", rep.Committed[0].Code)
	assert.Contains(t, rep.Committed[0].Diff, "-  class Foo { string s")
	assert.Empty(t, rep.Rejected)
	require.Len(t, rep.Unfixable, 1)
	assert.Equal(t, "CS9999", rep.Unfixable[0].Code)

	assert.Equal(t, "namespace N {\n  class Foo { int a; }\n}\n", f.read(t, "Lib.cs"))

	set, err := f.build.Verify(ctx, "Lib.csproj")
	require.NoError(t, err)
	assert.Zero(t, set.CountCode("Lib.cs", "DUP01"), "reverification is clean")

	sessions, err := f.snaps.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions, "snapshots discarded")

	got, err := f.events.Session(ctx, rep.SessionID)
	require.NoError(t, err)
	var kinds []events.EventType
	for _, e := range got {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []events.EventType{
		events.EventTypeSessionStarted,
		events.EventTypeAttemptCommitted,
		events.EventTypeNoStrategy,
		events.EventTypeSessionCompleted,
	}, kinds)

	st := f.exec.Status()
	assert.Nil(t, st.Active)
	assert.Equal(t, 1, st.Sessions)
	require.NotNil(t, st.Last)
	assert.Equal(t, rep.SessionID, st.Last.SessionID)
}

func TestRunSafeSession_NothingToFix(t *testing.T) {
	f := newFixture(t, &fakeBuild{})
	f.write(t, "Lib.cs", "class Foo {}\n")

	rep, err := f.exec.RunSafeSession(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoImprovement, rep.Outcome)
	assert.Zero(t, rep.InitialCount)
	assert.Zero(t, rep.FinalCount)
	assert.Empty(t, rep.Committed)
}

func TestRunSafeSession_RegressionElsewhereRollsBack(t *testing.T) {
	f := newFixture(t, &fakeBuild{appUsesS: true})
	f.write(t, "Lib.cs", dupSource)

	rep, err := f.exec.RunSafeSession(context.Background(), 5)
	require.Error(t, err)
	require.NotNil(t, rep)

	assert.Equal(t, types.OutcomeRolledBack, rep.Outcome)
	assert.Equal(t, 1, rep.InitialCount)
	assert.Equal(t, 1, rep.FinalCount, "recounted after restore")
	assert.NotEmpty(t, rep.Reason)
	assert.Equal(t, dupSource, f.read(t, "Lib.cs"), "every touched file restored")

	got, err := f.events.Session(context.Background(), rep.SessionID)
	require.NoError(t, err)
	assert.Equal(t, events.EventTypeSessionRolledBack, got[len(got)-1].Type)
}

func TestRunSafeSession_KeepSnapshots(t *testing.T) {
	f := newFixture(t, &fakeBuild{}, func(c *Config) { c.KeepSnapshots = true })
	f.write(t, "Lib.cs", dupSource)

	rep, err := f.exec.RunSafeSession(context.Background(), 5)
	require.NoError(t, err)

	entries, err := f.snaps.Entries(rep.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Lib.cs", entries[0].File)
}

func TestRunSafeSession_InitialCountFailure(t *testing.T) {
	f := newFixture(t, &fakeBuild{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := f.exec.RunSafeSession(ctx, 5)
	assert.Nil(t, rep)
	assert.Error(t, err)
	assert.Nil(t, f.exec.Status().Active, "slot released")
}

// blockingApplier holds the session inside its first attempt until the
// session is cancelled
type blockingApplier struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingApplier) Apply(ctx context.Context, sessionID string, d types.Diagnostic, s types.FixStrategy, baseline types.DiagnosticSet) (*types.FixAttempt, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, context.Cause(ctx)
}

func TestCancel_RollsBackAndFreesSlot(t *testing.T) {
	blocker := &blockingApplier{started: make(chan struct{})}
	f := newFixture(t, &fakeBuild{}, func(c *Config) { c.Modifier = blocker })
	f.write(t, "Lib.cs", dupSource)
	ctx := context.Background()

	assert.False(t, f.exec.Cancel(), "nothing to cancel")

	type result struct {
		outcome types.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := f.exec.RunSafeSession(ctx, 5)
		var outcome types.Outcome
		if rep != nil {
			outcome = rep.Outcome
		}
		done <- result{outcome, err}
	}()

	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("session never reached its first attempt")
	}

	st := f.exec.Status()
	require.NotNil(t, st.Active)
	assert.Equal(t, 1, st.Active.InitialCount)

	_, err := f.exec.RunSafeSession(ctx, 5)
	assert.ErrorIs(t, err, types.ErrSessionActive)
	_, err = f.exec.RequestFix(ctx, types.Diagnostic{Code: "DUP01", File: "Lib.cs", Line: 3})
	assert.ErrorIs(t, err, types.ErrSessionActive)

	assert.True(t, f.exec.Cancel())
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
	assert.ErrorIs(t, res.err, ErrCancelled)
	assert.Equal(t, types.OutcomeRolledBack, res.outcome)
	assert.Nil(t, f.exec.Status().Active)
}

func TestRequestFix_CompletesDiagnosticAndCommits(t *testing.T) {
	f := newFixture(t, &fakeBuild{})
	f.write(t, "Lib.cs", dupSource)

	attempt, err := f.exec.RequestFix(context.Background(), types.Diagnostic{Code: "DUP01", File: "Lib.cs", Line: 3})
	require.NoError(t, err)
	assert.Equal(t, types.ResultCommitted, attempt.Result)
	assert.Equal(t, "Lib.csproj", attempt.Diagnostic.Target, "filled in from the build")
	assert.Equal(t, "namespace N {\n  class Foo { int a; }\n}\n", f.read(t, "Lib.cs"))

	last := f.exec.Status().Last
	require.NotNil(t, last)
	assert.Equal(t, types.OutcomeSuccess, last.Outcome)
	assert.Equal(t, 0, last.FinalCount)
}

func TestRequestFix_NoStrategy(t *testing.T) {
	f := newFixture(t, &fakeBuild{})
	f.write(t, "Other.cs", "Broken();\n")

	attempt, err := f.exec.RequestFix(context.Background(), types.Diagnostic{Code: "CS9999", File: "Other.cs", Line: 1})
	require.NoError(t, err)
	assert.Equal(t, types.AttemptRejected, attempt.State)
	assert.Equal(t, types.ResultRejected, attempt.Result)
	assert.Equal(t, "no automated remedy", attempt.Reason)
	assert.Equal(t, "Broken();\n", f.read(t, "Other.cs"))
}

func TestRunSafeSession_MaxAttempts(t *testing.T) {
	f := newFixture(t, &fakeBuild{}, func(c *Config) {
		c.MaxAttempts = 1
		c.Modifier = applierFunc(func(ctx context.Context, sessionID string, d types.Diagnostic, s types.FixStrategy) (*types.FixAttempt, error) {
			a := types.NewFixAttempt("a", sessionID, d, s)
			return a, a.Reject("declined")
		})
	})
	f.write(t, "Lib.cs", dupSource)

	rep, err := f.exec.RunSafeSession(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, rep.Rejected, 1)
	assert.Equal(t, types.OutcomeNoImprovement, rep.Outcome)
}

type applierFunc func(ctx context.Context, sessionID string, d types.Diagnostic, s types.FixStrategy) (*types.FixAttempt, error)

func (f applierFunc) Apply(ctx context.Context, sessionID string, d types.Diagnostic, s types.FixStrategy, _ types.DiagnosticSet) (*types.FixAttempt, error) {
	return f(ctx, sessionID, d, s)
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(t, &fakeBuild{})
	f.write(t, "Lib.cs", dupSource)
	ctx := context.Background()

	data, err := f.exec.HandleCommand(ctx, control.Command{Type: control.CommandCount, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, data["count"])

	data, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandLock, Key: "file:Lib.cs", Holder: "other", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "other", data["holder"])

	_, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandLock, Key: "file:Lib.cs", TTL: time.Minute})
	assert.ErrorIs(t, err, types.ErrLockHeld)

	_, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandUnlock, Key: "file:Lib.cs"})
	assert.ErrorIs(t, err, types.ErrLockNotHeld, "only the holder releases")

	_, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandUnlock, Key: "file:Lib.cs", Holder: "other"})
	require.NoError(t, err)

	data, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandFix,
		Diagnostic: &types.Diagnostic{Code: "DUP01", File: "Lib.cs", Line: 3}})
	require.NoError(t, err)
	assert.Equal(t, "committed", data["result"])

	data, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandStatus})
	require.NoError(t, err)
	assert.Equal(t, "coord-test", data["holder"])
	assert.EqualValues(t, 1, data["sessions"])

	data, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandCancel})
	require.NoError(t, err)
	assert.Equal(t, false, data["cancelled"])

	_, err = f.exec.HandleCommand(ctx, control.Command{Type: "pause"})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.exec.HandleCommand(ctx, control.Command{Type: control.CommandFix})
	assert.Error(t, err)
}

func TestHandleCommand_SessionRunsInBackground(t *testing.T) {
	f := newFixture(t, &fakeBuild{})
	f.write(t, "Lib.cs", dupSource)
	ctx := context.Background()

	data, err := f.exec.HandleCommand(ctx, control.Command{Type: control.CommandSession})
	require.NoError(t, err)
	id, _ := data["session_id"].(string)
	require.NotEmpty(t, id)

	f.exec.Wait()
	require.Equal(t, 1, f.exec.Status().Sessions)
	last := f.exec.Status().Last
	assert.Equal(t, id, last.SessionID)
	assert.Equal(t, types.OutcomeSuccess, last.Outcome)
}

func TestNewSessionID_SortsByTime(t *testing.T) {
	a := NewSessionID(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	b := NewSessionID(time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))
	assert.Less(t, a, b)
	assert.True(t, strings.HasPrefix(a, "20261017T090000-"), a)
	assert.Len(t, a, len("20261017T090000-")+8)
}
