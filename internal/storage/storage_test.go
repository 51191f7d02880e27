package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/buildfix/internal/storage/badger"
	"github.com/steveyegge/buildfix/internal/storage/memory"
	"github.com/steveyegge/buildfix/internal/storage/sqlite"
	"github.com/steveyegge/buildfix/internal/types"
)

// backends returns a fresh instance of every backend implementation
func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sq, err := sqlite.New(t.TempDir() + "/state.db")
	require.NoError(t, err)
	bd, err := badger.New(badger.Config{InMemory: true})
	require.NoError(t, err)

	out := map[string]Backend{
		"memory": memory.New(),
		"sqlite": sq,
		"badger": bd,
	}
	t.Cleanup(func() {
		for _, b := range out {
			_ = b.Close()
		}
	})
	return out
}

func newStore(t *testing.T, b Backend, holder string) *Store {
	t.Helper()
	s, err := New(&Config{Backend: b, Holder: holder})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)

	s, err := New(&Config{Backend: memory.New()})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Holder(), "holder defaults to a generated id")
}

func TestAcquireLock_MutualExclusion(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := newStore(t, b, "base")

			const contenders = 8
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					s := base.ForHolder(fmt.Sprintf("holder-%d", i))
					if _, err := s.AcquireLock(ctx, "file:A.cs", time.Minute); err == nil {
						wins.Add(1)
					} else {
						assert.ErrorIs(t, err, types.ErrLockHeld)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load(), "exactly one holder may win")
		})
	}
}

func TestAcquireLock_ReleaseThenReacquire(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newStore(t, b, "a")
			bb := a.ForHolder("b")

			rec, err := a.AcquireLock(ctx, "k", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "a", rec.Holder)

			_, err = bb.AcquireLock(ctx, "k", time.Minute)
			require.ErrorIs(t, err, types.ErrLockHeld)

			assert.ErrorIs(t, bb.ReleaseLock(ctx, "k"), types.ErrLockNotHeld, "only the holder may release")
			require.NoError(t, a.ReleaseLock(ctx, "k"))
			assert.ErrorIs(t, a.ReleaseLock(ctx, "k"), types.ErrLockNotHeld)

			rec, err = bb.AcquireLock(ctx, "k", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "b", rec.Holder)
		})
	}
}

func TestAcquireLock_TTLExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	b := memory.New()
	a, err := New(&Config{Backend: b, Holder: "crashed", Now: clock})
	require.NoError(t, err)
	other := a.ForHolder("survivor")

	_, err = a.AcquireLock(context.Background(), "k", 30*time.Second)
	require.NoError(t, err)

	now = now.Add(29 * time.Second)
	_, err = other.AcquireLock(context.Background(), "k", 30*time.Second)
	require.ErrorIs(t, err, types.ErrLockHeld)

	now = now.Add(time.Second)
	rec, err := other.AcquireLock(context.Background(), "k", 30*time.Second)
	require.NoError(t, err, "an abandoned lock expires at its ttl")
	assert.Equal(t, "survivor", rec.Holder)
}

func TestAcquireLock_SameHolderRenews(t *testing.T) {
	s := newStore(t, memory.New(), "h")
	ctx := context.Background()
	_, err := s.AcquireLock(ctx, "k", time.Second)
	require.NoError(t, err)
	rec, err := s.AcquireLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, rec.TTL)
}

func TestAcquireLock_RejectsBadArgs(t *testing.T) {
	s := newStore(t, memory.New(), "h")
	_, err := s.AcquireLock(context.Background(), "", time.Second)
	assert.Error(t, err)
	_, err = s.AcquireLock(context.Background(), "k", 0)
	assert.Error(t, err)
}

func TestAcquireLockWait(t *testing.T) {
	ctx := context.Background()
	a := newStore(t, memory.New(), "a")
	b := a.ForHolder("b")

	_, err := a.AcquireLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = a.ReleaseLock(ctx, "k")
	}()

	rec, err := b.AcquireLockWait(ctx, "k", time.Minute, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Holder)

	_, err = a.AcquireLockWait(ctx, "k", time.Minute, 150*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrLockHeld, "gives up once the wait budget is spent")
}

func TestAcquireLock_RepairsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	s := newStore(t, b, "h")
	require.NoError(t, b.Put(ctx, "locks/k", []byte(`{"key":`)))

	_, err := s.AcquireLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	archived, err := s.Archived(ctx, "locks/k")
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

// racingBackend runs before once ahead of the first Update, like another
// writer landing between a read and the write that follows it
type racingBackend struct {
	*memory.Backend
	once   sync.Once
	before func()
}

func (r *racingBackend) Update(ctx context.Context, key string, fn func([]byte, bool) ([]byte, bool, error)) error {
	r.once.Do(r.before)
	return r.Backend.Update(ctx, key, fn)
}

func heldLock(t *testing.T, key, holder string) []byte {
	t.Helper()
	raw, err := json.Marshal(types.LockRecord{Key: key, Holder: holder, AcquiredAt: time.Now(), TTL: time.Minute})
	require.NoError(t, err)
	return raw
}

func TestAcquireLock_CorruptRecordReplacedAtomically(t *testing.T) {
	ctx := context.Background()
	corrupt := []byte(`{"key":`)

	t.Run("lock taken by another holder meanwhile", func(t *testing.T) {
		mem := memory.New()
		require.NoError(t, mem.Put(ctx, "locks/k", corrupt))
		b := &racingBackend{Backend: mem}
		b.before = func() { require.NoError(t, mem.Put(ctx, "locks/k", heldLock(t, "k", "other"))) }
		s := newStore(t, b, "h")

		_, err := s.AcquireLock(ctx, "k", time.Minute)
		require.ErrorIs(t, err, types.ErrLockHeld)

		rec, err := s.GetLock(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "other", rec.Holder, "the other holder's lock survives")

		archived, err := s.Archived(ctx, "locks/k")
		require.NoError(t, err)
		require.Len(t, archived, 1)
		orig, err := mem.Get(ctx, archived[0])
		require.NoError(t, err)
		assert.Equal(t, corrupt, orig)
	})

	t.Run("corrupted differently meanwhile", func(t *testing.T) {
		mem := memory.New()
		require.NoError(t, mem.Put(ctx, "locks/k", corrupt))
		b := &racingBackend{Backend: mem}
		b.before = func() { require.NoError(t, mem.Put(ctx, "locks/k", []byte("garbage"))) }
		s := newStore(t, b, "h")

		_, err := s.AcquireLock(ctx, "k", time.Minute)
		require.ErrorIs(t, err, types.ErrStateCorruption)

		raw, err := mem.Get(ctx, "locks/k")
		require.NoError(t, err)
		assert.Equal(t, []byte("garbage"), raw, "an unarchived record is never overwritten")
	})
}

func TestRepair_KeepsRecordRewrittenMeanwhile(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.Put(ctx, "locks/k", []byte("garbage")))
	b := &racingBackend{Backend: mem}
	b.before = func() { require.NoError(t, mem.Put(ctx, "locks/k", heldLock(t, "k", "other"))) }
	s := newStore(t, b, "h")

	require.NoError(t, s.Repair(ctx, "locks/k", KindLock))
	rec, err := s.GetLock(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "other", rec.Holder)

	archived, err := s.Archived(ctx, "locks/k")
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestValidate(t *testing.T) {
	s := newStore(t, memory.New(), "h")
	tests := []struct {
		name string
		kind RecordKind
		raw  string
		want bool
	}{
		{"cache ok", KindCache, `{"count":3,"timestamp":"2025-01-01T00:00:00Z","ttl":30000000000}`, true},
		{"cache canonical empty", KindCache, `{"count":0,"timestamp":"0001-01-01T00:00:00Z","ttl":0}`, true},
		{"cache missing ttl", KindCache, `{"count":3,"timestamp":"2025-01-01T00:00:00Z"}`, false},
		{"cache negative count", KindCache, `{"count":-1,"timestamp":"2025-01-01T00:00:00Z","ttl":1}`, false},
		{"cache unparsable", KindCache, `{{{`, false},
		{"cache wrong type", KindCache, `{"count":"three","timestamp":"2025-01-01T00:00:00Z","ttl":1}`, false},
		{"lock ok", KindLock, `{"key":"k","holder":"h","acquired_at":"2025-01-01T00:00:00Z","ttl":1}`, true},
		{"lock missing key", KindLock, `{"key":"","holder":"h","acquired_at":"2025-01-01T00:00:00Z","ttl":1}`, false},
		{"unknown kind", RecordKind("x"), `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Validate(tt.kind, []byte(tt.raw)))
		})
	}
}

func TestGetCache_CorruptRecordIsRepaired(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, b, "h")
			require.NoError(t, b.Put(ctx, CacheKey, []byte("\x00not json")))

			entry, err := s.GetCache(ctx)
			require.NoError(t, err, "a corrupted cache must not surface as an error")
			assert.False(t, entry.IsFresh(time.Now()))

			raw, err := b.Get(ctx, CacheKey)
			require.NoError(t, err)
			assert.True(t, s.Validate(KindCache, raw), "record replaced with canonical empty value")

			archived, err := s.Archived(ctx, CacheKey)
			require.NoError(t, err)
			require.Len(t, archived, 1)
			orig, err := b.Get(ctx, archived[0])
			require.NoError(t, err)
			assert.Equal(t, []byte("\x00not json"), orig, "original archived, not deleted")
		})
	}
}

type failingPutBackend struct {
	*memory.Backend
}

func (f failingPutBackend) Put(ctx context.Context, key string, value []byte) error {
	return errors.New("disk full")
}

func TestRepair_FailureIsStateCorruption(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.Put(ctx, CacheKey, []byte("garbage")))
	s := newStore(t, failingPutBackend{mem}, "h")

	_, err := s.GetCache(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStateCorruption)
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), "h")

	entry, err := s.GetCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CacheEntry{}, entry)

	want := types.CacheEntry{Count: 7, Timestamp: time.Now().UTC().Truncate(time.Second), TTL: 30 * time.Second}
	require.NoError(t, s.PutCache(ctx, want))
	got, err := s.GetCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Count, got.Count)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))

	assert.Error(t, s.PutCache(ctx, types.CacheEntry{Count: -1}))
	require.NoError(t, s.DeleteCache(ctx))
	got, err = s.GetCache(ctx)
	require.NoError(t, err)
	assert.Zero(t, got.Count)
}

func TestCheckAndRepairAll(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	s := newStore(t, b, "h")

	_, err := s.AcquireLock(ctx, "good", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "locks/bad", []byte(`{"holder":"x"}`)))
	require.NoError(t, b.Put(ctx, CacheKey, []byte(`[]`)))

	bad, err := s.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{CacheKey, "locks/bad"}, bad)

	repaired, err := s.RepairAll(ctx)
	require.NoError(t, err)
	assert.Len(t, repaired, 2)

	bad, err = s.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)

	locks, err := s.Locks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1, "repaired lock is free")
	assert.Equal(t, "good", locks[0].Key)
}

func TestEvents_Ordered(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, b, "h")
			for i := 1; i <= 12; i++ {
				seq, err := s.AppendEvent(ctx, "sess", []byte(fmt.Sprintf(`{"n":%d}`, i)))
				require.NoError(t, err)
				assert.Equal(t, int64(i), seq)
			}
			_, err := s.AppendEvent(ctx, "other", []byte(`{}`))
			require.NoError(t, err)

			events, err := s.Events(ctx, "sess")
			require.NoError(t, err)
			require.Len(t, events, 12)
			assert.JSONEq(t, `{"n":1}`, string(events[0]))
			assert.JSONEq(t, `{"n":12}`, string(events[11]))

			sessions, err := s.EventSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"other", "sess"}, sessions)

			require.NoError(t, s.DeleteEvents(ctx, "sess"))
			events, err = s.Events(ctx, "sess")
			require.NoError(t, err)
			assert.Empty(t, events)
			sessions, err = s.EventSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"other"}, sessions)

			seq, err := s.AppendEvent(ctx, "sess", []byte(`{}`))
			require.NoError(t, err)
			assert.Equal(t, int64(1), seq, "sequence restarts after delete")
		})
	}
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{BackendMemory, BackendSQLite, BackendBadger} {
		b, err := OpenBackend(name, dir, nil)
		require.NoError(t, err, name)
		require.NoError(t, b.Close())
	}
	_, err := OpenBackend("etcd", dir, nil)
	assert.Error(t, err)
}

func TestExclusiveLock(t *testing.T) {
	dir := t.TempDir()
	path, err := AcquireExclusiveLock(dir, "/src")
	require.NoError(t, err)

	_, err = AcquireExclusiveLock(dir, "/src")
	assert.Error(t, err, "this process is alive, so the lock is not stale")

	require.NoError(t, ReleaseExclusiveLock(path))
	path, err = AcquireExclusiveLock(dir, "/src")
	require.NoError(t, err)
	require.NoError(t, ReleaseExclusiveLock(path))
	assert.NoError(t, ReleaseExclusiveLock(""))
}
