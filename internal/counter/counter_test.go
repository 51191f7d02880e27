package counter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/buildfix/internal/storage"
	"github.com/steveyegge/buildfix/internal/storage/memory"
	"github.com/steveyegge/buildfix/internal/types"
)

// fakeVerifier returns a scripted diagnostic set and counts builds
type fakeVerifier struct {
	mu    sync.Mutex
	set   types.DiagnosticSet
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeVerifier) Verify(ctx context.Context, scope string) (types.DiagnosticSet, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(types.DiagnosticSet(nil), f.set...), f.err
}

func (f *fakeVerifier) setDiagnostics(set types.DiagnosticSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = set
}

func diags(n int) types.DiagnosticSet {
	var set types.DiagnosticSet
	for i := 0; i < n; i++ {
		set = append(set, types.Diagnostic{Code: "CS0246", File: "A.cs", Line: i + 1})
	}
	return set
}

func newCounter(t *testing.T, v *fakeVerifier, now func() time.Time) (*Counter, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	store, err := storage.New(&storage.Config{Backend: backend, Now: now})
	require.NoError(t, err)
	c, err := New(&Config{Store: store, Verifier: v, Now: now})
	require.NoError(t, err)
	return c, backend
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
	store, _ := storage.New(&storage.Config{Backend: memory.New()})
	_, err = New(&Config{Store: store})
	assert.Error(t, err)
}

func TestGetCount_IdempotentWithinTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	v := &fakeVerifier{set: diags(3)}
	c, _ := newCounter(t, v, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		n, err := c.GetCount(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		now = now.Add(5 * time.Second)
		v.setDiagnostics(diags(9)) // must not be observed while cached
	}
	assert.Equal(t, int32(1), v.calls.Load(), "only one build inside the ttl window")
}

func TestGetCount_ExpiresAtTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	v := &fakeVerifier{set: diags(3)}
	c, _ := newCounter(t, v, clock)
	ctx := context.Background()

	_, err := c.GetCount(ctx, false)
	require.NoError(t, err)

	v.setDiagnostics(diags(1))
	now = now.Add(DefaultTTL)
	n, err := c.GetCount(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "age == ttl is invalid")
	assert.Equal(t, int32(2), v.calls.Load())
}

func TestGetCount_ForceRefresh(t *testing.T) {
	v := &fakeVerifier{set: diags(2)}
	c, _ := newCounter(t, v, nil)
	ctx := context.Background()

	_, err := c.GetCount(ctx, false)
	require.NoError(t, err)
	v.setDiagnostics(diags(4))
	n, err := c.GetCount(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int32(2), v.calls.Load())
}

func TestGetCount_DeduplicatesMultiTarget(t *testing.T) {
	d := types.Diagnostic{Code: "CS0101", File: "A.cs", Line: 10}
	a, b := d, d
	a.Target, b.Target = "net6.0", "net8.0"
	v := &fakeVerifier{set: types.DiagnosticSet{a, b}}
	c, _ := newCounter(t, v, nil)

	n, err := c.GetCount(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, c.Last(), 1)
}

// Scenario C: an unparsable cache record is repaired and treated as a miss
func TestGetCount_CorruptCacheIsRepaired(t *testing.T) {
	v := &fakeVerifier{set: diags(5)}
	c, backend := newCounter(t, v, nil)
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, storage.CacheKey, []byte(`{"count": 5, "timest`)))

	n, err := c.GetCount(ctx, false)
	require.NoError(t, err, "corrupted cache must not raise")
	assert.Equal(t, 5, n)
	assert.Equal(t, int32(1), v.calls.Load())

	archived, err := backend.List(ctx, "archive/"+storage.CacheKey+"/")
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestGetCount_SurfacesInfrastructureFailure(t *testing.T) {
	v := &fakeVerifier{err: types.NewError(types.ErrBuildInfrastructure, "verify", "", nil)}
	c, _ := newCounter(t, v, nil)
	_, err := c.GetCount(context.Background(), false)
	assert.ErrorIs(t, err, types.ErrBuildInfrastructure)
}

func TestRefresh_ConcurrentCallsShareOneBuild(t *testing.T) {
	v := &fakeVerifier{set: diags(2), delay: 100 * time.Millisecond}
	c, _ := newCounter(t, v, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := c.Refresh(context.Background())
			assert.NoError(t, err)
			assert.Len(t, set, 2)
		}()
	}
	wg.Wait()
	assert.Less(t, v.calls.Load(), int32(5))
}

func TestInvalidate(t *testing.T) {
	v := &fakeVerifier{set: diags(2)}
	c, _ := newCounter(t, v, nil)
	ctx := context.Background()

	_, err := c.GetCount(ctx, false)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx))
	_, err = c.GetCount(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.calls.Load())
}
