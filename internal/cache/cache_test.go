package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/discovery-cli/internal/model"
)

// fakeBacking is an in-memory Backing shared by several Cache instances to
// stand in for separate processes.
type fakeBacking struct {
	mu      sync.Mutex
	entries map[string]*model.CacheEntry
	now     func() time.Time
	getErr  error
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{entries: make(map[string]*model.CacheEntry), now: time.Now}
}

func (f *fakeBacking) GetCacheEntry(_ context.Context, fp string) (*model.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	e, ok := f.entries[fp]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeBacking) ClaimCacheEntry(_ context.Context, fp string, stage model.Stage, claimUntil time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if e, ok := f.entries[fp]; ok {
		switch {
		case e.Status == model.CacheStatusReady && !e.Expired(now):
			return false, nil
		case e.Status == model.CacheStatusPending && e.ClaimUntil != nil && now.Before(*e.ClaimUntil):
			return false, nil
		}
	}
	f.entries[fp] = &model.CacheEntry{Fingerprint: fp, Stage: stage, Status: model.CacheStatusPending, CreatedAt: now, ExpiresAt: claimUntil, ClaimUntil: &claimUntil}
	return true, nil
}

func (f *fakeBacking) FillCacheEntry(_ context.Context, fp string, value []byte, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[fp]
	if !ok {
		e = &model.CacheEntry{Fingerprint: fp}
		f.entries[fp] = e
	}
	e.Status = model.CacheStatusReady
	e.Value = value
	e.ExpiresAt = expiresAt
	e.ClaimUntil = nil
	return nil
}

func (f *fakeBacking) ReleaseCacheEntry(_ context.Context, fp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[fp]; ok && e.Status == model.CacheStatusPending {
		delete(f.entries, fp)
	}
	return nil
}

func (f *fakeBacking) DeleteCacheEntry(_ context.Context, fp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, fp)
	return nil
}

func (f *fakeBacking) DeleteExpiredCache(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, e := range f.entries {
		if e.Expired(f.now()) {
			delete(f.entries, k)
			n++
		}
	}
	return n, nil
}

func testFingerprint(t *testing.T, input string) Fingerprint {
	t.Helper()
	fp, err := NewFingerprint(Key{Stage: model.StageSynthesizing, SchemaVersion: 1, Model: "sonnet", Input: input})
	require.NoError(t, err)
	return fp
}

func TestGetOrCompute_SecondCallHits(t *testing.T) {
	t.Parallel()
	c := New(nil, Options{})
	fp := testFingerprint(t, "acme")

	var calls int
	compute := func(_ context.Context) ([]byte, error) {
		calls++
		return []byte(`{"summary":"ok"}`), nil
	}

	first, err := c.GetOrCompute(context.Background(), fp, time.Hour, compute)
	require.NoError(t, err)
	assert.False(t, first.Hit)

	second, err := c.GetOrCompute(context.Background(), fp, time.Hour, compute)
	require.NoError(t, err)
	assert.True(t, second.Hit)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, c.Stats())
}

func TestGetOrCompute_ConcurrentCallersComputeOnce(t *testing.T) {
	t.Parallel()
	c := New(nil, Options{})
	fp := testFingerprint(t, "concurrent")

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(_ context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`"v"`), nil
	}

	const n = 50
	var wg sync.WaitGroup
	var misses atomic.Int32
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := c.GetOrCompute(context.Background(), fp, time.Hour, compute)
			assert.NoError(t, err)
			assert.Equal(t, `"v"`, string(res.Value))
			if !res.Hit {
				misses.Add(1)
			}
		}()
	}
	close(start)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), misses.Load())
}

func TestGetOrCompute_ComputeOutlivesStartingCaller(t *testing.T) {
	t.Parallel()
	c := New(newFakeBacking(), Options{PollInterval: time.Millisecond})
	fp := testFingerprint(t, "detached")

	entered := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte(`"v"`), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(leaderCtx, fp, time.Hour, compute)
		leaderDone <- err
	}()
	<-entered

	followerDone := make(chan Result, 1)
	go func() {
		res, err := c.GetOrCompute(context.Background(), fp, time.Hour, compute)
		assert.NoError(t, err)
		followerDone <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case res := <-followerDone:
		assert.Equal(t, `"v"`, string(res.Value))
		assert.True(t, res.Hit)
	case <-time.After(5 * time.Second):
		t.Fatal("follower never received the shared value")
	}
	require.NoError(t, <-leaderDone)

	again, err := c.GetOrCompute(context.Background(), fp, time.Hour, compute)
	require.NoError(t, err)
	assert.True(t, again.Hit)
}

func TestGetOrCompute_ComputeTimeout(t *testing.T) {
	t.Parallel()
	c := New(nil, Options{ComputeTimeout: 10 * time.Millisecond})
	fp := testFingerprint(t, "slow")

	_, err := c.GetOrCompute(context.Background(), fp, time.Hour, func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetOrCompute_FailureNotCached(t *testing.T) {
	t.Parallel()
	backing := newFakeBacking()
	c := New(backing, Options{})
	fp := testFingerprint(t, "flaky")

	boom := errors.New("overloaded")
	_, err := c.GetOrCompute(context.Background(), fp, time.Hour, func(_ context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	entry, _ := backing.GetCacheEntry(context.Background(), fp.Hash)
	assert.Nil(t, entry, "claim is released after a failed compute")

	res, err := c.GetOrCompute(context.Background(), fp, time.Hour, func(_ context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(nil, Options{})
	c.nowFunc = func() time.Time { return now }
	fp := testFingerprint(t, "ttl")

	var calls int
	compute := func(_ context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	_, err := c.GetOrCompute(context.Background(), fp, time.Minute, compute)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	res, _ := c.GetOrCompute(context.Background(), fp, time.Minute, compute)
	assert.True(t, res.Hit)

	now = now.Add(time.Minute)
	res, _ = c.GetOrCompute(context.Background(), fp, time.Minute, compute)
	assert.False(t, res.Hit)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_SharedAcrossProcesses(t *testing.T) {
	t.Parallel()
	backing := newFakeBacking()
	a := New(backing, Options{})
	b := New(backing, Options{})
	fp := testFingerprint(t, "shared")

	var calls atomic.Int32
	compute := func(_ context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("shared"), nil
	}

	_, err := a.GetOrCompute(context.Background(), fp, time.Hour, compute)
	require.NoError(t, err)

	res, err := b.GetOrCompute(context.Background(), fp, time.Hour, compute)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "shared", string(res.Value))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_WaitsForForeignClaim(t *testing.T) {
	t.Parallel()
	backing := newFakeBacking()
	c := New(backing, Options{PollInterval: 5 * time.Millisecond})
	fp := testFingerprint(t, "claimed")

	claimed, err := backing.ClaimCacheEntry(context.Background(), fp.Hash, fp.Stage, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = backing.FillCacheEntry(context.Background(), fp.Hash, []byte("from-elsewhere"), time.Now().Add(time.Hour))
	}()

	res, err := c.GetOrCompute(context.Background(), fp, time.Hour, func(_ context.Context) ([]byte, error) {
		t.Error("compute must not run while another process holds the claim")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "from-elsewhere", string(res.Value))
}

func TestGetOrCompute_ExpiredForeignClaimIsTakenOver(t *testing.T) {
	t.Parallel()
	backing := newFakeBacking()
	c := New(backing, Options{PollInterval: time.Millisecond})
	fp := testFingerprint(t, "stale-claim")

	_, err := backing.ClaimCacheEntry(context.Background(), fp.Hash, fp.Stage, time.Now().Add(-time.Second))
	require.NoError(t, err)

	res, err := c.GetOrCompute(context.Background(), fp, time.Hour, func(_ context.Context) ([]byte, error) {
		return []byte("mine"), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestGetOrCompute_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	backing := newFakeBacking()
	c := New(backing, Options{PollInterval: 5 * time.Millisecond})
	fp := testFingerprint(t, "blocked")
	_, _ = backing.ClaimCacheEntry(context.Background(), fp.Hash, fp.Stage, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.GetOrCompute(ctx, fp, time.Hour, func(_ context.Context) ([]byte, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetOrCompute_BackingErrorSurfaces(t *testing.T) {
	t.Parallel()
	backing := newFakeBacking()
	backing.getErr = errors.New("connection refused")
	c := New(backing, Options{})

	_, err := c.GetOrCompute(context.Background(), testFingerprint(t, "x"), time.Hour, func(_ context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache: get")
}

func TestInvalidateAndPurge(t *testing.T) {
	t.Parallel()
	backing := newFakeBacking()
	c := New(backing, Options{})
	fp := testFingerprint(t, "inv")

	var calls int
	compute := func(_ context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}
	_, _ = c.GetOrCompute(context.Background(), fp, time.Hour, compute)
	require.NoError(t, c.Invalidate(context.Background(), fp))
	res, _ := c.GetOrCompute(context.Background(), fp, time.Hour, compute)
	assert.False(t, res.Hit)
	assert.Equal(t, 2, calls)

	expired := testFingerprint(t, "old")
	_ = backing.FillCacheEntry(context.Background(), expired.Hash, []byte("old"), time.Now().Add(-time.Minute))
	n, err := c.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
