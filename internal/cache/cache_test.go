package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingCache returns err from every call.
type failingCache struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingCache) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, f.fail()
}
func (f *failingCache) Set(context.Context, string, []byte, time.Duration) error { return f.fail() }
func (f *failingCache) Delete(context.Context, string) error { return f.fail() }
func (f *failingCache) DeletePrefix(context.Context, string) (int, error) { return 0, f.fail() }
func (f *failingCache) Close() error { return nil }

func (f *failingCache) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestLocalCache_ExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	c := NewLocalCache(LocalOptions{Clock: clock.Now})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 5*time.Minute))

	clock.Advance(4*time.Minute + 59*time.Second)
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.Advance(time.Second)
	assert.Equal(t, 1, c.Len(), "expired entry is kept until read")
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLocalCache_ReturnsCopies(t *testing.T) {
	c := NewLocalCache(LocalOptions{})
	ctx := context.Background()

	val := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", val, time.Minute))
	val[0] = 'x'

	got, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'y'

	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestLocalCache_EvictsWhenFull(t *testing.T) {
	clock := newFakeClock()
	c := NewLocalCache(LocalOptions{MaxEntries: 2, Clock: clock.Now})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "new", []byte("3"), time.Hour))

	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "short")
	assert.False(t, ok, "entry closest to expiry is evicted")
	_, ok, _ = c.Get(ctx, "long")
	assert.True(t, ok)
}

func TestLocalCache_DeletePrefix(t *testing.T) {
	c := NewLocalCache(LocalOptions{})
	ctx := context.Background()
	for _, k := range []string{"reco:t1:a", "reco:t1:b", "reco:t2:a"} {
		require.NoError(t, c.Set(ctx, k, []byte("x"), time.Minute))
	}

	n, err := c.DeletePrefix(ctx, "reco:t1:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok, _ := c.Get(ctx, "reco:t2:a")
	assert.True(t, ok)
}

func TestBreakerCache_OpensAfterFailures(t *testing.T) {
	remote := &failingCache{err: errors.New("connection refused")}
	b := NewBreakerCache(remote, CircuitBreakerConfig{MaxFailures: 3, Timeout: time.Hour}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := b.Get(ctx, "k")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, "open", b.State())

	_, _, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, remote.Calls(), "open circuit must not reach the backend")

	m := b.Metrics()
	assert.Equal(t, uint64(4), m.TotalRequests)
	assert.Equal(t, uint64(4), m.TotalFailures)
}

func TestBreakerCache_MissIsSuccess(t *testing.T) {
	b := NewBreakerCache(NewLocalCache(LocalOptions{}), CircuitBreakerConfig{MaxFailures: 1}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, ok, err := b.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, "closed", b.State())
}

func TestTiered_FallsBackAndBackfills(t *testing.T) {
	clock := newFakeClock()
	local := NewLocalCache(LocalOptions{Clock: clock.Now})
	remote := NewLocalCache(LocalOptions{Clock: clock.Now})
	tc := NewTiered(local, remote, TieredOptions{BackfillTTL: 10 * time.Second})
	ctx := context.Background()

	require.NoError(t, remote.Set(ctx, "k", []byte("remote"), time.Hour))
	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("remote"), v)

	_, ok, _ = local.Get(ctx, "k")
	assert.True(t, ok, "remote hit is copied to the local tier")

	clock.Advance(11 * time.Second)
	_, ok, _ = local.Get(ctx, "k")
	assert.False(t, ok, "backfilled entry expires after the backfill TTL")
}

func TestTiered_RemoteFailureKeepsLocal(t *testing.T) {
	local := NewLocalCache(LocalOptions{})
	tc := NewTiered(local, &failingCache{err: ErrUnavailable}, TieredOptions{})
	ctx := context.Background()

	err := tc.Set(ctx, "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)

	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func newResultCache(t *testing.T, backend Cache) *ResultCache {
	t.Helper()
	cfg := config.Default().Cache
	return NewResultCache(backend, cfg, zerolog.Nop())
}

func TestResultCache_Keys(t *testing.T) {
	rc := newResultCache(t, NewLocalCache(LocalOptions{}))

	assert.Equal(t, "reco:t1:content:product:E1:10", rc.ContentKey("t1", "product", "E1", 10))
	assert.Equal(t, "reco:t1:user:hybrid:u1:_all:5", rc.UserKey("t1", types.AlgorithmHybrid, "u1", "", 5))
	assert.Equal(t, "reco:t1:user:content:u1:video:5", rc.UserKey("t1", types.AlgorithmContent, "u1", "video", 5))
	assert.Equal(t, "reco:t1:trending:_all:5", rc.TrendingKey("t1", "", 5))
	assert.Equal(t, "reco:t1:trending:video:3", rc.TrendingKey("t1", "video", 3))
}

func TestResultCache_RoundTripAndTTL(t *testing.T) {
	clock := newFakeClock()
	rc := newResultCache(t, NewLocalCache(LocalOptions{Clock: clock.Now}))
	ctx := context.Background()
	key := rc.ContentKey("t1", "product", "E1", 10)

	_, ok := rc.GetRecommendations(ctx, key)
	assert.False(t, ok)

	want := &types.RecommendationResult{
		Items:     []types.ScoredEntity{{EntityID: "E2", EntityType: "product", Score: 0.99, Reason: types.ReasonSimilarTo("E1")}},
		Algorithm: types.AlgorithmContent,
	}
	rc.SetRecommendations(ctx, key, want)

	got, ok := rc.GetRecommendations(ctx, key)
	require.True(t, ok)
	assert.Equal(t, want.Items, got.Items)

	clock.Advance(5 * time.Minute)
	_, ok = rc.GetRecommendations(ctx, key)
	assert.False(t, ok, "entries expire after the recommendation TTL")

	st := rc.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.InDelta(t, 1.0/3.0, st.HitRate, 1e-9)
}

func TestResultCache_Invalidation(t *testing.T) {
	rc := newResultCache(t, NewLocalCache(LocalOptions{}))
	ctx := context.Background()
	res := &types.RecommendationResult{Algorithm: types.AlgorithmContent}

	keys := map[string]string{
		"entity":  rc.ContentKey("t1", "product", "E1", 10),
		"other":   rc.ContentKey("t1", "product", "E10", 10),
		"user":    rc.UserKey("t1", types.AlgorithmCollaborative, "u1", "", 10),
		"user2":   rc.UserKey("t1", types.AlgorithmContent, "u2", "product", 10),
		"tenant2": rc.UserKey("t2", types.AlgorithmContent, "u1", "", 10),
	}
	for _, k := range keys {
		rc.SetRecommendations(ctx, k, res)
	}

	rc.InvalidateEntity(ctx, "t1", "product", "E1")
	_, ok := rc.GetRecommendations(ctx, keys["entity"])
	assert.False(t, ok)
	_, ok = rc.GetRecommendations(ctx, keys["other"])
	assert.True(t, ok, "E10 must survive invalidating E1")

	rc.InvalidateUser(ctx, "t1", "u1")
	_, ok = rc.GetRecommendations(ctx, keys["user"])
	assert.False(t, ok)
	_, ok = rc.GetRecommendations(ctx, keys["user2"])
	assert.True(t, ok)
	_, ok = rc.GetRecommendations(ctx, keys["tenant2"])
	assert.True(t, ok, "invalidation never crosses tenants")

	rc.InvalidateTenant(ctx, "t1")
	_, ok = rc.GetRecommendations(ctx, keys["user2"])
	assert.False(t, ok)
	_, ok = rc.GetRecommendations(ctx, keys["tenant2"])
	assert.True(t, ok)
}

func TestResultCache_BackendFailureIsMiss(t *testing.T) {
	rc := newResultCache(t, &failingCache{err: ErrUnavailable})
	ctx := context.Background()
	key := rc.UserKey("t1", types.AlgorithmContent, "u1", "", 10)

	rc.SetRecommendations(ctx, key, &types.RecommendationResult{})
	_, ok := rc.GetRecommendations(ctx, key)
	assert.False(t, ok)
	rc.InvalidateUser(ctx, "t1", "u1")

	st := rc.Stats()
	assert.Zero(t, st.Hits)
	assert.GreaterOrEqual(t, st.Errors, uint64(3))
}

func TestResultCache_Disabled(t *testing.T) {
	cfg := config.Default().Cache
	cfg.Enabled = false
	backend := NewLocalCache(LocalOptions{})
	rc := NewResultCache(backend, cfg, zerolog.Nop())
	ctx := context.Background()

	key := rc.ContentKey("t1", "product", "E1", 10)
	rc.SetRecommendations(ctx, key, &types.RecommendationResult{})
	_, ok := rc.GetRecommendations(ctx, key)
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Len())
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `reco:t1:content:a\*b:`, escapeGlob("reco:t1:content:a*b:"))
	assert.Equal(t, `x\?\[y\]`, escapeGlob("x?[y]"))
}

// redisTestAddr returns the address of a test redis server.
// If REDIS_TEST_ADDR is not set, tests are skipped.
func redisTestAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set; skipping redis integration tests")
	}
	return addr
}

func TestRedisCache_Integration(t *testing.T) {
	addr := redisTestAddr(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.FlushDB(ctx).Err())
	rc := NewRedisCacheFromClient(client)
	t.Cleanup(func() { _ = rc.Close() })

	_, ok, err := rc.Get(ctx, "reco:t1:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.Set(ctx, "reco:t1:content:p:E1:10", []byte("a"), time.Minute))
	require.NoError(t, rc.Set(ctx, "reco:t1:content:p:E2:10", []byte("b"), time.Minute))
	require.NoError(t, rc.Set(ctx, "reco:t2:content:p:E1:10", []byte("c"), time.Minute))

	v, ok, err := rc.Get(ctx, "reco:t1:content:p:E1:10")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	ttl, err := client.TTL(ctx, "reco:t1:content:p:E1:10").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	n, err := rc.DeletePrefix(ctx, "reco:t1:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err = rc.Get(ctx, "reco:t2:content:p:E1:10")
	require.NoError(t, err)
	assert.True(t, ok)
}
