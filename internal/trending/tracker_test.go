package trending_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/storage/sqlite"
	"github.com/scrypster/reco/internal/trending"
	"github.com/scrypster/reco/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func setup(t *testing.T) (*trending.Tracker, *sqlite.Store, *fakeClock) {
	t.Helper()
	// Thursday 1970-01-01 is the epoch, so 7-day windows start on Thursdays.
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	store, err := sqlite.New(context.Background(), ":memory:", storage.Options{
		Dimension: 2,
		Logger:    zerolog.Nop(),
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	rc := cache.NewResultCache(cache.NewLocalCache(cache.LocalOptions{Clock: clock.Now}), cfg.Cache, zerolog.Nop())
	return trending.NewTracker(store, rc, cfg.Trending, zerolog.Nop(), clock.Now), store, clock
}

func TestWindowStart_EpochAligned(t *testing.T) {
	tr, _, _ := setup(t)

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	start := tr.WindowStart(at)
	assert.Equal(t, time.Thursday, start.Weekday())
	assert.Equal(t, time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, start, tr.WindowStart(start), "window start belongs to its own window")
	assert.Equal(t, start.Add(7*24*time.Hour), tr.WindowStart(start.Add(7*24*time.Hour)))
}

func TestTopTrending_RankAndPopularity(t *testing.T) {
	tr, _, clock := setup(t)
	ctx := context.Background()
	now := clock.Now()

	for i := 0; i < 4; i++ {
		require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "A", 1, now))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "B", 5, now))
	}
	require.NoError(t, tr.RecordInteraction(ctx, "t1", "video", "V", 1, now))
	require.NoError(t, tr.RecordInteraction(ctx, "t2", "product", "Z", 1, now))

	top, err := tr.TopTrending(ctx, "t1", "product", 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "A", top[0].EntityID)
	assert.InDelta(t, 1.0, top[0].Popularity, 1e-9)
	assert.Equal(t, "B", top[1].EntityID)
	assert.InDelta(t, 0.5, top[1].Popularity, 1e-9)
	assert.InDelta(t, 10.0, top[1].Score, 1e-9)

	all, err := tr.TopTrending(ctx, "t1", "", 5)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, r := range all {
		assert.Equal(t, "t1", r.TenantID)
	}
}

func TestTopTrending_CachedUntilTTL(t *testing.T) {
	tr, _, clock := setup(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "A", 1, clock.Now()))
	first, err := tr.TopTrending(ctx, "t1", "product", 5)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "B", 1, clock.Now()))
	cached, err := tr.TopTrending(ctx, "t1", "product", 5)
	require.NoError(t, err)
	assert.Len(t, cached, 1, "served from cache within the TTL")

	clock.Advance(time.Hour)
	fresh, err := tr.TopTrending(ctx, "t1", "product", 5)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestRecordInteraction_WindowReset(t *testing.T) {
	tr, _, clock := setup(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "A", 1, clock.Now()))
	require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "A", 1, clock.Now()))

	clock.Advance(7 * 24 * time.Hour)
	require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "A", 1, clock.Now()))

	// An interaction stamped in the previous window is ignored.
	require.NoError(t, tr.RecordInteraction(ctx, "t1", "product", "A", 1, clock.Now().Add(-7*24*time.Hour)))

	top, err := tr.TopTrending(ctx, "t1", "product", 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].InteractionCount)
	assert.Equal(t, tr.WindowStart(clock.Now()), top[0].WindowStart)
}

func TestTopTrending_InvalidTenant(t *testing.T) {
	tr, _, _ := setup(t)
	_, err := tr.TopTrending(context.Background(), "bad tenant", "", 5)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRank_Empty(t *testing.T) {
	assert.Empty(t, trending.Rank(nil))
	r := trending.Rank([]types.TrendingStat{{EntityID: "x"}})
	require.Len(t, r, 1)
	assert.Zero(t, r[0].Popularity)
}
