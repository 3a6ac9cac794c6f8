package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/vectorindex"
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

// newTestStore creates an in-memory store with two-dimensional vectors.
func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	store, err := New(context.Background(), ":memory:", storage.Options{
		Dimension:   2,
		DedupWindow: time.Minute,
		Logger:      zerolog.Nop(),
		Clock:       clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func entity(tenant, typ, id string, vec ...float32) *types.Entity {
	e := &types.Entity{TenantID: tenant, EntityType: typ, EntityID: id}
	if len(vec) > 0 {
		e.FeatureVector = vec
	}
	return e
}

func seedScenario(t *testing.T, s *Store, tenant string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateEntity(ctx, entity(tenant, "product", "E1", 1, 0)))
	require.NoError(t, s.CreateEntity(ctx, entity(tenant, "product", "E2", 0.9, 0.1)))
	require.NoError(t, s.CreateEntity(ctx, entity(tenant, "product", "E3", 0, 1)))
}

func TestEntityCRUD(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e := entity("t1", "product", "p1", 1, 0)
	e.Attributes = map[string]interface{}{"color": "red"}
	require.NoError(t, s.CreateEntity(ctx, e))

	got, err := s.GetEntity(ctx, "t1", "product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "red", got.Attributes["color"])
	assert.Equal(t, []float32{1, 0}, got.FeatureVector)

	err = s.CreateEntity(ctx, entity("t1", "product", "p1", 1, 0))
	assert.ErrorIs(t, err, storage.ErrConflict)

	got.FeatureVector = nil
	require.NoError(t, s.UpdateEntity(ctx, got))
	assert.Equal(t, 0, s.entities.Size("t1"), "dropping the vector must remove the index entry")

	require.NoError(t, s.DeleteEntity(ctx, "t1", "product", "p1"))
	_, err = s.GetEntity(ctx, "t1", "product", "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteEntity(ctx, "t1", "product", "p1"), storage.ErrNotFound)
}

func TestCreateEntity_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.CreateEntity(ctx, entity("t1", "product", "p1", 1, 0, 0)), storage.ErrInvalidVector)
	assert.ErrorIs(t, s.CreateEntity(ctx, entity("t1", "product", "p1", 0, 0)), storage.ErrInvalidVector)
	assert.ErrorIs(t, s.CreateEntity(ctx, entity("t1", "", "p1", 1, 0)), storage.ErrNotFound)
	assert.ErrorIs(t, s.CreateEntity(ctx, entity("bad tenant!", "product", "p1", 1, 0)), storage.ErrInvalidInput)
}

func TestEntityWrites_IndexFailureLeavesTableUnchanged(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEntity(ctx, entity("t1", "product", "E1", 1, 0)))

	// An index that rejects every 2-d vector.
	healthy := s.entities
	s.entities = vectorindex.New(string(storage.TableEntities), 3, s.opts.Index)
	defer func() { s.entities = healthy }()

	err := s.CreateEntity(ctx, entity("t1", "product", "E2", 0, 1))
	assert.ErrorIs(t, err, storage.ErrInvalidVector)
	_, err = s.GetEntity(ctx, "t1", "product", "E2")
	assert.ErrorIs(t, err, storage.ErrNotFound, "the row is not committed when indexing fails")

	err = s.UpdateEntity(ctx, entity("t1", "product", "E1", 0, 1))
	assert.ErrorIs(t, err, storage.ErrInvalidVector)
	got, err := s.GetEntity(ctx, "t1", "product", "E1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.FeatureVector)
}

func TestFindSimilarEntities_ExcludesOnlyTheSourceType(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEntity(ctx, entity("t1", "book", "42", 1, 0)))
	require.NoError(t, s.CreateEntity(ctx, entity("t1", "movie", "42", 0.95, 0.05)))

	matches, err := s.FindSimilarEntities(ctx, "t1", []float32{1, 0}, storage.SimilarityQuery{
		ExcludeID: "42", ExcludeType: "book", K: 5,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "movie", matches[0].Type)
}

func TestFindSimilarEntities_Scenario(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s, "t1")

	matches, err := s.FindSimilarEntities(ctx, "t1", []float32{1, 0}, storage.SimilarityQuery{
		EntityType: "product",
		ExcludeID:  "E1",
		K:          2,
		Threshold:  0.5,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1, "E3 is orthogonal to E1 and falls below the threshold")
	assert.Equal(t, "E2", matches[0].ID)
	assert.InDelta(t, 0.9939, matches[0].Similarity, 1e-3)
}

func TestFindSimilarEntities_SelfExclusionAndThreshold(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s, "t1")
	require.NoError(t, s.CreateEntity(ctx, entity("t1", "product", "E4", 0.6, 0.8)))

	prev := -1
	for _, threshold := range []float64{0, 0.25, 0.5, 0.75, 0.95, 1} {
		matches, err := s.FindSimilarEntities(ctx, "t1", []float32{1, 0}, storage.SimilarityQuery{
			ExcludeID: "E1",
			K:         10,
			Threshold: threshold,
		})
		require.NoError(t, err)
		for _, m := range matches {
			assert.NotEqual(t, "E1", m.ID)
			assert.GreaterOrEqual(t, m.Similarity, threshold)
		}
		if prev >= 0 {
			assert.LessOrEqual(t, len(matches), prev, "threshold %.2f", threshold)
		}
		prev = len(matches)
	}
}

func TestTenantIsolation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s, "t1")
	require.NoError(t, s.CreateEntity(ctx, entity("t2", "product", "E1", 0, 1)))

	e, err := s.GetEntity(ctx, "t2", "product", "E1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, e.FeatureVector)

	matches, err := s.FindSimilarEntities(ctx, "t2", []float32{1, 0}, storage.SimilarityQuery{K: 10})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = s.GetEntity(ctx, "t2", "product", "E2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.RecordInteraction(ctx, &types.Interaction{
		TenantID: "t1", UserID: "u1", EntityType: "product", EntityID: "E1", InteractionType: types.InteractionView,
	})
	require.NoError(t, err)

	n, err := s.GetUserInteractionCount(ctx, "t2", "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.DeleteEntity(ctx, "t2", "product", "E1"))
	_, err = s.GetEntity(ctx, "t1", "product", "E1")
	assert.NoError(t, err, "deleting in t2 must not touch t1")
}

func TestRecordInteraction_Dedup(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	in := func() *types.Interaction {
		return &types.Interaction{
			TenantID: "t1", UserID: "u1", EntityType: "product", EntityID: "E1",
			InteractionType: types.InteractionClick,
		}
	}

	ok, err := s.RecordInteraction(ctx, in())
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(30 * time.Second)
	ok, err = s.RecordInteraction(ctx, in())
	require.NoError(t, err)
	assert.False(t, ok, "second click inside the window is a duplicate")

	n, err := s.GetUserInteractionCount(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(2 * time.Minute)
	ok, err = s.RecordInteraction(ctx, in())
	require.NoError(t, err)
	assert.True(t, ok)

	other := in()
	other.InteractionType = types.InteractionPurchase
	ok, err = s.RecordInteraction(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok, "a different interaction type is not a duplicate")

	n, err = s.GetUserInteractionCount(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRecordInteraction_RatingNeedsValue(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.RecordInteraction(context.Background(), &types.Interaction{
		TenantID: "t1", UserID: "u1", EntityType: "product", EntityID: "E1",
		InteractionType: types.InteractionRating,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestBulkImportInteractions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := []types.Interaction{
		{UserID: "u1", EntityType: "product", EntityID: "E1", InteractionType: types.InteractionView, Timestamp: base},
		{UserID: "u1", EntityType: "product", EntityID: "E1", InteractionType: types.InteractionView, Timestamp: base.Add(10 * time.Second)},
		{UserID: "u1", EntityType: "product", EntityID: "E2", InteractionType: types.InteractionView, Timestamp: base},
		{TenantID: "t2", UserID: "u1", EntityType: "product", EntityID: "E2", InteractionType: types.InteractionView},
		{UserID: "u1", EntityType: "product", EntityID: "E3", InteractionType: types.InteractionRating},
	}

	res, err := s.BulkImportInteractions(ctx, "t1", rows)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)
}

func TestGetUserInteractions_CursorPaging(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		clock.Advance(time.Hour)
		_, err := s.RecordInteraction(ctx, &types.Interaction{
			TenantID: "t1", UserID: "u1", EntityType: "product", EntityID: fmt.Sprintf("E%d", i),
			InteractionType: types.InteractionView,
		})
		require.NoError(t, err)
	}

	var (
		seen   []string
		cursor string
	)
	for {
		page, err := s.GetUserInteractions(ctx, "t1", "u1", storage.PageRequest{Cursor: cursor, PageSize: 3})
		require.NoError(t, err)
		for _, in := range page.Items {
			seen = append(seen, in.EntityID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"E6", "E5", "E4", "E3", "E2", "E1", "E0"}, seen)

	_, err := s.GetUserInteractions(ctx, "t1", "u1", storage.PageRequest{Cursor: "%%%"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestBatchInsertEntities_RollsBackOnConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEntity(ctx, entity("t1", "product", "dup", 1, 0)))

	batch := []types.Entity{
		*entity("", "product", "a", 1, 0),
		*entity("", "product", "b", 0, 1),
		*entity("", "product", "dup", 1, 1),
	}
	res, err := s.BatchInsertEntities(ctx, "t1", batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Zero(t, res.Succeeded)

	_, err = s.GetEntity(ctx, "t1", "product", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound, "the whole batch must roll back")
	assert.Equal(t, 1, s.entities.Size("t1"))
}

func TestBatchDeleteEntities_SkipsAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s, "t1")

	res, err := s.BatchDeleteEntities(ctx, "t1", []storage.EntityKey{
		{EntityType: "product", EntityID: "E1"},
		{EntityType: "product", EntityID: "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, s.entities.Size("t1"))
}

func TestUserProfiles(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for _, p := range []types.UserProfile{
		{TenantID: "t1", UserID: "u1", PreferenceVector: []float32{1, 0}, InteractionCount: 4},
		{TenantID: "t1", UserID: "u2", PreferenceVector: []float32{0.8, 0.2}, InteractionCount: 2},
		{TenantID: "t1", UserID: "u3", PreferenceVector: []float32{0, 1}, InteractionCount: 9},
	} {
		p := p
		require.NoError(t, s.UpsertUserProfile(ctx, &p))
	}

	got, err := s.GetUserProfile(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.InteractionCount)
	assert.True(t, clock.Now().Equal(got.LastComputedAt))

	peers, err := s.FindSimilarUsers(ctx, "t1", got.PreferenceVector, storage.SimilarityQuery{ExcludeID: "u1", K: 5, Threshold: 0.1})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "u2", peers[0].ID)

	require.NoError(t, s.DeleteUserProfile(ctx, "t1", "u2"))
	_, err = s.GetUserProfile(ctx, "t1", "u2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 2, s.profiles.Size("t1"))

	err = s.UpsertUserProfile(ctx, &types.UserProfile{TenantID: "t1", UserID: "u4", PreferenceVector: []float32{1}})
	assert.ErrorIs(t, err, storage.ErrInvalidVector)
}

func TestColdStartAndStaleUsers(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	record := func(user, id string) {
		clock.Advance(2 * time.Minute)
		_, err := s.RecordInteraction(ctx, &types.Interaction{
			TenantID: "t1", UserID: user, EntityType: "product", EntityID: id, InteractionType: types.InteractionView,
		})
		require.NoError(t, err)
	}
	record("heavy", "E1")
	record("heavy", "E2")
	record("heavy", "E3")
	record("light", "E1")
	require.NoError(t, s.UpsertUserProfile(ctx, &types.UserProfile{
		TenantID: "t1", UserID: "ghost", PreferenceVector: []float32{1, 0},
	}))

	cold, err := s.GetColdStartUsers(ctx, "t1", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost", "light"}, cold)

	require.NoError(t, s.UpsertUserProfile(ctx, &types.UserProfile{
		TenantID: "t1", UserID: "heavy", PreferenceVector: []float32{1, 0}, InteractionCount: 3,
	}))
	stale, err := s.ListStaleUsers(ctx, "t1", clock.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"light"}, stale)

	record("heavy", "E4")
	stale, err = s.ListStaleUsers(ctx, "t1", clock.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"heavy", "light"}, stale, "a newer interaction makes the profile stale")

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tenants)
}

func TestTrending_WindowReset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	w1 := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	w2 := w1.Add(7 * 24 * time.Hour)

	require.NoError(t, s.IncrementTrending(ctx, "t1", "product", "A", 1, w1))
	require.NoError(t, s.IncrementTrending(ctx, "t1", "product", "A", 5, w1))
	require.NoError(t, s.IncrementTrending(ctx, "t1", "product", "B", 1, w1))

	top, err := s.TopTrending(ctx, "t1", "", w1, 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "A", top[0].EntityID)
	assert.Equal(t, int64(2), top[0].InteractionCount)
	assert.Equal(t, 6.0, top[0].Score)

	require.NoError(t, s.IncrementTrending(ctx, "t1", "product", "A", 1, w2))
	top, err = s.TopTrending(ctx, "t1", "product", w2, 5)
	require.NoError(t, err)
	require.Len(t, top, 1, "rows from the previous window are not reported")
	assert.Equal(t, int64(1), top[0].InteractionCount)
	assert.Equal(t, 1.0, top[0].Score)

	top, err = s.TopTrending(ctx, "t2", "", w2, 5)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestInteractionTypes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterInteractionType(ctx, &types.InteractionTypeDef{TenantID: "t1", Name: "wishlist", Weight: 4}))
	require.NoError(t, s.RegisterInteractionType(ctx, &types.InteractionTypeDef{TenantID: "t1", Name: "wishlist", Weight: 2.5}))
	require.NoError(t, s.RegisterInteractionType(ctx, &types.InteractionTypeDef{TenantID: "t1", Name: "bookmark", Weight: 1}))

	defs, err := s.ListInteractionTypes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, types.InteractionType("bookmark"), defs[0].Name)
	assert.Equal(t, 2.5, defs[1].Weight)

	err = s.RegisterInteractionType(ctx, &types.InteractionTypeDef{TenantID: "t1", Name: "x", Weight: -1})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestIndexStatsAndRebuild(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s, "t1")

	st, err := s.GetIndexStats(ctx, storage.TableEntities, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Nodes)
	assert.Equal(t, 3, st.MutationsSinceRebuild)

	st, err = s.RebuildIndex(ctx, storage.TableEntities, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Nodes)
	assert.Zero(t, st.MutationsSinceRebuild)
	assert.False(t, st.LastBuiltAt.IsZero())

	a, err := s.AnalyzeIndexPerformance(ctx, storage.TableEntities, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, a.Recall, 1e-9)
	assert.False(t, a.RebuildAdvised)

	_, err = s.RebuildIndex(ctx, storage.IndexTable("bogus"), "t1")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestIndexReloadedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reco.db")
	ctx := context.Background()
	opts := storage.Options{Dimension: 2, Logger: zerolog.Nop()}

	s, err := New(ctx, path, opts)
	require.NoError(t, err)
	seedScenario(t, s, "t1")
	require.NoError(t, s.Close())

	s, err = New(ctx, path, opts)
	require.NoError(t, err)
	defer s.Close()

	matches, err := s.FindSimilarEntities(ctx, "t1", []float32{1, 0}, storage.SimilarityQuery{ExcludeID: "E1", K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "E2", matches[0].ID)
}

func TestSearchHonoursCancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	seedScenario(t, s, "t1")

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	_, err := s.FindSimilarEntities(ctx, "t1", []float32{1, 0}, storage.SimilarityQuery{K: 5})
	if err != nil {
		assert.True(t, errors.Is(err, storage.ErrTimeout) || errors.Is(err, context.DeadlineExceeded))
	}
}
