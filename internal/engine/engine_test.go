package engine_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/engine"
	"github.com/scrypster/reco/internal/features"
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

// harness wires every engine over one in-memory store with 2-d vectors.
type harness struct {
	store    *sqlite.Store
	clock    *fakeClock
	cfg      *config.Config
	rc       *cache.ResultCache
	tracker  *trending.Tracker
	weights  *engine.WeightResolver
	profiles *engine.ProfileComputer
	content  *engine.ContentEngine
	collab   *engine.CollaborativeEngine
	hybrid   *engine.HybridCombiner
	recorder *engine.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithDimension(t, 2)
}

func newHarnessWithDimension(t *testing.T, dimension int) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	cfg := config.Default()
	cfg.Vectors.Dimension = dimension

	opts := storage.OptionsFromConfig(cfg, zerolog.Nop())
	opts.Clock = clock.Now
	store, err := sqlite.New(context.Background(), ":memory:", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := zerolog.Nop()
	h := &harness{store: store, clock: clock, cfg: cfg}
	h.rc = cache.NewResultCache(cache.NewLocalCache(cache.LocalOptions{Clock: clock.Now}), cfg.Cache, log)
	h.tracker = trending.NewTracker(store, h.rc, cfg.Trending, log, clock.Now)
	h.weights = engine.NewWeightResolver(store)
	h.profiles = engine.NewProfileComputer(store, h.weights, cfg.Profiles, log, clock.Now)
	h.content = engine.NewContentEngine(store, h.tracker, h.rc, h.weights, cfg.Algorithms, log, clock.Now)
	h.collab = engine.NewCollaborativeEngine(store, h.content, h.rc, h.weights, cfg.Algorithms, cfg.Interactions.ColdStartThreshold, log, clock.Now)
	h.hybrid = engine.NewHybridCombiner(h.content, h.collab, h.rc, cfg.Algorithms, log, clock.Now)
	h.recorder = engine.NewRecorder(store, h.tracker, h.rc, h.weights, features.NewHashingExtractor(cfg.Vectors.Dimension), log, clock.Now)
	return h
}

func (h *harness) entity(t *testing.T, tenant, id string, vec ...float32) {
	t.Helper()
	e := &types.Entity{TenantID: tenant, EntityType: "product", EntityID: id}
	if len(vec) > 0 {
		e.FeatureVector = vec
	}
	require.NoError(t, h.recorder.CreateEntity(context.Background(), e))
}

func (h *harness) interact(t *testing.T, tenant, user, entityID string, it types.InteractionType) {
	t.Helper()
	ok, err := h.recorder.RecordInteraction(context.Background(), &types.Interaction{
		TenantID:        tenant,
		UserID:          user,
		EntityType:      "product",
		EntityID:        entityID,
		InteractionType: it,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

// catalog seeds A and B on the axes, C next to A and D next to B.
func (h *harness) catalog(t *testing.T, tenant string) {
	h.entity(t, tenant, "A", 1, 0)
	h.entity(t, tenant, "B", 0, 1)
	h.entity(t, tenant, "C", 0.95, 0.05)
	h.entity(t, tenant, "D", 0.05, 0.95)
}

func ids(items []types.ScoredEntity) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.EntityID
	}
	return out
}

func TestContent_SimilarEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.entity(t, "t1", "E1", 1, 0)
	h.entity(t, "t1", "E2", 0.9, 0.1)
	h.entity(t, "t1", "E3", 0, 1)

	res, err := h.content.GenerateRecommendations(ctx, "t1", "product", "E1", 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 1, "E3 is orthogonal and falls below the threshold")
	assert.Equal(t, "E2", res.Items[0].EntityID)
	assert.Equal(t, "similar_to:E1", res.Items[0].Reason)
	assert.InDelta(t, 0.9/math.Sqrt(0.82), res.Items[0].Score, 1e-4)
	assert.Equal(t, types.AlgorithmContent, res.Algorithm)
	assert.False(t, res.ColdStart)
}

func TestContent_VectorsFromAttributes(t *testing.T) {
	h := newHarnessWithDimension(t, 1024)
	ctx := context.Background()
	create := func(typ, id string, attrs map[string]interface{}) *types.Entity {
		e := &types.Entity{TenantID: "t1", EntityType: typ, EntityID: id, Attributes: attrs}
		require.NoError(t, h.recorder.CreateEntity(ctx, e))
		return e
	}
	shoe := create("product", "shoe1", map[string]interface{}{"category": "shoes", "color": "red"})
	create("product", "shoe2", map[string]interface{}{"color": "red", "category": "shoes"})
	create("product", "book", map[string]interface{}{"category": "books", "color": "blue"})
	require.Len(t, shoe.FeatureVector, 1024)

	res, err := h.content.GenerateRecommendations(ctx, "t1", "product", "shoe1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "shoe2", res.Items[0].EntityID)
	assert.InDelta(t, 1.0, res.Items[0].Score, 1e-4)
	assert.NotContains(t, ids(res.Items), "shoe1")

	// Attribute changes recompute the vector when none is supplied.
	require.NoError(t, h.recorder.UpdateEntity(ctx, &types.Entity{
		TenantID: "t1", EntityType: "product", EntityID: "shoe2",
		Attributes: map[string]interface{}{"category": "books", "color": "blue"},
	}))
	got, err := h.store.GetEntity(ctx, "t1", "product", "shoe2")
	require.NoError(t, err)
	book, err := h.store.GetEntity(ctx, "t1", "product", "book")
	require.NoError(t, err)
	assert.Equal(t, book.FeatureVector, got.FeatureVector)
}

func TestContent_SameIDOtherTypeIsRecommended(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.recorder.CreateEntity(ctx, &types.Entity{TenantID: "t1", EntityType: "book", EntityID: "42", FeatureVector: []float32{1, 0}}))
	require.NoError(t, h.recorder.CreateEntity(ctx, &types.Entity{TenantID: "t1", EntityType: "movie", EntityID: "42", FeatureVector: []float32{0.9, 0.1}}))
	ok, err := h.recorder.RecordInteraction(ctx, &types.Interaction{
		TenantID: "t1", UserID: "u1", EntityType: "book", EntityID: "42", InteractionType: types.InteractionView,
	})
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.content.GenerateUserRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "42", res.Items[0].EntityID)
	assert.Equal(t, "movie", res.Items[0].EntityType)
}

func TestContent_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.entity(t, "t1", "E1", 1, 0)
	h.entity(t, "t2", "E2", 1, 0)

	res, err := h.content.GenerateRecommendations(ctx, "t1", "product", "E1", 10)
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	_, err = h.content.GenerateRecommendations(ctx, "t1", "product", "E2", 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestContent_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.content.GenerateRecommendations(ctx, "", "product", "E1", 10)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = h.content.GenerateRecommendations(ctx, "t1", "product", "E1", 1000)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = h.content.GetRecommendationsWithColdStart(ctx, engine.Request{TenantID: "t1"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = h.content.GetRecommendationsWithColdStart(ctx, engine.Request{TenantID: "t1", EntityID: "E1"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput, "entity requests need a type")
}

func TestContent_UserHistoryWeighting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")

	// The purchase of A weighs five times the view of B.
	h.interact(t, "t1", "u1", "A", types.InteractionPurchase)
	h.interact(t, "t1", "u1", "B", types.InteractionView)

	res, err := h.content.GenerateUserRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, []string{"C", "D"}, ids(res.Items))
	assert.Equal(t, "similar_to:A", res.Items[0].Reason)
	assert.Equal(t, "similar_to:B", res.Items[1].Reason)
	assert.InDelta(t, 5*res.Items[1].Score, res.Items[0].Score, 1e-6)
}

func TestContent_UserWithoutHistoryIsColdStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")

	_, err := h.content.GenerateUserRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "nobody"})
	assert.ErrorIs(t, err, storage.ErrColdStart)
}

func TestColdStart_TrendingFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.entity(t, "t1", "E1", 1, 0)
	h.entity(t, "t1", "E2", 0.9, 0.1)
	h.entity(t, "t1", "E3", 0, 1)

	for _, u := range []string{"u1", "u2", "u3"} {
		h.interact(t, "t1", u, "E1", types.InteractionView)
	}
	h.interact(t, "t1", "u4", "E3", types.InteractionView)

	res, err := h.content.GetRecommendationsWithColdStart(ctx, engine.Request{TenantID: "t1", UserID: "fresh"})
	require.NoError(t, err)
	assert.True(t, res.ColdStart)
	assert.Equal(t, types.AlgorithmColdStart, res.Algorithm)
	require.Equal(t, []string{"E1", "E2", "E3"}, ids(res.Items))
	for _, it := range res.Items {
		assert.Equal(t, types.ReasonTrending, it.Reason)
	}
	assert.InDelta(t, 1.0, res.Items[0].Score, 1e-9)
	assert.InDelta(t, 1.0/3, res.Items[2].Score, 1e-9)

	// u1 has seen E1, so its fallback list excludes it.
	seen, err := h.collab.GetRecommendationsWithColdStart(ctx, engine.Request{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, seen.ColdStart)
	assert.NotContains(t, ids(seen.Items), "E1")
}

func TestColdStart_EntityWithoutVector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.entity(t, "t1", "E1", 1, 0)
	h.entity(t, "t1", "bare")
	h.interact(t, "t1", "u1", "E1", types.InteractionView)
	h.interact(t, "t1", "u2", "bare", types.InteractionView)

	res, err := h.content.GetRecommendationsWithColdStart(ctx, engine.Request{
		TenantID: "t1", EntityType: "product", EntityID: "bare",
	})
	require.NoError(t, err)
	assert.True(t, res.ColdStart)
	assert.Equal(t, []string{"E1"}, ids(res.Items))

	_, err = h.content.GenerateRecommendations(ctx, "t1", "product", "bare", 10)
	assert.ErrorIs(t, err, storage.ErrNoFeatureVector)
}

func TestColdStart_EmptyTenant(t *testing.T) {
	h := newHarness(t)
	res, err := h.content.GetColdStartRecommendations(context.Background(), "t1", "", 10)
	require.NoError(t, err)
	assert.True(t, res.ColdStart)
	assert.Empty(t, res.Items)
}

func TestCache_RecordingInvalidatesUserLists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")
	h.interact(t, "t1", "u1", "A", types.InteractionPurchase)

	req := engine.Request{TenantID: "t1", UserID: "u1"}
	first, err := h.content.GenerateUserRecommendations(ctx, req)
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, ids(first.Items))

	// A write that bypasses the recorder is invisible until the TTL expires.
	_, err = h.store.RecordInteraction(ctx, &types.Interaction{
		TenantID: "t1", UserID: "u1", EntityType: "product", EntityID: "C",
		InteractionType: types.InteractionView,
	})
	require.NoError(t, err)
	stale, err := h.content.GenerateUserRecommendations(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, ids(stale.Items))

	h.clock.Advance(h.cfg.Cache.RecommendationTTL)
	fresh, err := h.content.GenerateUserRecommendations(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, ids(fresh.Items), "C")

	h.entity(t, "t1", "C2", 0.97, 0.03)
	h.rc.InvalidateUser(ctx, "t1", "u1")
	withC2, err := h.content.GenerateUserRecommendations(ctx, req)
	require.NoError(t, err)
	require.Contains(t, ids(withC2.Items), "C2")

	// Recording through the recorder drops the cached list immediately.
	h.interact(t, "t1", "u1", "C2", types.InteractionClick)
	after, err := h.content.GenerateUserRecommendations(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, ids(after.Items), "C2")
}

func TestCache_EntityUpdateInvalidatesContentList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")

	before, err := h.content.GenerateRecommendations(ctx, "t1", "product", "A", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, ids(before.Items))

	require.NoError(t, h.recorder.UpdateEntity(ctx, &types.Entity{
		TenantID: "t1", EntityType: "product", EntityID: "A", FeatureVector: []float32{0, 1},
	}))
	after, err := h.content.GenerateRecommendations(ctx, "t1", "product", "A", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "D"}, ids(after.Items))
}

func TestProfile_WeightedMean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")
	h.entity(t, "t1", "bare")
	h.interact(t, "t1", "u1", "A", types.InteractionPurchase)
	h.interact(t, "t1", "u1", "B", types.InteractionView)
	h.interact(t, "t1", "u1", "bare", types.InteractionLike)

	p, err := h.profiles.RefreshUserProfile(ctx, "t1", "u1")
	require.NoError(t, err)
	norm := math.Sqrt(26)
	assert.InDelta(t, 5/norm, p.PreferenceVector[0], 1e-6)
	assert.InDelta(t, 1/norm, p.PreferenceVector[1], 1e-6)
	assert.Equal(t, 3, p.InteractionCount)
	assert.Equal(t, h.clock.Now(), p.LastComputedAt)

	stored, err := h.store.GetUserProfile(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.InDeltaSlice(t, p.PreferenceVector, stored.PreferenceVector, 1e-6)
}

func TestProfile_WeightOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")
	require.NoError(t, h.recorder.RegisterInteractionType(ctx, &types.InteractionTypeDef{
		TenantID: "t1", Name: types.InteractionPurchase, Weight: 1,
	}))
	h.interact(t, "t1", "u1", "A", types.InteractionPurchase)
	h.interact(t, "t1", "u1", "B", types.InteractionView)

	p, err := h.profiles.ComputeUserPreferenceVector(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.InDelta(t, p.PreferenceVector[0], p.PreferenceVector[1], 1e-6)
}

func TestProfile_RecencyDecay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")
	h.interact(t, "t1", "u1", "A", types.InteractionView)
	h.clock.Advance(30 * 24 * time.Hour)
	h.interact(t, "t1", "u1", "B", types.InteractionView)

	cfg := h.cfg.Profiles
	cfg.RecencyHalfLife = 30 * 24 * time.Hour
	profiles := engine.NewProfileComputer(h.store, h.weights, cfg, zerolog.Nop(), h.clock.Now)

	p, err := profiles.ComputeUserPreferenceVector(ctx, "t1", "u1")
	require.NoError(t, err)
	norm := math.Sqrt(1.25)
	assert.InDelta(t, 0.5/norm, p.PreferenceVector[0], 1e-6)
	assert.InDelta(t, 1/norm, p.PreferenceVector[1], 1e-6)
}

func TestProfile_ColdStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.entity(t, "t1", "bare")

	_, err := h.profiles.ComputeUserPreferenceVector(ctx, "t1", "u1")
	assert.ErrorIs(t, err, storage.ErrColdStart)

	h.interact(t, "t1", "u1", "bare", types.InteractionView)
	_, err = h.profiles.RefreshUserProfile(ctx, "t1", "u1")
	assert.ErrorIs(t, err, storage.ErrColdStart)
	_, err = h.store.GetUserProfile(ctx, "t1", "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// peers seeds u1 (bought A), u2 (bought A and C) and u3 (bought B and D).
func (h *harness) peers(t *testing.T) {
	t.Helper()
	h.catalog(t, "t1")
	h.interact(t, "t1", "u1", "A", types.InteractionPurchase)
	h.interact(t, "t1", "u2", "A", types.InteractionPurchase)
	h.interact(t, "t1", "u2", "C", types.InteractionPurchase)
	h.interact(t, "t1", "u3", "B", types.InteractionPurchase)
	h.interact(t, "t1", "u3", "D", types.InteractionPurchase)
	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := h.profiles.RefreshUserProfile(context.Background(), "t1", u)
		require.NoError(t, err)
	}
}

func TestCollaborative_PeerRecommendations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.peers(t)

	res, err := h.collab.GenerateUserRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, ids(res.Items), "u3 is not similar enough and A is already seen")
	assert.Equal(t, types.ReasonCollaborative, res.Items[0].Reason)
	assert.Equal(t, types.AlgorithmCollaborative, res.Algorithm)
	assert.Greater(t, res.Items[0].Score, 4.9)

	filtered, err := h.collab.GenerateUserRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "u1", EntityType: "video"})
	require.NoError(t, err)
	assert.Empty(t, filtered.Items)
}

func TestCollaborative_ColdStartUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.peers(t)

	_, err := h.collab.GenerateUserRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "u9"})
	assert.ErrorIs(t, err, storage.ErrColdStart)

	cold, err := h.collab.IsColdStartUser(ctx, "t1", "u9")
	require.NoError(t, err)
	assert.True(t, cold)
	cold, err = h.collab.IsColdStartUser(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, cold, "one interaction is below the threshold")

	res, err := h.collab.GetRecommendationsWithColdStart(ctx, engine.Request{TenantID: "t1", UserID: "u9"})
	require.NoError(t, err)
	assert.True(t, res.ColdStart)
	assert.NotEmpty(t, res.Items)
}

func TestHybrid_Combine(t *testing.T) {
	content := &types.RecommendationResult{Items: []types.ScoredEntity{
		{EntityID: "X", EntityType: "p", Score: 10},
		{EntityID: "Y", EntityType: "p", Score: 5},
		{EntityID: "Z", EntityType: "p", Score: 0},
	}}
	collab := &types.RecommendationResult{Items: []types.ScoredEntity{
		{EntityID: "Y", EntityType: "p", Score: 2},
	}}

	items := engine.Combine(content, collab, engine.HybridWeights{Content: 0.5, Collaborative: 0.5})
	require.Equal(t, []string{"X", "Y", "Z"}, ids(items))
	assert.InDelta(t, 1.0, items[0].Score, 1e-9)
	assert.InDelta(t, 0.75, items[1].Score, 1e-9)
	assert.InDelta(t, 0.0, items[2].Score, 1e-9)
	for _, it := range items {
		assert.Equal(t, types.ReasonHybrid, it.Reason)
	}

	only := engine.Combine(nil, collab, engine.HybridWeights{Content: 0.7, Collaborative: 0.3})
	require.Len(t, only, 1)
	assert.InDelta(t, 1.0, only[0].Score, 1e-9, "a single-item list normalizes to 1")
}

func TestHybrid_UserRecommendations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.peers(t)

	res, err := h.hybrid.GetRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, types.AlgorithmHybrid, res.Algorithm)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "C", res.Items[0].EntityID)
	for _, it := range res.Items {
		assert.Equal(t, types.ReasonHybrid, it.Reason)
		assert.NotEqual(t, "A", it.EntityID)
	}

	_, err = h.hybrid.GetRecommendations(ctx, engine.Request{
		TenantID: "t1", UserID: "u1", Weights: &engine.HybridWeights{},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	fresh, err := h.hybrid.GetRecommendations(ctx, engine.Request{TenantID: "t1", UserID: "u9"})
	require.NoError(t, err)
	assert.True(t, fresh.ColdStart)
}

func TestHybrid_EntityRequestUsesContent(t *testing.T) {
	h := newHarness(t)
	h.catalog(t, "t1")

	res, err := h.hybrid.GetRecommendations(context.Background(), engine.Request{
		TenantID: "t1", EntityType: "product", EntityID: "A",
	})
	require.NoError(t, err)
	assert.Equal(t, types.AlgorithmContent, res.Algorithm)
	assert.Equal(t, []string{"C"}, ids(res.Items))
}

func TestRecorder_DuplicatesSkipTrending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")
	h.interact(t, "t1", "u1", "A", types.InteractionView)

	ok, err := h.recorder.RecordInteraction(ctx, &types.Interaction{
		TenantID: "t1", UserID: "u1", EntityType: "product", EntityID: "A",
		InteractionType: types.InteractionView,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	top, err := h.tracker.TopTrending(ctx, "t1", "", 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].InteractionCount)
}

func TestRecorder_BulkImport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")

	res, err := h.recorder.BulkImportInteractions(ctx, "t1", []types.Interaction{
		{UserID: "u1", EntityType: "product", EntityID: "A", InteractionType: types.InteractionView, Timestamp: h.clock.Now()},
		{UserID: "u1", EntityType: "product", EntityID: "A", InteractionType: types.InteractionView, Timestamp: h.clock.Now()},
		{UserID: "u2", EntityType: "product", EntityID: "", InteractionType: types.InteractionView},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)

	top, err := h.tracker.TopTrending(ctx, "t1", "", 5)
	require.NoError(t, err)
	assert.Empty(t, top, "imports do not feed trending")
}

func TestModelUpdater_RefreshesStaleProfiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog(t, "t1")
	h.entity(t, "t1", "bare")
	h.interact(t, "t1", "u1", "A", types.InteractionPurchase)
	h.interact(t, "t1", "u2", "bare", types.InteractionView)

	jobs := h.cfg.Jobs
	jobs.ProfileRatePerSecond = 0
	u := engine.NewModelUpdater(h.store, h.profiles, h.rc, jobs, h.cfg.Profiles, zerolog.Nop(), h.clock.Now)

	res, err := u.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tenants)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.ColdStart)
	assert.Zero(t, res.Failed)

	again, err := u.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Updated, "fresh profiles are skipped")
	assert.Equal(t, 1, again.ColdStart)

	h.clock.Advance(2 * time.Hour)
	later, err := u.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, later.Updated)
}

func TestModelUpdater_StartStop(t *testing.T) {
	h := newHarness(t)
	jobs := h.cfg.Jobs
	jobs.ProfileRatePerSecond = 0
	u := engine.NewModelUpdater(h.store, h.profiles, nil, jobs, h.cfg.Profiles, zerolog.Nop(), h.clock.Now)

	assert.Error(t, u.Stop())
	done := make(chan error, 1)
	go func() { done <- u.Start(context.Background()) }()

	require.Eventually(t, func() bool { return u.Stop() == nil }, time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("updater did not stop")
	}
}

func TestModelUpdater_Restart(t *testing.T) {
	h := newHarness(t)
	jobs := h.cfg.Jobs
	jobs.ProfileRatePerSecond = 0
	u := engine.NewModelUpdater(h.store, h.profiles, nil, jobs, h.cfg.Profiles, zerolog.Nop(), h.clock.Now)

	for round := 0; round < 2; round++ {
		done := make(chan error, 1)
		go func() { done <- u.Start(context.Background()) }()
		require.Eventually(t, func() bool { return u.Stop() == nil }, time.Second, 5*time.Millisecond)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatalf("round %d: updater did not stop", round)
		}
	}

	// A loop ended by its context can be started again as well.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, u.Start(ctx), context.Canceled)

	done := make(chan error, 1)
	go func() { done <- u.Start(context.Background()) }()
	require.Eventually(t, func() bool { return u.Stop() == nil }, time.Second, 5*time.Millisecond)
	assert.NoError(t, <-done)
}
