package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/metrics"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/trending"
	"github.com/scrypster/reco/pkg/types"
)

// contentStore is the part of the backend the ContentEngine reads.
type contentStore interface {
	GetEntity(ctx context.Context, tenantID, entityType, entityID string) (*types.Entity, error)
	GetEntityVectors(ctx context.Context, tenantID string, keys []storage.EntityKey) (map[storage.EntityKey][]float32, error)
	FindSimilarEntities(ctx context.Context, tenantID string, reference []float32, q storage.SimilarityQuery) ([]storage.SimilarityMatch, error)
	GetRecentUserInteractions(ctx context.Context, tenantID, userID string, limit int) ([]types.Interaction, error)
	GetUserInteractedEntities(ctx context.Context, tenantID, userID string) (map[storage.EntityKey]struct{}, error)
}

// ContentEngine recommends entities whose feature vectors are close to a
// source entity or to the entities in a user's history.
type ContentEngine struct {
	store   contentStore
	tracker *trending.Tracker
	cache   *cache.ResultCache
	weights *WeightResolver
	cfg     config.AlgorithmConfig
	now     func() time.Time
	logger  zerolog.Logger
}

// NewContentEngine creates a ContentEngine. rc may be nil to disable caching;
// a nil tracker disables the cold-start fallback, which then returns empty lists.
func NewContentEngine(store contentStore, tracker *trending.Tracker, rc *cache.ResultCache, weights *WeightResolver, cfg config.AlgorithmConfig, logger zerolog.Logger, clock func() time.Time) *ContentEngine {
	if clock == nil {
		clock = time.Now
	}
	return &ContentEngine{
		store:   store,
		tracker: tracker,
		cache:   rc,
		weights: weights,
		cfg:     withAlgorithmDefaults(cfg),
		now:     clock,
		logger:  logger.With().Str("component", "content").Logger(),
	}
}

func withAlgorithmDefaults(cfg config.AlgorithmConfig) config.AlgorithmConfig {
	def := config.Default().Algorithms
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = def.DefaultCount
	}
	if cfg.MaxCount < cfg.DefaultCount {
		cfg.MaxCount = def.MaxCount
	}
	if cfg.NeighborsPerItem <= 0 {
		cfg.NeighborsPerItem = def.NeighborsPerItem
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.KNeighbors <= 0 {
		cfg.KNeighbors = def.KNeighbors
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.ContentWeight < 0 || cfg.CollaborativeWeight < 0 || cfg.ContentWeight+cfg.CollaborativeWeight == 0 {
		cfg.ContentWeight, cfg.CollaborativeWeight = def.ContentWeight, def.CollaborativeWeight
	}
	return cfg
}

// FindSimilarEntities returns up to k entities of the same type whose
// similarity to entity reaches the configured threshold. The entity itself
// is never returned.
func (e *ContentEngine) FindSimilarEntities(ctx context.Context, entity *types.Entity, k int) ([]storage.SimilarityMatch, error) {
	if !entity.HasVector() {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrNoFeatureVector, entity.EntityType, entity.EntityID)
	}
	return e.store.FindSimilarEntities(ctx, entity.TenantID, entity.FeatureVector, storage.SimilarityQuery{
		EntityType:  entity.EntityType,
		ExcludeID:   entity.EntityID,
		ExcludeType: entity.EntityType,
		K:           k,
		Threshold:   e.cfg.SimilarityThreshold,
	})
}

// GenerateRecommendations returns the entities most similar to the source
// entity. Results are served from the result cache when present.
func (e *ContentEngine) GenerateRecommendations(ctx context.Context, tenantID, entityType, entityID string, count int) (*types.RecommendationResult, error) {
	started := time.Now()
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	count, err := normalizeCount(count, e.cfg)
	if err != nil {
		return nil, err
	}

	var key string
	if e.cache != nil {
		key = e.cache.ContentKey(tenantID, entityType, entityID, count)
		if res, ok := e.cache.GetRecommendations(ctx, key); ok {
			return res, nil
		}
	}

	entity, err := e.store.GetEntity(ctx, tenantID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	matches, err := e.FindSimilarEntities(ctx, entity, count)
	if err != nil {
		return nil, err
	}

	items := make([]types.ScoredEntity, 0, len(matches))
	for _, m := range matches {
		items = append(items, types.ScoredEntity{
			EntityID:   m.ID,
			EntityType: m.Type,
			Score:      m.Similarity,
			Reason:     types.ReasonSimilarTo(entityID),
		})
	}
	res := &types.RecommendationResult{
		Items:       types.TopN(items, count),
		Algorithm:   types.AlgorithmContent,
		GeneratedAt: e.now().UTC(),
	}

	if e.cache != nil {
		e.cache.SetRecommendations(ctx, key, res)
	}
	observe(e.logger, tenantID, res, started)
	return res, nil
}

// GenerateUserRecommendations scores neighbours of every entity in the
// user's history by weight(interaction) * similarity, excluding everything
// the user already interacted with. Returns storage.ErrColdStart when the
// user has no history.
func (e *ContentEngine) GenerateUserRecommendations(ctx context.Context, req Request) (*types.RecommendationResult, error) {
	started := time.Now()
	req.EntityID = ""
	if err := req.validate(e.cfg); err != nil {
		return nil, err
	}

	var key string
	if e.cache != nil {
		key = e.cache.UserKey(req.TenantID, types.AlgorithmContent, req.UserID, req.EntityType, req.Count)
		if res, ok := e.cache.GetRecommendations(ctx, key); ok {
			return res, nil
		}
	}

	history, err := e.store.GetRecentUserInteractions(ctx, req.TenantID, req.UserID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: user %s has no interactions", storage.ErrColdStart, req.UserID)
	}

	weights, err := e.weights.Load(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	seen, err := e.store.GetUserInteractedEntities(ctx, req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}

	sources := make(map[storage.EntityKey]float64)
	for _, in := range history {
		sources[storage.EntityKey{EntityType: in.EntityType, EntityID: in.EntityID}] += weights.For(in)
	}

	exp, err := e.expand(ctx, req.TenantID, req.EntityType, e.cfg.NeighborsPerItem, sources, seen)
	if err != nil {
		return nil, err
	}

	res := &types.RecommendationResult{
		Items: exp.scores.ranked(req.Count, func(k storage.EntityKey) string {
			return types.ReasonSimilarTo(exp.best[k].source)
		}),
		Algorithm:   types.AlgorithmContent,
		GeneratedAt: e.now().UTC(),
	}
	if e.cache != nil {
		e.cache.SetRecommendations(ctx, key, res)
	}
	observe(e.logger, req.TenantID, res, started)
	return res, nil
}

// GetColdStartRecommendations ranks the current trending entities and their
// neighbours: a trending entity with a vector scores its popularity, each
// neighbour similarity * popularity, summed over all seeds.
func (e *ContentEngine) GetColdStartRecommendations(ctx context.Context, tenantID, entityType string, count int) (*types.RecommendationResult, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	count, err := normalizeCount(count, e.cfg)
	if err != nil {
		return nil, err
	}
	return e.coldStart(ctx, tenantID, entityType, count, nil)
}

func (e *ContentEngine) coldStart(ctx context.Context, tenantID, entityType string, count int, exclude map[storage.EntityKey]struct{}) (*types.RecommendationResult, error) {
	started := time.Now()
	res := &types.RecommendationResult{
		Items:       []types.ScoredEntity{},
		ColdStart:   true,
		Algorithm:   types.AlgorithmColdStart,
		GeneratedAt: e.now().UTC(),
	}
	if e.tracker == nil {
		return res, nil
	}

	top, err := e.tracker.TopTrending(ctx, tenantID, entityType, e.tracker.DefaultTopN())
	if err != nil {
		return nil, err
	}

	seeds := make(map[storage.EntityKey]float64, len(top))
	for _, t := range top {
		seeds[storage.EntityKey{EntityType: t.EntityType, EntityID: t.EntityID}] = t.Popularity
	}

	neighbours := count * 2
	if neighbours < e.cfg.NeighborsPerItem {
		neighbours = e.cfg.NeighborsPerItem
	}
	exp, err := e.expand(ctx, tenantID, entityType, neighbours, seeds, exclude)
	if err != nil {
		return nil, err
	}
	for k, pop := range seeds {
		if _, hasVector := exp.vectors[k]; !hasVector {
			continue
		}
		if _, skip := exclude[k]; skip {
			continue
		}
		exp.scores.add(k, pop)
	}

	res.Items = exp.scores.ranked(count, fixedReason(types.ReasonTrending))
	observe(e.logger, tenantID, res, started)
	return res, nil
}

// GetRecommendationsWithColdStart serves the entity path when req.EntityID is
// set and the user path otherwise. An empty result, a user without history
// or a source entity without a vector falls back to the cold-start list,
// which is flagged ColdStart.
func (e *ContentEngine) GetRecommendationsWithColdStart(ctx context.Context, req Request) (*types.RecommendationResult, error) {
	started := time.Now()
	if err := req.validate(e.cfg); err != nil {
		return nil, err
	}

	if req.EntityID != "" {
		res, err := e.GenerateRecommendations(ctx, req.TenantID, req.EntityType, req.EntityID, req.Count)
		if !needsFallback(res, err) {
			if err != nil {
				observeError(types.AlgorithmContent, started)
			}
			return res, err
		}
		exclude := map[storage.EntityKey]struct{}{{EntityType: req.EntityType, EntityID: req.EntityID}: {}}
		return e.coldStart(ctx, req.TenantID, req.EntityType, req.Count, exclude)
	}

	res, err := e.GenerateUserRecommendations(ctx, req)
	if !needsFallback(res, err) {
		if err != nil {
			observeError(types.AlgorithmContent, started)
		}
		return res, err
	}
	return e.userColdStart(ctx, req)
}

// userColdStart serves the trending list minus what the user has seen.
func (e *ContentEngine) userColdStart(ctx context.Context, req Request) (*types.RecommendationResult, error) {
	seen, err := e.store.GetUserInteractedEntities(ctx, req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}
	return e.coldStart(ctx, req.TenantID, req.EntityType, req.Count, seen)
}

// needsFallback reports whether a scoring outcome should be replaced by the
// cold-start list.
func needsFallback(res *types.RecommendationResult, err error) bool {
	if err != nil {
		return storage.IsInsufficientData(err)
	}
	return res == nil || len(res.Items) == 0
}

type contribution struct {
	source string
	score  float64
}

type expansion struct {
	scores  candidateScores
	best    map[storage.EntityKey]contribution // strongest source per candidate
	vectors map[storage.EntityKey][]float32    // source vectors that were found
}

// expand looks up k neighbours of every source entity in parallel and
// accumulates weight * similarity per candidate. Sources without a vector
// are skipped; excluded entities and the sources themselves never become
// candidates.
func (e *ContentEngine) expand(ctx context.Context, tenantID, filter string, k int, sources map[storage.EntityKey]float64, exclude map[storage.EntityKey]struct{}) (*expansion, error) {
	keys := make([]storage.EntityKey, 0, len(sources))
	for key := range sources {
		keys = append(keys, key)
	}
	vectors, err := e.store.GetEntityVectors(ctx, tenantID, keys)
	if err != nil {
		return nil, err
	}

	exp := &expansion{
		scores:  make(candidateScores),
		best:    make(map[storage.EntityKey]contribution),
		vectors: vectors,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for src, w := range sources {
		vec, ok := vectors[src]
		if !ok || w == 0 {
			continue
		}
		g.Go(func() error {
			matches, err := e.store.FindSimilarEntities(gctx, tenantID, vec, storage.SimilarityQuery{
				EntityType:  filter,
				ExcludeID:   src.EntityID,
				ExcludeType: src.EntityType,
				K:           k,
				Threshold:   e.cfg.SimilarityThreshold,
			})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, m := range matches {
				cand := storage.EntityKey{EntityType: m.Type, EntityID: m.ID}
				if _, skip := exclude[cand]; skip {
					continue
				}
				if _, isSource := sources[cand]; isSource {
					continue
				}
				s := w * m.Similarity
				exp.scores.add(cand, s)
				best := exp.best[cand]
				if s > best.score || (s == best.score && (best.source == "" || src.EntityID < best.source)) {
					exp.best[cand] = contribution{source: src.EntityID, score: s}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Trace().
		Str("tenant_id", tenantID).
		Int("sources", len(sources)).
		Int("candidates", len(exp.scores)).
		Msg("neighbours expanded")
	return exp, nil
}

// observe logs and records metrics for a finished request.
func observe(logger zerolog.Logger, tenantID string, res *types.RecommendationResult, started time.Time) {
	outcome := "ok"
	if res.ColdStart {
		outcome = "cold_start"
	}
	metrics.ObserveRequest(res.Algorithm, outcome, started)
	logger.Debug().
		Str("tenant_id", tenantID).
		Str("algorithm", res.Algorithm).
		Int("count", len(res.Items)).
		Bool("cold_start", res.ColdStart).
		Dur("duration", time.Since(started)).
		Msg("recommendations generated")
}

func observeError(algorithm string, started time.Time) {
	metrics.ObserveRequest(algorithm, "error", started)
}
