package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// HybridCombiner merges content and collaborative recommendations with
// configurable weights.
type HybridCombiner struct {
	content       *ContentEngine
	collaborative *CollaborativeEngine
	cache         *cache.ResultCache
	cfg           config.AlgorithmConfig
	now           func() time.Time
	logger        zerolog.Logger
}

// NewHybridCombiner creates a HybridCombiner over the two engines.
func NewHybridCombiner(content *ContentEngine, collaborative *CollaborativeEngine, rc *cache.ResultCache, cfg config.AlgorithmConfig, logger zerolog.Logger, clock func() time.Time) *HybridCombiner {
	if clock == nil {
		clock = time.Now
	}
	return &HybridCombiner{
		content:       content,
		collaborative: collaborative,
		cache:         rc,
		cfg:           withAlgorithmDefaults(cfg),
		now:           clock,
		logger:        logger.With().Str("component", "hybrid").Logger(),
	}
}

// GetRecommendations serves a hybrid request. Entity requests are answered by
// the content engine. For users both engines run concurrently; each list is
// min-max normalized and the lists are merged by weighted average. When
// neither engine has enough data the cold-start list is returned.
func (h *HybridCombiner) GetRecommendations(ctx context.Context, req Request) (*types.RecommendationResult, error) {
	started := time.Now()
	if err := req.validate(h.cfg); err != nil {
		return nil, err
	}
	if req.EntityID != "" {
		return h.content.GetRecommendationsWithColdStart(ctx, req)
	}

	weights := HybridWeights{Content: h.cfg.ContentWeight, Collaborative: h.cfg.CollaborativeWeight}
	if req.Weights != nil {
		weights = *req.Weights
	}

	// Per-request weights produce lists that must not be shared.
	var key string
	if h.cache != nil && req.Weights == nil {
		key = h.cache.UserKey(req.TenantID, types.AlgorithmHybrid, req.UserID, req.EntityType, req.Count)
		if res, ok := h.cache.GetRecommendations(ctx, key); ok {
			return res, nil
		}
	}

	sub := req
	sub.Weights = nil
	sub.Count = req.Count * 2
	if sub.Count > h.cfg.MaxCount {
		sub.Count = h.cfg.MaxCount
	}

	var contentRes, collabRes *types.RecommendationResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := h.content.GenerateUserRecommendations(gctx, sub)
		if err != nil && !storage.IsInsufficientData(err) {
			return err
		}
		contentRes = res
		return nil
	})
	g.Go(func() error {
		res, err := h.collaborative.GenerateUserRecommendations(gctx, sub)
		if err != nil && !storage.IsInsufficientData(err) {
			return err
		}
		collabRes = res
		return nil
	})
	if err := g.Wait(); err != nil {
		observeError(types.AlgorithmHybrid, started)
		return nil, err
	}

	if isEmpty(contentRes) && isEmpty(collabRes) {
		h.logger.Debug().
			Str("tenant_id", req.TenantID).
			Str("user_id", req.UserID).
			Msg("no engine produced candidates, falling back to cold start")
		return h.content.userColdStart(ctx, req)
	}

	items := Combine(contentRes, collabRes, weights)
	if h.cfg.DiversityPerType > 0 {
		items = diversify(items, h.cfg.DiversityPerType)
	}
	if len(items) > req.Count {
		items = items[:req.Count]
	}

	res := &types.RecommendationResult{
		Items:       items,
		Algorithm:   types.AlgorithmHybrid,
		GeneratedAt: h.now().UTC(),
	}
	if key != "" {
		h.cache.SetRecommendations(ctx, key, res)
	}
	observe(h.logger, req.TenantID, res, started)
	return res, nil
}

// Combine merges two ranked lists. Scores are min-max normalized per list
// (a list whose scores are all equal normalizes to 1.0) and an entity's
// final score is the weighted sum of its normalized scores divided by the
// total weight of the lists that contain it. The result is sorted and
// tagged with the hybrid reason; nil lists are treated as empty.
func Combine(content, collaborative *types.RecommendationResult, w HybridWeights) []types.ScoredEntity {
	type acc struct {
		sum, weight float64
	}
	merged := make(map[storage.EntityKey]*acc)
	add := func(res *types.RecommendationResult, weight float64) {
		if isEmpty(res) {
			return
		}
		for k, score := range normalizeScores(res.Items) {
			a := merged[k]
			if a == nil {
				a = &acc{}
				merged[k] = a
			}
			a.sum += weight * score
			a.weight += weight
		}
	}
	add(content, w.Content)
	add(collaborative, w.Collaborative)

	scores := make(candidateScores, len(merged))
	for k, a := range merged {
		if a.weight == 0 {
			continue
		}
		scores[k] = a.sum / a.weight
	}
	return scores.ranked(len(scores), fixedReason(types.ReasonHybrid))
}

func normalizeScores(items []types.ScoredEntity) map[storage.EntityKey]float64 {
	lo, hi := items[0].Score, items[0].Score
	for _, it := range items[1:] {
		if it.Score < lo {
			lo = it.Score
		}
		if it.Score > hi {
			hi = it.Score
		}
	}
	out := make(map[storage.EntityKey]float64, len(items))
	for _, it := range items {
		n := 1.0
		if hi > lo {
			n = (it.Score - lo) / (hi - lo)
		}
		out[storage.EntityKey{EntityType: it.EntityType, EntityID: it.EntityID}] = n
	}
	return out
}

// diversify keeps at most perType items of each entity type, preserving order.
func diversify(items []types.ScoredEntity, perType int) []types.ScoredEntity {
	seen := make(map[string]int)
	out := items[:0]
	for _, it := range items {
		if seen[it.EntityType] >= perType {
			continue
		}
		seen[it.EntityType]++
		out = append(out, it)
	}
	return out
}

func isEmpty(res *types.RecommendationResult) bool {
	return res == nil || len(res.Items) == 0
}
