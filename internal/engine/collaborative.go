package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// collaborativeStore is the part of the backend the CollaborativeEngine reads.
type collaborativeStore interface {
	GetUserProfile(ctx context.Context, tenantID, userID string) (*types.UserProfile, error)
	FindSimilarUsers(ctx context.Context, tenantID string, reference []float32, q storage.SimilarityQuery) ([]storage.SimilarityMatch, error)
	GetRecentUserInteractions(ctx context.Context, tenantID, userID string, limit int) ([]types.Interaction, error)
	GetUserInteractedEntities(ctx context.Context, tenantID, userID string) (map[storage.EntityKey]struct{}, error)
	GetUserInteractionCount(ctx context.Context, tenantID, userID string) (int, error)
}

// CollaborativeEngine recommends what users with similar preference vectors
// interacted with.
type CollaborativeEngine struct {
	store     collaborativeStore
	content   *ContentEngine // cold-start fallback
	cache     *cache.ResultCache
	weights   *WeightResolver
	cfg       config.AlgorithmConfig
	threshold int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewCollaborativeEngine creates a CollaborativeEngine. coldStartThreshold is
// the interaction count below which IsColdStartUser reports true.
func NewCollaborativeEngine(store collaborativeStore, content *ContentEngine, rc *cache.ResultCache, weights *WeightResolver, cfg config.AlgorithmConfig, coldStartThreshold int, logger zerolog.Logger, clock func() time.Time) *CollaborativeEngine {
	if clock == nil {
		clock = time.Now
	}
	return &CollaborativeEngine{
		store:     store,
		content:   content,
		cache:     rc,
		weights:   weights,
		cfg:       withAlgorithmDefaults(cfg),
		threshold: coldStartThreshold,
		now:       clock,
		logger:    logger.With().Str("component", "collaborative").Logger(),
	}
}

// IsColdStartUser reports whether the user has no preference vector yet or
// fewer interactions than the cold-start threshold.
func (e *CollaborativeEngine) IsColdStartUser(ctx context.Context, tenantID, userID string) (bool, error) {
	if _, err := e.store.GetUserProfile(ctx, tenantID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	n, err := e.store.GetUserInteractionCount(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	return n < e.threshold, nil
}

// GenerateUserRecommendations finds the user's nearest peers and scores each
// entity they interacted with by similarity(peer) * weight(interaction),
// summed over peers. Entities the user already interacted with are excluded.
// Returns storage.ErrColdStart when the user has no preference vector.
func (e *CollaborativeEngine) GenerateUserRecommendations(ctx context.Context, req Request) (*types.RecommendationResult, error) {
	started := time.Now()
	req.EntityID = ""
	if err := req.validate(e.cfg); err != nil {
		return nil, err
	}

	var key string
	if e.cache != nil {
		key = e.cache.UserKey(req.TenantID, types.AlgorithmCollaborative, req.UserID, req.EntityType, req.Count)
		if res, ok := e.cache.GetRecommendations(ctx, key); ok {
			return res, nil
		}
	}

	profile, err := e.store.GetUserProfile(ctx, req.TenantID, req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s has no preference vector", storage.ErrColdStart, req.UserID)
	}
	if err != nil {
		return nil, err
	}

	peers, err := e.store.FindSimilarUsers(ctx, req.TenantID, profile.PreferenceVector, storage.SimilarityQuery{
		ExcludeID: req.UserID,
		K:         e.cfg.KNeighbors,
		Threshold: e.cfg.MinUserSimilarity,
	})
	if err != nil {
		return nil, err
	}

	res := &types.RecommendationResult{
		Items:       []types.ScoredEntity{},
		Algorithm:   types.AlgorithmCollaborative,
		GeneratedAt: e.now().UTC(),
	}
	if len(peers) > 0 {
		scores, err := e.scorePeers(ctx, req, peers)
		if err != nil {
			return nil, err
		}
		res.Items = scores.ranked(req.Count, fixedReason(types.ReasonCollaborative))
	}

	if e.cache != nil {
		e.cache.SetRecommendations(ctx, key, res)
	}
	observe(e.logger, req.TenantID, res, started)
	return res, nil
}

func (e *CollaborativeEngine) scorePeers(ctx context.Context, req Request, peers []storage.SimilarityMatch) (candidateScores, error) {
	weights, err := e.weights.Load(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	seen, err := e.store.GetUserInteractedEntities(ctx, req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	scores := make(candidateScores)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, peer := range peers {
		g.Go(func() error {
			history, err := e.store.GetRecentUserInteractions(gctx, req.TenantID, peer.ID, e.cfg.HistoryLimit)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, in := range history {
				if !typeFilter(req.EntityType, in.EntityType) {
					continue
				}
				k := storage.EntityKey{EntityType: in.EntityType, EntityID: in.EntityID}
				if _, ok := seen[k]; ok {
					continue
				}
				if s := peer.Similarity * weights.For(in); s > 0 {
					scores.add(k, s)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Trace().
		Str("tenant_id", req.TenantID).
		Str("user_id", req.UserID).
		Int("peers", len(peers)).
		Int("candidates", len(scores)).
		Msg("peers scored")
	return scores, nil
}

// GetRecommendationsWithColdStart returns collaborative recommendations, or
// the trending-based cold-start list when the user has no preference vector
// or no peer produced a candidate. An entity request is served by the
// content engine since collaborative scoring needs a user.
func (e *CollaborativeEngine) GetRecommendationsWithColdStart(ctx context.Context, req Request) (*types.RecommendationResult, error) {
	started := time.Now()
	if err := req.validate(e.cfg); err != nil {
		return nil, err
	}
	if req.EntityID != "" {
		return e.content.GetRecommendationsWithColdStart(ctx, req)
	}

	res, err := e.GenerateUserRecommendations(ctx, req)
	if !needsFallback(res, err) {
		if err != nil {
			observeError(types.AlgorithmCollaborative, started)
		}
		return res, err
	}
	e.logger.Debug().
		Str("tenant_id", req.TenantID).
		Str("user_id", req.UserID).
		Msg("falling back to cold start")
	return e.content.userColdStart(ctx, req)
}
