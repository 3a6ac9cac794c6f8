// Package engine holds the recommendation engines and the background jobs
// that keep their inputs fresh.
//
// ContentEngine scores by feature-vector similarity, CollaborativeEngine by
// peer users' interactions and HybridCombiner merges the two. All of them
// fall back to the popularity-based cold-start path of ContentEngine when
// there is not enough data to score a request. ModelUpdater recomputes user
// preference vectors and IndexMaintainer keeps the similarity indices
// healthy.
package engine

import (
	"fmt"
	"strings"

	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// Request asks for one ranked recommendation list. Exactly one of UserID and
// EntityID is expected; when both are set the entity path wins.
type Request struct {
	TenantID   string
	UserID     string
	EntityID   string
	EntityType string // Filter for user requests; the source type for entity requests
	Count      int    // 0 means the configured default

	// Weights overrides the configured hybrid weights for this request.
	Weights *HybridWeights
}

// HybridWeights are the relative weights of the two engines in a hybrid list.
type HybridWeights struct {
	Content       float64
	Collaborative float64
}

// validate checks the request and fills in the default count.
func (r *Request) validate(cfg config.AlgorithmConfig) error {
	if err := storage.ValidateTenant(r.TenantID); err != nil {
		return err
	}
	if r.UserID == "" && r.EntityID == "" {
		return fmt.Errorf("%w: either user_id or entity_id must be provided", storage.ErrInvalidInput)
	}
	if r.EntityID != "" && r.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required for entity recommendations", storage.ErrInvalidInput)
	}
	count, err := normalizeCount(r.Count, cfg)
	if err != nil {
		return err
	}
	r.Count = count
	if w := r.Weights; w != nil {
		if w.Content < 0 || w.Collaborative < 0 || w.Content+w.Collaborative == 0 {
			return fmt.Errorf("%w: hybrid weights must be non-negative and not both zero", storage.ErrInvalidInput)
		}
	}
	return nil
}

func normalizeCount(count int, cfg config.AlgorithmConfig) (int, error) {
	if count <= 0 {
		return cfg.DefaultCount, nil
	}
	if count > cfg.MaxCount {
		return 0, fmt.Errorf("%w: count must not exceed %d", storage.ErrInvalidInput, cfg.MaxCount)
	}
	return count, nil
}

// typeFilter reports whether an entity of type t passes the filter.
func typeFilter(filter, t string) bool {
	return filter == "" || filter == t
}

// candidateScores accumulates per-entity scores.
type candidateScores map[storage.EntityKey]float64

func (c candidateScores) add(k storage.EntityKey, score float64) {
	c[k] += score
}

// ranked turns the accumulated scores into a sorted list of at most n items.
func (c candidateScores) ranked(n int, reason func(storage.EntityKey) string) []types.ScoredEntity {
	items := make([]types.ScoredEntity, 0, len(c))
	for k, score := range c {
		items = append(items, types.ScoredEntity{
			EntityID:   k.EntityID,
			EntityType: k.EntityType,
			Score:      score,
			Reason:     reason(k),
		})
	}
	return types.TopN(items, n)
}

func fixedReason(r string) func(storage.EntityKey) string {
	return func(storage.EntityKey) string { return r }
}

// keyString renders an entity key for logs.
func keyString(k storage.EntityKey) string {
	return strings.Join([]string{k.EntityType, k.EntityID}, "/")
}
