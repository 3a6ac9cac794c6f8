package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/metrics"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// profileStore is the part of the backend the ProfileComputer reads and writes.
type profileStore interface {
	GetRecentUserInteractions(ctx context.Context, tenantID, userID string, limit int) ([]types.Interaction, error)
	GetUserInteractionCount(ctx context.Context, tenantID, userID string) (int, error)
	GetEntityVectors(ctx context.Context, tenantID string, keys []storage.EntityKey) (map[storage.EntityKey][]float32, error)
	UpsertUserProfile(ctx context.Context, profile *types.UserProfile) error
}

// ProfileComputer derives user preference vectors from interactions.
type ProfileComputer struct {
	store   profileStore
	weights *WeightResolver
	cfg     config.ProfileConfig
	now     func() time.Time
	logger  zerolog.Logger
}

// NewProfileComputer creates a ProfileComputer. clock defaults to time.Now.
func NewProfileComputer(store profileStore, weights *WeightResolver, cfg config.ProfileConfig, logger zerolog.Logger, clock func() time.Time) *ProfileComputer {
	if cfg.MaxInteractions <= 0 {
		cfg.MaxInteractions = 1000
	}
	if clock == nil {
		clock = time.Now
	}
	return &ProfileComputer{
		store:   store,
		weights: weights,
		cfg:     cfg,
		now:     clock,
		logger:  logger.With().Str("component", "profile").Logger(),
	}
}

// ComputeUserPreferenceVector returns the weighted mean of the feature
// vectors of the user's most recent interactions, L2-normalized. With a
// recency half-life configured, older interactions weigh less.
// Interactions whose entity has no vector, or whose weight is not positive,
// are skipped. Returns storage.ErrColdStart when nothing usable remains.
func (p *ProfileComputer) ComputeUserPreferenceVector(ctx context.Context, tenantID, userID string) (*types.UserProfile, error) {
	history, err := p.store.GetRecentUserInteractions(ctx, tenantID, userID, p.cfg.MaxInteractions)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: user %s has no interactions", storage.ErrColdStart, userID)
	}

	weights, err := p.weights.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	perEntity := make(map[storage.EntityKey]float64)
	for _, in := range history {
		if w := weights.For(in); w > 0 {
			w *= recencyWeight(now.Sub(in.Timestamp), p.cfg.RecencyHalfLife)
			perEntity[storage.EntityKey{EntityType: in.EntityType, EntityID: in.EntityID}] += w
		}
	}
	keys := make([]storage.EntityKey, 0, len(perEntity))
	for k := range perEntity {
		keys = append(keys, k)
	}
	vectors, err := p.store.GetEntityVectors(ctx, tenantID, keys)
	if err != nil {
		return nil, err
	}

	var (
		sum   []float64
		total float64
	)
	for k, w := range perEntity {
		vec, ok := vectors[k]
		if !ok {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(vec))
		}
		if len(vec) != len(sum) {
			continue
		}
		for i, x := range vec {
			sum[i] += w * float64(x)
		}
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no interacted entity of user %s has a feature vector", storage.ErrColdStart, userID)
	}

	mean := make([]float32, len(sum))
	for i, x := range sum {
		mean[i] = float32(x / total)
	}
	if !types.ValidateVector(mean, 0) {
		return nil, fmt.Errorf("%w: preference vector of user %s cancels out", storage.ErrColdStart, userID)
	}

	count, err := p.store.GetUserInteractionCount(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return &types.UserProfile{
		TenantID:         tenantID,
		UserID:           userID,
		PreferenceVector: types.Normalize(mean),
		InteractionCount: count,
		LastComputedAt:   now.UTC(),
	}, nil
}

// RefreshUserProfile recomputes and stores the user's profile. A cold user
// keeps whatever profile it had and the ErrColdStart is returned.
func (p *ProfileComputer) RefreshUserProfile(ctx context.Context, tenantID, userID string) (*types.UserProfile, error) {
	profile, err := p.ComputeUserPreferenceVector(ctx, tenantID, userID)
	if errors.Is(err, storage.ErrColdStart) {
		metrics.ProfilesComputed.WithLabelValues("cold_start").Inc()
		return nil, err
	}
	if err != nil {
		metrics.ProfilesComputed.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := p.store.UpsertUserProfile(ctx, profile); err != nil {
		metrics.ProfilesComputed.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ProfilesComputed.WithLabelValues("updated").Inc()
	p.logger.Debug().
		Str("tenant_id", tenantID).
		Str("user_id", userID).
		Int("interactions", profile.InteractionCount).
		Msg("preference vector updated")
	return profile, nil
}
