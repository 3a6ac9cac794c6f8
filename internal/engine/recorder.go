package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/features"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/trending"
	"github.com/scrypster/reco/pkg/types"
)

// recorderStore is the write side of the backend.
type recorderStore interface {
	storage.EntityStore
	storage.InteractionStore
	storage.InteractionTypeStore
}

// Recorder is the write path: it stores interactions and entities and keeps
// the trending counters and the result cache in step with them.
type Recorder struct {
	store     recorderStore
	tracker   *trending.Tracker
	cache     *cache.ResultCache
	weights   *WeightResolver
	extractor features.Extractor
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRecorder creates a Recorder. tracker, rc and extractor may be nil; with
// an extractor, entities written without a vector get one derived from
// their attributes.
func NewRecorder(store recorderStore, tracker *trending.Tracker, rc *cache.ResultCache, weights *WeightResolver, extractor features.Extractor, logger zerolog.Logger, clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{
		store:     store,
		tracker:   tracker,
		cache:     rc,
		weights:   weights,
		extractor: extractor,
		now:       clock,
		logger:    logger.With().Str("component", "recorder").Logger(),
	}
}

// RecordInteraction stores one interaction. It reports false when the
// interaction was a duplicate inside the dedup window; duplicates neither
// count towards trending nor invalidate cached lists.
func (r *Recorder) RecordInteraction(ctx context.Context, in *types.Interaction) (bool, error) {
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now().UTC()
	}
	recorded, err := r.store.RecordInteraction(ctx, in)
	if err != nil || !recorded {
		return recorded, err
	}

	if r.tracker != nil {
		weights, err := r.weights.Load(ctx, in.TenantID)
		if err != nil {
			return true, err
		}
		// The interaction is stored; a trending failure only costs popularity.
		if err := r.tracker.RecordInteraction(ctx, in.TenantID, in.EntityType, in.EntityID, weights.For(*in), in.Timestamp); err != nil {
			r.logger.Warn().Err(err).
				Str("tenant_id", in.TenantID).
				Str("entity_id", in.EntityID).
				Msg("failed to update trending")
		}
	}
	if r.cache != nil {
		r.cache.InvalidateUser(ctx, in.TenantID, in.UserID)
	}

	r.logger.Debug().
		Str("tenant_id", in.TenantID).
		Str("user_id", in.UserID).
		Str("entity", keyString(storage.EntityKey{EntityType: in.EntityType, EntityID: in.EntityID})).
		Str("type", string(in.InteractionType)).
		Msg("interaction recorded")
	return true, nil
}

// BulkImportInteractions loads historical interactions. Imported rows do not
// feed the trending window; the cached lists of every affected user are
// dropped.
func (r *Recorder) BulkImportInteractions(ctx context.Context, tenantID string, interactions []types.Interaction) (storage.BatchResult, error) {
	result, err := r.store.BulkImportInteractions(ctx, tenantID, interactions)
	if err != nil {
		return result, err
	}
	if r.cache != nil && result.Succeeded > 0 {
		users := make(map[string]struct{})
		for _, in := range interactions {
			users[in.UserID] = struct{}{}
		}
		for u := range users {
			r.cache.InvalidateUser(ctx, tenantID, u)
		}
	}

	r.logger.Info().
		Str("tenant_id", tenantID).
		Int("succeeded", result.Succeeded).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("interactions imported")
	return result, nil
}

// CreateEntity stores a new entity.
func (r *Recorder) CreateEntity(ctx context.Context, entity *types.Entity) error {
	if err := r.fillVector(entity); err != nil {
		return err
	}
	if err := r.store.CreateEntity(ctx, entity); err != nil {
		return err
	}
	r.invalidateEntity(ctx, entity.TenantID, entity.EntityType, entity.EntityID)
	return nil
}

// UpdateEntity replaces an entity and drops the lists computed from it.
// Lists that merely contain the entity expire with their TTL.
func (r *Recorder) UpdateEntity(ctx context.Context, entity *types.Entity) error {
	if err := r.fillVector(entity); err != nil {
		return err
	}
	if err := r.store.UpdateEntity(ctx, entity); err != nil {
		return err
	}
	r.invalidateEntity(ctx, entity.TenantID, entity.EntityType, entity.EntityID)
	return nil
}

// DeleteEntity removes an entity and drops the lists computed from it.
func (r *Recorder) DeleteEntity(ctx context.Context, tenantID, entityType, entityID string) error {
	if err := r.store.DeleteEntity(ctx, tenantID, entityType, entityID); err != nil {
		return err
	}
	r.invalidateEntity(ctx, tenantID, entityType, entityID)
	return nil
}

// RegisterInteractionType stores a weight override. Weights feed every list
// of the tenant, so the whole tenant cache is dropped.
func (r *Recorder) RegisterInteractionType(ctx context.Context, def *types.InteractionTypeDef) error {
	if err := r.store.RegisterInteractionType(ctx, def); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.InvalidateTenant(ctx, def.TenantID)
	}
	return nil
}

func (r *Recorder) fillVector(entity *types.Entity) error {
	if r.extractor == nil {
		return nil
	}
	if _, err := features.Fill(r.extractor, entity); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

func (r *Recorder) invalidateEntity(ctx context.Context, tenantID, entityType, entityID string) {
	if r.cache != nil {
		r.cache.InvalidateEntity(ctx, tenantID, entityType, entityID)
	}
}
