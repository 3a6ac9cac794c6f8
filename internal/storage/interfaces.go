// Package storage provides composable storage interfaces for the reco system.
//
// The storage layer is split into small, focused interfaces, one per table,
// that are composed into Backend. Every method takes the tenant id explicitly
// and every implementation filters on it; no query may omit the tenant
// predicate. Engines depend only on these interfaces, so the embedded
// (sqlite) and networked (postgres) backends are interchangeable.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/reco/pkg/types"
)

// EntityStore provides tenant-scoped CRUD, batch operations and similarity
// search for entities.
type EntityStore interface {
	// CreateEntity inserts a new entity.
	// Returns ErrConflict if (tenant, type, id) already exists, ErrInvalidVector
	// if the feature vector has the wrong dimension or is malformed, and
	// ErrNotFound if the entity type is missing.
	CreateEntity(ctx context.Context, entity *types.Entity) error

	// GetEntity retrieves an entity.
	// Returns ErrNotFound if the entity doesn't exist in the tenant.
	GetEntity(ctx context.Context, tenantID, entityType, entityID string) (*types.Entity, error)

	// UpdateEntity replaces attributes and vector of an existing entity.
	// Returns ErrNotFound if the entity doesn't exist.
	UpdateEntity(ctx context.Context, entity *types.Entity) error

	// DeleteEntity removes an entity and its index entry.
	// Returns ErrNotFound if the entity doesn't exist.
	DeleteEntity(ctx context.Context, tenantID, entityType, entityID string) error

	// ListEntities retrieves entities with pagination. An empty entityType lists all types.
	ListEntities(ctx context.Context, tenantID, entityType string, opts ListOptions) (*PaginatedResult[types.Entity], error)

	// GetEntityVectors returns the feature vectors for the given keys.
	// Missing entities and entities without a vector are omitted.
	GetEntityVectors(ctx context.Context, tenantID string, keys []EntityKey) (map[EntityKey][]float32, error)

	// BatchInsertEntities inserts all entities in one transaction. Any row
	// failure rolls back the whole batch and is reported in BatchResult.
	BatchInsertEntities(ctx context.Context, tenantID string, entities []types.Entity) (BatchResult, error)

	// BatchUpdateEntities updates all entities in one transaction.
	BatchUpdateEntities(ctx context.Context, tenantID string, entities []types.Entity) (BatchResult, error)

	// BatchDeleteEntities deletes all keys in one transaction. Absent keys are skipped.
	BatchDeleteEntities(ctx context.Context, tenantID string, keys []EntityKey) (BatchResult, error)

	// FindSimilarEntities returns up to q.K entities ranked by descending cosine
	// similarity to reference, never including q.ExcludeID, all with
	// similarity >= q.Threshold.
	FindSimilarEntities(ctx context.Context, tenantID string, reference []float32, q SimilarityQuery) ([]SimilarityMatch, error)
}

// InteractionStore is the append-only interaction log.
type InteractionStore interface {
	// RecordInteraction inserts an interaction unless an identical
	// (tenant, user, entity, type) row exists inside the dedup window, in
	// which case it returns false and no error.
	RecordInteraction(ctx context.Context, interaction *types.Interaction) (bool, error)

	// BulkImportInteractions records many interactions applying the dedup
	// rule per row. Invalid rows are counted as failed, duplicates as skipped.
	BulkImportInteractions(ctx context.Context, tenantID string, interactions []types.Interaction) (BatchResult, error)

	// GetUserInteractions returns a page of the user's interactions, newest first.
	GetUserInteractions(ctx context.Context, tenantID, userID string, page PageRequest) (*Page[types.Interaction], error)

	// GetEntityInteractions returns a page of the entity's interactions, newest first.
	GetEntityInteractions(ctx context.Context, tenantID, entityType, entityID string, page PageRequest) (*Page[types.Interaction], error)

	// GetRecentUserInteractions returns up to limit of the user's newest interactions.
	GetRecentUserInteractions(ctx context.Context, tenantID, userID string, limit int) ([]types.Interaction, error)

	// GetUserInteractionCount returns the number of stored interactions for the user.
	GetUserInteractionCount(ctx context.Context, tenantID, userID string) (int, error)

	// GetUserInteractedEntities returns the set of entities the user has interacted with.
	GetUserInteractedEntities(ctx context.Context, tenantID, userID string) (map[EntityKey]struct{}, error)
}

// ProfileStore manages derived user preference vectors.
type ProfileStore interface {
	// GetUserProfile retrieves a profile.
	// Returns ErrNotFound if the user has no profile.
	GetUserProfile(ctx context.Context, tenantID, userID string) (*types.UserProfile, error)

	// UpsertUserProfile stores the profile and updates the user index entry.
	// Returns ErrInvalidVector on a malformed preference vector.
	UpsertUserProfile(ctx context.Context, profile *types.UserProfile) error

	// DeleteUserProfile removes a profile and its index entry.
	// Returns ErrNotFound if the user has no profile.
	DeleteUserProfile(ctx context.Context, tenantID, userID string) error

	// FindSimilarUsers mirrors FindSimilarEntities over the profile index.
	// q.ExcludeID carries the requesting user id.
	FindSimilarUsers(ctx context.Context, tenantID string, reference []float32, q SimilarityQuery) ([]SimilarityMatch, error)

	// GetColdStartUsers lists users whose interaction count is below threshold.
	GetColdStartUsers(ctx context.Context, tenantID string, threshold, limit int) ([]string, error)

	// ListStaleUsers lists users with interactions whose profile is missing
	// or was computed before staleBefore.
	ListStaleUsers(ctx context.Context, tenantID string, staleBefore time.Time, limit int) ([]string, error)

	// ListTenants returns every tenant that has recorded interactions.
	ListTenants(ctx context.Context) ([]string, error)
}

// TrendingStore keeps per-entity popularity for the current tumbling window.
type TrendingStore interface {
	// IncrementTrending adds one interaction of the given weight. A row from
	// an older window is reset before the increment.
	IncrementTrending(ctx context.Context, tenantID, entityType, entityID string, weight float64, windowStart time.Time) error

	// TopTrending returns the most popular entities of the window, ordered by
	// interaction count then score descending. Empty entityType means all types.
	TopTrending(ctx context.Context, tenantID, entityType string, windowStart time.Time, limit int) ([]types.TrendingStat, error)
}

// InteractionTypeStore is the per-tenant interaction weight registry.
type InteractionTypeStore interface {
	// RegisterInteractionType creates or replaces a weight override.
	RegisterInteractionType(ctx context.Context, def *types.InteractionTypeDef) error

	// ListInteractionTypes returns all overrides registered for the tenant.
	ListInteractionTypes(ctx context.Context, tenantID string) ([]types.InteractionTypeDef, error)
}

// IndexManager exposes maintenance of the similarity indices.
type IndexManager interface {
	// RebuildIndex rebuilds the ANN index of table for tenant.
	RebuildIndex(ctx context.Context, table IndexTable, tenantID string) (IndexStats, error)

	// GetIndexStats reports node count, levels and build information.
	GetIndexStats(ctx context.Context, table IndexTable, tenantID string) (IndexStats, error)

	// AnalyzeIndexPerformance samples recall and mutation volume and
	// recommends a rebuild when either crosses its configured limit.
	AnalyzeIndexPerformance(ctx context.Context, table IndexTable, tenantID string) (IndexAnalysis, error)
}

// Backend is the full persistence contract consumed by the engines.
type Backend interface {
	EntityStore
	InteractionStore
	ProfileStore
	TrendingStore
	InteractionTypeStore
	IndexManager

	// Close releases the connection pool.
	Close() error
}
