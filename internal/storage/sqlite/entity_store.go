package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/vectorindex"
	"github.com/scrypster/reco/pkg/types"
)

const entityColumns = `tenant_id, entity_type, entity_id, attributes, feature_vector, created_at, updated_at`

// CreateEntity inserts a new entity and indexes its vector.
func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) error {
	if err := storage.ValidateEntity(entity, s.opts.Dimension); err != nil {
		return err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	now := s.now().UTC()
	entity.CreatedAt, entity.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WrapBackendError("sqlite: begin create entity", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertEntity(ctx, tx, entity); err != nil {
		return err
	}
	// The row is only committed once the vector is indexed.
	if entity.HasVector() {
		if err := s.entities.Insert(entity.TenantID, entityItem(entity)); err != nil {
			return mapIndexError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.resyncEntity(ctx, entity.TenantID, entity.EntityType, entity.EntityID)
		return storage.WrapBackendError("sqlite: commit create entity", err)
	}
	return nil
}

// resyncEntity makes the index entry of one entity match its committed row.
// Callers hold mutateMu.
func (s *Store) resyncEntity(ctx context.Context, tenantID, entityType, entityID string) {
	e, err := s.GetEntity(context.WithoutCancel(ctx), tenantID, entityType, entityID)
	switch {
	case err == nil && e.HasVector():
		err = s.entities.Insert(tenantID, entityItem(e))
	case err == nil || errors.Is(err, storage.ErrNotFound):
		s.entities.Delete(tenantID, entityType, entityID)
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("entity_id", entityID).
			Msg("entity index out of sync until the next rebuild")
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertEntity(ctx context.Context, db execer, e *types.Entity) error {
	attrs, err := marshalMap(e.Attributes)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.EntityType, e.EntityID, attrs, encodeVector(e.FeatureVector),
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: entity %s/%s already exists", storage.ErrConflict, e.EntityType, e.EntityID)
		}
		return storage.WrapBackendError("sqlite: insert entity", err)
	}
	return nil
}

func (s *Store) updateEntity(ctx context.Context, db execer, e *types.Entity) error {
	attrs, err := marshalMap(e.Attributes)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE entities SET attributes = ?, feature_vector = ?, updated_at = ?
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, attrs, encodeVector(e.FeatureVector), toNanos(e.UpdatedAt), e.TenantID, e.EntityType, e.EntityID)
	if err != nil {
		return storage.WrapBackendError("sqlite: update entity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.WrapBackendError("sqlite: update entity", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: entity %s/%s", storage.ErrNotFound, e.EntityType, e.EntityID)
	}
	return nil
}

// GetEntity retrieves an entity.
func (s *Store) GetEntity(ctx context.Context, tenantID, entityType, entityID string) (*types.Entity, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, tenantID, entityType, entityID)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s/%s", storage.ErrNotFound, entityType, entityID)
	}
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: get entity", err)
	}
	return e, nil
}

// UpdateEntity replaces the attributes and vector of an existing entity.
func (s *Store) UpdateEntity(ctx context.Context, entity *types.Entity) error {
	if err := storage.ValidateEntity(entity, s.opts.Dimension); err != nil {
		return err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	entity.UpdatedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WrapBackendError("sqlite: begin update entity", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateEntity(ctx, tx, entity); err != nil {
		return err
	}
	if entity.HasVector() {
		if err := s.entities.Update(entity.TenantID, entityItem(entity)); err != nil {
			return mapIndexError(err)
		}
	} else {
		s.entities.Delete(entity.TenantID, entity.EntityType, entity.EntityID)
	}
	if err := tx.Commit(); err != nil {
		s.resyncEntity(ctx, entity.TenantID, entity.EntityType, entity.EntityID)
		return storage.WrapBackendError("sqlite: commit update entity", err)
	}
	return nil
}

// DeleteEntity removes an entity and its index entry.
func (s *Store) DeleteEntity(ctx context.Context, tenantID, entityType, entityID string) error {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, tenantID, entityType, entityID)
	if err != nil {
		return storage.WrapBackendError("sqlite: delete entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entity %s/%s", storage.ErrNotFound, entityType, entityID)
	}

	s.entities.Delete(tenantID, entityType, entityID)
	return nil
}

// ListEntities retrieves entities ordered by type then id.
func (s *Store) ListEntities(ctx context.Context, tenantID, entityType string, opts storage.ListOptions) (*storage.PaginatedResult[types.Entity], error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	opts.Normalize()

	where := `WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if entityType != "" {
		where += ` AND entity_type = ?`
		args = append(args, entityType)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities `+where, args...).Scan(&total); err != nil {
		return nil, storage.WrapBackendError("sqlite: count entities", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities `+where+`
		ORDER BY entity_type, entity_id
		LIMIT ? OFFSET ?
	`, append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: list entities", err)
	}
	defer rows.Close()

	items := make([]types.Entity, 0, opts.Limit)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storage.WrapBackendError("sqlite: scan entity", err)
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("sqlite: list entities", err)
	}

	return &storage.PaginatedResult[types.Entity]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// GetEntityVectors returns vectors for the given keys, omitting absent ones.
func (s *Store) GetEntityVectors(ctx context.Context, tenantID string, keys []storage.EntityKey) (map[storage.EntityKey][]float32, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}

	out := make(map[storage.EntityKey][]float32, len(keys))
	byType := make(map[string][]string)
	for _, k := range keys {
		byType[k.EntityType] = append(byType[k.EntityType], k.EntityID)
	}

	const chunk = 400
	for entityType, ids := range byType {
		for start := 0; start < len(ids); start += chunk {
			end := min(start+chunk, len(ids))
			part := ids[start:end]

			args := make([]interface{}, 0, len(part)+2)
			args = append(args, tenantID, entityType)
			for _, id := range part {
				args = append(args, id)
			}

			rows, err := s.db.QueryContext(ctx, `
				SELECT entity_id, feature_vector FROM entities
				WHERE tenant_id = ? AND entity_type = ? AND feature_vector IS NOT NULL
				  AND entity_id IN (`+placeholders(len(part))+`)
			`, args...)
			if err != nil {
				return nil, storage.WrapBackendError("sqlite: get entity vectors", err)
			}
			for rows.Next() {
				var id string
				var blob []byte
				if err := rows.Scan(&id, &blob); err != nil {
					rows.Close()
					return nil, storage.WrapBackendError("sqlite: scan entity vector", err)
				}
				v, err := decodeVector(blob)
				if err != nil {
					rows.Close()
					return nil, storage.WrapBackendError("sqlite: decode entity vector", err)
				}
				out[storage.EntityKey{EntityType: entityType, EntityID: id}] = v
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				return nil, storage.WrapBackendError("sqlite: get entity vectors", err)
			}
		}
	}
	return out, nil
}

// BatchInsertEntities inserts all entities in a single transaction.
func (s *Store) BatchInsertEntities(ctx context.Context, tenantID string, entities []types.Entity) (storage.BatchResult, error) {
	return s.batchWrite(ctx, tenantID, entities, s.insertEntity, true)
}

// BatchUpdateEntities updates all entities in a single transaction.
func (s *Store) BatchUpdateEntities(ctx context.Context, tenantID string, entities []types.Entity) (storage.BatchResult, error) {
	return s.batchWrite(ctx, tenantID, entities, s.updateEntity, false)
}

func (s *Store) batchWrite(ctx context.Context, tenantID string, entities []types.Entity,
	write func(context.Context, execer, *types.Entity) error, create bool) (storage.BatchResult, error) {

	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.BatchResult{Failed: len(entities)}, err
	}
	if res, err := storage.ValidateBatch(tenantID, entities, s.opts.Dimension); err != nil {
		return res, err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.BatchResult{Failed: len(entities)}, storage.WrapBackendError("sqlite: begin batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	for i := range entities {
		e := &entities[i]
		if create {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		if err := write(ctx, tx, e); err != nil {
			return storage.RowFailure(len(entities), e.EntityID, err), err
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.BatchResult{Failed: len(entities)}, storage.WrapBackendError("sqlite: commit batch", err)
	}

	if err := s.applyBatchToIndex(ctx, tenantID, entities, nil); err != nil {
		return storage.BatchResult{Succeeded: len(entities)}, s.resyncTenant(ctx, tenantID, err)
	}
	return storage.BatchResult{Succeeded: len(entities)}, nil
}

// BatchDeleteEntities deletes keys in a single transaction; absent keys are skipped.
func (s *Store) BatchDeleteEntities(ctx context.Context, tenantID string, keys []storage.EntityKey) (storage.BatchResult, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.BatchResult{Failed: len(keys)}, err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.BatchResult{Failed: len(keys)}, storage.WrapBackendError("sqlite: begin batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result storage.BatchResult
	deleted := make([]storage.EntityKey, 0, len(keys))
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM entities WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		`, tenantID, k.EntityType, k.EntityID)
		if err != nil {
			return storage.RowFailure(len(keys), k.EntityID, err), storage.WrapBackendError("sqlite: batch delete", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Skipped++
			continue
		}
		deleted = append(deleted, k)
		result.Succeeded++
	}
	if err := tx.Commit(); err != nil {
		return storage.BatchResult{Failed: len(keys)}, storage.WrapBackendError("sqlite: commit batch", err)
	}

	if err := s.applyBatchToIndex(ctx, tenantID, nil, deleted); err != nil {
		return result, s.resyncTenant(ctx, tenantID, err)
	}
	return result, nil
}

// resyncTenant rebuilds the tenant's entity graph from the committed rows
// after an incremental index update failed. It returns nil once the graph
// matches the table again.
func (s *Store) resyncTenant(ctx context.Context, tenantID string, cause error) error {
	if _, err := s.rebuildLocked(context.WithoutCancel(ctx), storage.TableEntities, tenantID); err != nil {
		return fmt.Errorf("index update failed (%v), resync failed: %w", cause, err)
	}
	s.logger.Warn().Err(cause).Str("tenant_id", tenantID).Msg("entity index resynced from table")
	return nil
}

// applyBatchToIndex updates the tenant graph once per batch. Large batches
// trigger a full rebuild from the table instead of incremental patches.
func (s *Store) applyBatchToIndex(ctx context.Context, tenantID string, written []types.Entity, deleted []storage.EntityKey) error {
	if len(written)+len(deleted) > s.opts.RebuildRowThreshold {
		_, err := s.rebuildLocked(ctx, storage.TableEntities, tenantID)
		return err
	}

	var upserts, removals []vectorindex.Item
	for i := range written {
		e := &written[i]
		if e.HasVector() {
			upserts = append(upserts, entityItem(e))
		} else {
			removals = append(removals, vectorindex.Item{ID: e.EntityID, Type: e.EntityType})
		}
	}
	for _, k := range deleted {
		removals = append(removals, vectorindex.Item{ID: k.EntityID, Type: k.EntityType})
	}
	return mapIndexError(s.entities.Apply(tenantID, upserts, removals))
}

// FindSimilarEntities queries the tenant's entity graph.
func (s *Store) FindSimilarEntities(ctx context.Context, tenantID string, reference []float32, q storage.SimilarityQuery) ([]storage.SimilarityMatch, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	return searchIndex(ctx, s.entities, tenantID, reference, q)
}

func searchIndex(ctx context.Context, ix *vectorindex.Index, tenantID string, reference []float32, q storage.SimilarityQuery) ([]storage.SimilarityMatch, error) {
	q.Normalize()
	results, err := ix.Search(ctx, tenantID, reference, vectorindex.SearchOptions{
		K:           q.K,
		Threshold:   q.Threshold,
		Type:        q.EntityType,
		ExcludeID:   q.ExcludeID,
		ExcludeType: q.ExcludeType,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, storage.WrapBackendError("sqlite: similarity search", err)
		}
		return nil, mapIndexError(err)
	}

	out := make([]storage.SimilarityMatch, len(results))
	for i, r := range results {
		out[i] = storage.SimilarityMatch{ID: r.ID, Type: r.Type, Similarity: r.Similarity}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e       types.Entity
		attrs   string
		blob    []byte
		created int64
		updated int64
	)
	if err := row.Scan(&e.TenantID, &e.EntityType, &e.EntityID, &attrs, &blob, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if e.Attributes, err = unmarshalMap(attrs); err != nil {
		return nil, err
	}
	if e.FeatureVector, err = decodeVector(blob); err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func entityItem(e *types.Entity) vectorindex.Item {
	return vectorindex.Item{ID: e.EntityID, Type: e.EntityType, Vector: e.FeatureVector}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
