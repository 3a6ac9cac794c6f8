package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

const entityColumns = `tenant_id, entity_type, entity_id, attributes, feature_vector::text, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CreateEntity inserts a new entity.
func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) error {
	if err := storage.ValidateEntity(entity, s.opts.Dimension); err != nil {
		return err
	}

	now := pgTime(s.now())
	entity.CreatedAt, entity.UpdatedAt = now, now
	if err := s.insertEntity(ctx, s.db, entity); err != nil {
		return err
	}
	if entity.HasVector() {
		s.touch(storage.TableEntities, entity.TenantID, 1)
	}
	return nil
}

func (s *Store) insertEntity(ctx context.Context, db execer, e *types.Entity) error {
	attrs, err := marshalMap(e.Attributes)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO entities (tenant_id, entity_type, entity_id, attributes, feature_vector, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.TenantID, e.EntityType, e.EntityID, attrs, toVector(e.FeatureVector), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %s/%s already exists", storage.ErrConflict, e.EntityType, e.EntityID)
		}
		return storage.WrapBackendError("postgres: insert entity", err)
	}
	return nil
}

func (s *Store) updateEntity(ctx context.Context, db execer, e *types.Entity) error {
	attrs, err := marshalMap(e.Attributes)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE entities SET attributes = $1, feature_vector = $2, updated_at = $3
		WHERE tenant_id = $4 AND entity_type = $5 AND entity_id = $6
	`, attrs, toVector(e.FeatureVector), e.UpdatedAt, e.TenantID, e.EntityType, e.EntityID)
	if err != nil {
		return storage.WrapBackendError("postgres: update entity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.WrapBackendError("postgres: update entity", err)
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
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
	`, tenantID, entityType, entityID)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s/%s", storage.ErrNotFound, entityType, entityID)
	}
	if err != nil {
		return nil, storage.WrapBackendError("postgres: get entity", err)
	}
	return e, nil
}

// UpdateEntity replaces the attributes and vector of an existing entity.
func (s *Store) UpdateEntity(ctx context.Context, entity *types.Entity) error {
	if err := storage.ValidateEntity(entity, s.opts.Dimension); err != nil {
		return err
	}
	entity.UpdatedAt = pgTime(s.now())
	if err := s.updateEntity(ctx, s.db, entity); err != nil {
		return err
	}
	s.touch(storage.TableEntities, entity.TenantID, 1)
	return nil
}

// DeleteEntity removes an entity.
func (s *Store) DeleteEntity(ctx context.Context, tenantID, entityType, entityID string) error {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
	`, tenantID, entityType, entityID)
	if err != nil {
		return storage.WrapBackendError("postgres: delete entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entity %s/%s", storage.ErrNotFound, entityType, entityID)
	}
	s.touch(storage.TableEntities, tenantID, 1)
	return nil
}

// ListEntities retrieves entities ordered by type then id.
func (s *Store) ListEntities(ctx context.Context, tenantID, entityType string, opts storage.ListOptions) (*storage.PaginatedResult[types.Entity], error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	opts.Normalize()

	where := `WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if entityType != "" {
		where += ` AND entity_type = $2`
		args = append(args, entityType)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities `+where, args...).Scan(&total); err != nil {
		return nil, storage.WrapBackendError("postgres: count entities", err)
	}

	n := len(args)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+entityColumns+` FROM entities `+where+`
		ORDER BY entity_type, entity_id
		LIMIT $%d OFFSET $%d
	`, n+1, n+2), append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: list entities", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]types.Entity, 0, opts.Limit)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storage.WrapBackendError("postgres: scan entity", err)
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: list entities", err)
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
	if len(keys) == 0 {
		return out, nil
	}

	typeList := make([]string, len(keys))
	idList := make([]string, len(keys))
	for i, k := range keys {
		typeList[i], idList[i] = k.EntityType, k.EntityID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.entity_type, e.entity_id, e.feature_vector::text
		FROM entities e
		JOIN unnest($2::text[], $3::text[]) AS k(entity_type, entity_id)
		  ON e.entity_type = k.entity_type AND e.entity_id = k.entity_id
		WHERE e.tenant_id = $1 AND e.feature_vector IS NOT NULL
	`, tenantID, pq.Array(typeList), pq.Array(idList))
	if err != nil {
		return nil, storage.WrapBackendError("postgres: get entity vectors", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key storage.EntityKey
		var raw sql.NullString
		if err := rows.Scan(&key.EntityType, &key.EntityID, &raw); err != nil {
			return nil, storage.WrapBackendError("postgres: scan entity vector", err)
		}
		v, err := parseVector(raw)
		if err != nil {
			return nil, storage.WrapBackendError("postgres: get entity vectors", err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: get entity vectors", err)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.BatchResult{Failed: len(entities)}, storage.WrapBackendError("postgres: begin batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := pgTime(s.now())
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
		return storage.BatchResult{Failed: len(entities)}, storage.WrapBackendError("postgres: commit batch", err)
	}

	s.touch(storage.TableEntities, tenantID, len(entities))
	return storage.BatchResult{Succeeded: len(entities)}, nil
}

// BatchDeleteEntities deletes keys in a single transaction; absent keys are skipped.
func (s *Store) BatchDeleteEntities(ctx context.Context, tenantID string, keys []storage.EntityKey) (storage.BatchResult, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.BatchResult{Failed: len(keys)}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.BatchResult{Failed: len(keys)}, storage.WrapBackendError("postgres: begin batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result storage.BatchResult
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM entities WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		`, tenantID, k.EntityType, k.EntityID)
		if err != nil {
			return storage.RowFailure(len(keys), k.EntityID, err), storage.WrapBackendError("postgres: batch delete", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Skipped++
			continue
		}
		result.Succeeded++
	}
	if err := tx.Commit(); err != nil {
		return storage.BatchResult{Failed: len(keys)}, storage.WrapBackendError("postgres: commit batch", err)
	}

	s.touch(storage.TableEntities, tenantID, result.Succeeded)
	return result, nil
}

// FindSimilarEntities orders the tenant's entities by cosine distance using
// the HNSW index.
func (s *Store) FindSimilarEntities(ctx context.Context, tenantID string, reference []float32, q storage.SimilarityQuery) ([]storage.SimilarityMatch, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if !types.ValidateVector(reference, s.opts.Dimension) {
		return nil, fmt.Errorf("%w: reference vector must have %d finite non-zero components", storage.ErrInvalidVector, s.opts.Dimension)
	}
	q.Normalize()

	col := s.castVector("feature_vector")
	query := `
		SELECT entity_type, entity_id, 1 - (` + col + ` <=> $2::vector) AS similarity
		FROM entities
		WHERE tenant_id = $1 AND feature_vector IS NOT NULL
		  AND NOT (entity_id = $3 AND ($4::text = '' OR entity_type = $4))`
	args := []interface{}{tenantID, toVector(reference), q.ExcludeID, q.ExcludeType}
	if q.EntityType != "" {
		query += ` AND entity_type = $5`
		args = append(args, q.EntityType)
	}
	query += fmt.Sprintf(`
		ORDER BY `+col+` <=> $2::vector
		LIMIT $%d`, len(args)+1)
	args = append(args, q.K)

	return s.similarityQuery(ctx, query, args, q.Threshold)
}

// similarityQuery runs an ordered distance query with the configured
// ef_search and applies the similarity threshold to the returned rows.
func (s *Store) similarityQuery(ctx context.Context, query string, args []interface{}, threshold float64) ([]storage.SimilarityMatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storage.WrapBackendError("postgres: similarity search", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, s.opts.Index.EfSearch)); err != nil {
		return nil, storage.WrapBackendError("postgres: set ef_search", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: similarity search", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]storage.SimilarityMatch, 0)
	for rows.Next() {
		var m storage.SimilarityMatch
		if err := rows.Scan(&m.Type, &m.ID, &m.Similarity); err != nil {
			return nil, storage.WrapBackendError("postgres: scan similarity", err)
		}
		if m.Similarity < threshold {
			// Rows arrive in descending similarity; nothing after this qualifies.
			break
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: similarity search", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e     types.Entity
		attrs []byte
		raw   sql.NullString
	)
	if err := row.Scan(&e.TenantID, &e.EntityType, &e.EntityID, &attrs, &raw, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Attributes, err = unmarshalMap(attrs); err != nil {
		return nil, err
	}
	if e.FeatureVector, err = parseVector(raw); err != nil {
		return nil, err
	}
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	return &e, nil
}
