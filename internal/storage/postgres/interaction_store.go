package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/scrypster/reco/internal/metrics"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

const interactionColumns = `id, tenant_id, user_id, entity_type, entity_id, interaction_type, value, metadata, ts`

// RecordInteraction inserts an interaction unless a duplicate exists within
// the dedup window. Concurrent writers of the same key are serialised by a
// transaction-scoped advisory lock so the check and the insert are atomic.
func (s *Store) RecordInteraction(ctx context.Context, in *types.Interaction) (bool, error) {
	if err := storage.ValidateInteraction(in); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storage.WrapBackendError("postgres: begin record", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := s.recordTx(ctx, tx, in)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storage.WrapBackendError("postgres: commit record", err)
	}

	if inserted {
		metrics.InteractionsRecorded.WithLabelValues("inserted").Inc()
	} else {
		metrics.InteractionsRecorded.WithLabelValues("duplicate").Inc()
	}
	return inserted, nil
}

func (s *Store) recordTx(ctx context.Context, tx *sql.Tx, in *types.Interaction) (bool, error) {
	if in.Timestamp.IsZero() {
		in.Timestamp = s.now()
	}
	in.Timestamp = pgTime(in.Timestamp)
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	if w := s.opts.DedupWindow; w > 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			in.TenantID+"\x00"+in.UserID+"\x00"+in.EntityType+"\x00"+in.EntityID+"\x00"+string(in.InteractionType)); err != nil {
			return false, storage.WrapBackendError("postgres: dedup lock", err)
		}

		var dup bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM interactions
				WHERE tenant_id = $1 AND user_id = $2 AND entity_type = $3 AND entity_id = $4
				  AND interaction_type = $5 AND ts > $6 AND ts < $7
			)
		`, in.TenantID, in.UserID, in.EntityType, in.EntityID, string(in.InteractionType),
			in.Timestamp.Add(-w), in.Timestamp.Add(w)).Scan(&dup)
		if err != nil {
			return false, storage.WrapBackendError("postgres: dedup check", err)
		}
		if dup {
			return false, nil
		}
	}

	meta, err := marshalMap(in.Metadata)
	if err != nil {
		return false, err
	}

	var value sql.NullFloat64
	if in.Value != nil {
		value = sql.NullFloat64{Float64: *in.Value, Valid: true}
	}

	// ON CONFLICT keeps a duplicate id from aborting the surrounding
	// transaction, which matters for bulk imports.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.TenantID, in.UserID, in.EntityType, in.EntityID, string(in.InteractionType),
		value, meta, in.Timestamp)
	if err != nil {
		return false, storage.WrapBackendError("postgres: insert interaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("%w: interaction %s already exists", storage.ErrConflict, in.ID)
	}
	return true, nil
}

// BulkImportInteractions records interactions in one transaction, applying
// the dedup rule to every row.
func (s *Store) BulkImportInteractions(ctx context.Context, tenantID string, interactions []types.Interaction) (storage.BatchResult, error) {
	var result storage.BatchResult
	if err := storage.ValidateTenant(tenantID); err != nil {
		result.Failed = len(interactions)
		return result, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, storage.WrapBackendError("postgres: begin import", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range interactions {
		in := &interactions[i]
		if in.TenantID == "" {
			in.TenantID = tenantID
		}
		if in.TenantID != tenantID {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: tenant mismatch", i))
			continue
		}
		if err := storage.ValidateInteraction(in); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i, err))
			continue
		}

		inserted, err := s.recordTx(ctx, tx, in)
		switch {
		case errors.Is(err, storage.ErrConflict):
			result.Skipped++
		case err != nil:
			return storage.BatchResult{Failed: len(interactions)}, err
		case inserted:
			result.Succeeded++
		default:
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.BatchResult{Failed: len(interactions)}, storage.WrapBackendError("postgres: commit import", err)
	}
	metrics.InteractionsRecorded.WithLabelValues("inserted").Add(float64(result.Succeeded))
	metrics.InteractionsRecorded.WithLabelValues("duplicate").Add(float64(result.Skipped))
	return result, nil
}

// GetUserInteractions returns one page of the user's interactions, newest first.
func (s *Store) GetUserInteractions(ctx context.Context, tenantID, userID string, page storage.PageRequest) (*storage.Page[types.Interaction], error) {
	return s.pageInteractions(ctx, tenantID, []string{"user_id"}, []interface{}{userID}, page)
}

// GetEntityInteractions returns one page of the entity's interactions, newest first.
func (s *Store) GetEntityInteractions(ctx context.Context, tenantID, entityType, entityID string, page storage.PageRequest) (*storage.Page[types.Interaction], error) {
	return s.pageInteractions(ctx, tenantID, []string{"entity_type", "entity_id"}, []interface{}{entityType, entityID}, page)
}

func (s *Store) pageInteractions(ctx context.Context, tenantID string, columns []string, values []interface{}, page storage.PageRequest) (*storage.Page[types.Interaction], error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	page.Normalize()

	args := []interface{}{tenantID}
	where := `WHERE tenant_id = $1`
	for i, col := range columns {
		args = append(args, values[i])
		where += fmt.Sprintf(` AND %s = $%d`, col, len(args))
	}
	if page.Cursor != "" {
		c, err := storage.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, c.Timestamp, c.ID)
		where += fmt.Sprintf(` AND (ts, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, page.PageSize+1)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+interactionColumns+` FROM interactions `+where+`
		ORDER BY ts DESC, id DESC
		LIMIT $%d
	`, len(args)), args...)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: page interactions", err)
	}
	items, err := scanInteractions(rows)
	if err != nil {
		return nil, err
	}

	out := &storage.Page[types.Interaction]{Items: items}
	if len(items) > page.PageSize {
		out.Items = items[:page.PageSize]
		out.HasMore = true
		last := out.Items[len(out.Items)-1]
		out.NextCursor = storage.EncodeCursor(storage.Cursor{Timestamp: last.Timestamp, ID: last.ID})
	}
	return out, nil
}

// GetRecentUserInteractions returns up to limit of the user's newest interactions.
func (s *Store) GetRecentUserInteractions(ctx context.Context, tenantID, userID string, limit int) ([]types.Interaction, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY ts DESC, id DESC
		LIMIT $3
	`, tenantID, userID, limit)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: recent interactions", err)
	}
	return scanInteractions(rows)
}

// GetUserInteractionCount returns the number of stored interactions for the user.
func (s *Store) GetUserInteractionCount(ctx context.Context, tenantID, userID string) (int, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interactions WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&n)
	if err != nil {
		return 0, storage.WrapBackendError("postgres: count interactions", err)
	}
	return n, nil
}

// GetUserInteractedEntities returns the set of entities the user touched.
func (s *Store) GetUserInteractedEntities(ctx context.Context, tenantID, userID string) (map[storage.EntityKey]struct{}, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_type, entity_id FROM interactions
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: interacted entities", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[storage.EntityKey]struct{})
	for rows.Next() {
		var k storage.EntityKey
		if err := rows.Scan(&k.EntityType, &k.EntityID); err != nil {
			return nil, storage.WrapBackendError("postgres: scan interacted entity", err)
		}
		out[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: interacted entities", err)
	}
	return out, nil
}

func scanInteractions(rows *sql.Rows) ([]types.Interaction, error) {
	defer func() { _ = rows.Close() }()

	var out []types.Interaction
	for rows.Next() {
		var (
			in    types.Interaction
			typ   string
			value sql.NullFloat64
			meta  []byte
		)
		if err := rows.Scan(&in.ID, &in.TenantID, &in.UserID, &in.EntityType, &in.EntityID,
			&typ, &value, &meta, &in.Timestamp); err != nil {
			return nil, storage.WrapBackendError("postgres: scan interaction", err)
		}
		in.InteractionType = types.InteractionType(typ)
		if value.Valid {
			v := value.Float64
			in.Value = &v
		}
		m, err := unmarshalMap(meta)
		if err != nil {
			return nil, storage.WrapBackendError("postgres: decode metadata", err)
		}
		in.Metadata = m
		in.Timestamp = in.Timestamp.UTC()
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: scan interactions", err)
	}
	return out, nil
}
