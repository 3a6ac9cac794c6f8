package sqlite

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
// the dedup window. The check and the insert share one transaction.
func (s *Store) RecordInteraction(ctx context.Context, in *types.Interaction) (bool, error) {
	if err := storage.ValidateInteraction(in); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storage.WrapBackendError("sqlite: begin record", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := s.recordTx(ctx, tx, in)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storage.WrapBackendError("sqlite: commit record", err)
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
		in.Timestamp = s.now().UTC()
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	if w := s.opts.DedupWindow; w > 0 {
		var dup int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM interactions
			WHERE tenant_id = ? AND user_id = ? AND entity_type = ? AND entity_id = ?
			  AND interaction_type = ? AND ts > ? AND ts < ?
		`, in.TenantID, in.UserID, in.EntityType, in.EntityID, string(in.InteractionType),
			toNanos(in.Timestamp.Add(-w)), toNanos(in.Timestamp.Add(w))).Scan(&dup)
		if err != nil {
			return false, storage.WrapBackendError("sqlite: dedup check", err)
		}
		if dup > 0 {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.TenantID, in.UserID, in.EntityType, in.EntityID, string(in.InteractionType),
		value, meta, toNanos(in.Timestamp))
	if err != nil {
		if isConstraintViolation(err) {
			return false, fmt.Errorf("%w: interaction %s already exists", storage.ErrConflict, in.ID)
		}
		return false, storage.WrapBackendError("sqlite: insert interaction", err)
	}
	return true, nil
}

// BulkImportInteractions records interactions one transaction per call,
// applying the dedup rule to every row.
func (s *Store) BulkImportInteractions(ctx context.Context, tenantID string, interactions []types.Interaction) (storage.BatchResult, error) {
	var result storage.BatchResult
	if err := storage.ValidateTenant(tenantID); err != nil {
		result.Failed = len(interactions)
		return result, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, storage.WrapBackendError("sqlite: begin import", err)
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
			// A driver failure poisons the transaction; abort the import.
			return storage.BatchResult{Failed: len(interactions)}, err
		case inserted:
			result.Succeeded++
		default:
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.BatchResult{Failed: len(interactions)}, storage.WrapBackendError("sqlite: commit import", err)
	}
	metrics.InteractionsRecorded.WithLabelValues("inserted").Add(float64(result.Succeeded))
	metrics.InteractionsRecorded.WithLabelValues("duplicate").Add(float64(result.Skipped))
	return result, nil
}

// GetUserInteractions returns one page of the user's interactions, newest first.
func (s *Store) GetUserInteractions(ctx context.Context, tenantID, userID string, page storage.PageRequest) (*storage.Page[types.Interaction], error) {
	return s.pageInteractions(ctx, tenantID, `user_id = ?`, []interface{}{userID}, page)
}

// GetEntityInteractions returns one page of the entity's interactions, newest first.
func (s *Store) GetEntityInteractions(ctx context.Context, tenantID, entityType, entityID string, page storage.PageRequest) (*storage.Page[types.Interaction], error) {
	return s.pageInteractions(ctx, tenantID, `entity_type = ? AND entity_id = ?`, []interface{}{entityType, entityID}, page)
}

func (s *Store) pageInteractions(ctx context.Context, tenantID, filter string, filterArgs []interface{}, page storage.PageRequest) (*storage.Page[types.Interaction], error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	page.Normalize()

	where := `WHERE tenant_id = ? AND ` + filter
	args := append([]interface{}{tenantID}, filterArgs...)
	if page.Cursor != "" {
		c, err := storage.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		where += ` AND (ts < ? OR (ts = ? AND id < ?))`
		ts := toNanos(c.Timestamp)
		args = append(args, ts, ts, c.ID)
	}
	args = append(args, page.PageSize+1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions `+where+`
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: page interactions", err)
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
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, tenantID, userID, limit)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: recent interactions", err)
	}
	return scanInteractions(rows)
}

// GetUserInteractionCount returns the user's stored interaction count.
func (s *Store) GetUserInteractionCount(ctx context.Context, tenantID, userID string) (int, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interactions WHERE tenant_id = ? AND user_id = ?
	`, tenantID, userID).Scan(&n)
	if err != nil {
		return 0, storage.WrapBackendError("sqlite: count interactions", err)
	}
	return n, nil
}

// GetUserInteractedEntities returns the user's exclusion set.
func (s *Store) GetUserInteractedEntities(ctx context.Context, tenantID, userID string) (map[storage.EntityKey]struct{}, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_type, entity_id FROM interactions
		WHERE tenant_id = ? AND user_id = ?
	`, tenantID, userID)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: interacted entities", err)
	}
	defer rows.Close()

	out := make(map[storage.EntityKey]struct{})
	for rows.Next() {
		var k storage.EntityKey
		if err := rows.Scan(&k.EntityType, &k.EntityID); err != nil {
			return nil, storage.WrapBackendError("sqlite: scan interacted entity", err)
		}
		out[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("sqlite: interacted entities", err)
	}
	return out, nil
}

func scanInteractions(rows *sql.Rows) ([]types.Interaction, error) {
	defer rows.Close()

	var out []types.Interaction
	for rows.Next() {
		var (
			in    types.Interaction
			itype string
			value sql.NullFloat64
			meta  string
			ts    int64
		)
		if err := rows.Scan(&in.ID, &in.TenantID, &in.UserID, &in.EntityType, &in.EntityID,
			&itype, &value, &meta, &ts); err != nil {
			return nil, storage.WrapBackendError("sqlite: scan interaction", err)
		}
		in.InteractionType = types.InteractionType(itype)
		if value.Valid {
			v := value.Float64
			in.Value = &v
		}
		m, err := unmarshalMap(meta)
		if err != nil {
			return nil, storage.WrapBackendError("sqlite: decode interaction metadata", err)
		}
		in.Metadata = m
		in.Timestamp = fromNanos(ts)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("sqlite: scan interactions", err)
	}
	return out, nil
}
