package sqlite

import (
	"context"
	"time"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// IncrementTrending counts one interaction toward the window starting at
// windowStart. A row left over from an earlier window is reset first.
func (s *Store) IncrementTrending(ctx context.Context, tenantID, entityType, entityID string, weight float64, windowStart time.Time) error {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trending (tenant_id, entity_type, entity_id, interaction_count, score, window_start)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET
			interaction_count = CASE WHEN trending.window_start < excluded.window_start
				THEN 1 ELSE trending.interaction_count + 1 END,
			score = CASE WHEN trending.window_start < excluded.window_start
				THEN excluded.score ELSE trending.score + excluded.score END,
			window_start = MAX(trending.window_start, excluded.window_start)
	`, tenantID, entityType, entityID, weight, toNanos(windowStart))
	if err != nil {
		return storage.WrapBackendError("sqlite: increment trending", err)
	}
	return nil
}

// TopTrending returns the window's most popular entities.
func (s *Store) TopTrending(ctx context.Context, tenantID, entityType string, windowStart time.Time, limit int) ([]types.TrendingStat, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT entity_type, entity_id, interaction_count, score, window_start
		FROM trending
		WHERE tenant_id = ? AND window_start = ?`
	args := []interface{}{tenantID, toNanos(windowStart)}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += `
		ORDER BY interaction_count DESC, score DESC, entity_id ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: top trending", err)
	}
	defer rows.Close()

	var out []types.TrendingStat
	for rows.Next() {
		st := types.TrendingStat{TenantID: tenantID}
		var ws int64
		if err := rows.Scan(&st.EntityType, &st.EntityID, &st.InteractionCount, &st.Score, &ws); err != nil {
			return nil, storage.WrapBackendError("sqlite: scan trending", err)
		}
		st.WindowStart = fromNanos(ws)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("sqlite: top trending", err)
	}
	return out, nil
}
