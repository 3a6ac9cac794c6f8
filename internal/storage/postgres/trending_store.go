package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// IncrementTrending counts one interaction toward the window starting at
// windowStart, resetting rows left over from an earlier window.
func (s *Store) IncrementTrending(ctx context.Context, tenantID, entityType, entityID string, weight float64, windowStart time.Time) error {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trending AS t (tenant_id, entity_type, entity_id, interaction_count, score, window_start)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET
			interaction_count = CASE WHEN t.window_start < EXCLUDED.window_start
				THEN 1 ELSE t.interaction_count + 1 END,
			score = CASE WHEN t.window_start < EXCLUDED.window_start
				THEN EXCLUDED.score ELSE t.score + EXCLUDED.score END,
			window_start = GREATEST(t.window_start, EXCLUDED.window_start)
	`, tenantID, entityType, entityID, weight, windowStart.UTC())
	if err != nil {
		return storage.WrapBackendError("postgres: increment trending", err)
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
		WHERE tenant_id = $1 AND window_start = $2`
	args := []interface{}{tenantID, windowStart.UTC()}
	if entityType != "" {
		query += ` AND entity_type = $3`
		args = append(args, entityType)
	}
	query += fmt.Sprintf(`
		ORDER BY interaction_count DESC, score DESC, entity_id ASC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: top trending", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.TrendingStat
	for rows.Next() {
		st := types.TrendingStat{TenantID: tenantID}
		if err := rows.Scan(&st.EntityType, &st.EntityID, &st.InteractionCount, &st.Score, &st.WindowStart); err != nil {
			return nil, storage.WrapBackendError("postgres: scan trending", err)
		}
		st.WindowStart = st.WindowStart.UTC()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: top trending", err)
	}
	return out, nil
}
