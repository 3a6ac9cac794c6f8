package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/vectorindex"
	"github.com/scrypster/reco/pkg/types"
)

// GetUserProfile retrieves a user's preference vector.
func (s *Store) GetUserProfile(ctx context.Context, tenantID, userID string) (*types.UserProfile, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}

	var (
		p        = types.UserProfile{TenantID: tenantID, UserID: userID}
		blob     []byte
		computed int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT preference_vector, interaction_count, last_computed_at
		FROM user_profiles WHERE tenant_id = ? AND user_id = ?
	`, tenantID, userID).Scan(&blob, &p.InteractionCount, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile for user %s", storage.ErrNotFound, userID)
	}
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: get profile", err)
	}

	if p.PreferenceVector, err = decodeVector(blob); err != nil {
		return nil, storage.WrapBackendError("sqlite: decode profile", err)
	}
	p.LastComputedAt = fromNanos(computed)
	return &p, nil
}

// UpsertUserProfile stores the profile and refreshes the user index entry.
func (s *Store) UpsertUserProfile(ctx context.Context, profile *types.UserProfile) error {
	if err := storage.ValidateProfile(profile, s.opts.Dimension); err != nil {
		return err
	}
	if profile.LastComputedAt.IsZero() {
		profile.LastComputedAt = s.now().UTC()
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (tenant_id, user_id, preference_vector, interaction_count, last_computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			preference_vector = excluded.preference_vector,
			interaction_count = excluded.interaction_count,
			last_computed_at = excluded.last_computed_at
	`, profile.TenantID, profile.UserID, encodeVector(profile.PreferenceVector),
		profile.InteractionCount, toNanos(profile.LastComputedAt))
	if err != nil {
		return storage.WrapBackendError("sqlite: upsert profile", err)
	}

	return mapIndexError(s.profiles.Insert(profile.TenantID, vectorindex.Item{
		ID:     profile.UserID,
		Vector: profile.PreferenceVector,
	}))
}

// DeleteUserProfile removes a profile and its index entry.
func (s *Store) DeleteUserProfile(ctx context.Context, tenantID, userID string) error {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM user_profiles WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	if err != nil {
		return storage.WrapBackendError("sqlite: delete profile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: profile for user %s", storage.ErrNotFound, userID)
	}
	s.profiles.Delete(tenantID, "", userID)
	return nil
}

// FindSimilarUsers queries the tenant's profile graph.
func (s *Store) FindSimilarUsers(ctx context.Context, tenantID string, reference []float32, q storage.SimilarityQuery) ([]storage.SimilarityMatch, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	q.EntityType = ""
	return searchIndex(ctx, s.profiles, tenantID, reference, q)
}

// GetColdStartUsers lists users, known from interactions or profiles, whose
// interaction count is below threshold.
func (s *Store) GetColdStartUsers(ctx context.Context, tenantID string, threshold, limit int) ([]string, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.user_id FROM (
			SELECT user_id FROM interactions WHERE tenant_id = ?
			UNION
			SELECT user_id FROM user_profiles WHERE tenant_id = ?
		) u
		LEFT JOIN (
			SELECT user_id, COUNT(*) AS n FROM interactions WHERE tenant_id = ? GROUP BY user_id
		) c ON c.user_id = u.user_id
		WHERE COALESCE(c.n, 0) < ?
		ORDER BY u.user_id
		LIMIT ?
	`, tenantID, tenantID, tenantID, threshold, limit)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: cold start users", err)
	}
	return scanStrings(rows)
}

// ListStaleUsers lists users whose profile is missing, older than
// staleBefore, or older than their newest interaction.
func (s *Store) ListStaleUsers(ctx context.Context, tenantID string, staleBefore time.Time, limit int) ([]string, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.user_id
		FROM interactions i
		LEFT JOIN user_profiles p ON p.tenant_id = i.tenant_id AND p.user_id = i.user_id
		WHERE i.tenant_id = ?
		GROUP BY i.user_id, p.last_computed_at
		HAVING p.last_computed_at IS NULL OR p.last_computed_at < ? OR MAX(i.ts) > p.last_computed_at
		ORDER BY i.user_id
		LIMIT ?
	`, tenantID, toNanos(staleBefore), limit)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: stale users", err)
	}
	return scanStrings(rows)
}

// ListTenants returns every tenant with interactions or entities.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM interactions
		UNION
		SELECT tenant_id FROM entities
		ORDER BY 1
	`)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: list tenants", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, storage.WrapBackendError("sqlite: scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("sqlite: scan", err)
	}
	return out, nil
}
