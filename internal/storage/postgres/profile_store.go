package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// GetUserProfile retrieves a user's preference vector.
func (s *Store) GetUserProfile(ctx context.Context, tenantID, userID string) (*types.UserProfile, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}

	p := types.UserProfile{TenantID: tenantID, UserID: userID}
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT preference_vector::text, interaction_count, last_computed_at
		FROM user_profiles WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&raw, &p.InteractionCount, &p.LastComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile for user %s", storage.ErrNotFound, userID)
	}
	if err != nil {
		return nil, storage.WrapBackendError("postgres: get profile", err)
	}

	if p.PreferenceVector, err = parseVector(raw); err != nil {
		return nil, storage.WrapBackendError("postgres: get profile", err)
	}
	p.LastComputedAt = p.LastComputedAt.UTC()
	return &p, nil
}

// UpsertUserProfile stores the profile.
func (s *Store) UpsertUserProfile(ctx context.Context, profile *types.UserProfile) error {
	if err := storage.ValidateProfile(profile, s.opts.Dimension); err != nil {
		return err
	}
	if profile.LastComputedAt.IsZero() {
		profile.LastComputedAt = s.now()
	}
	profile.LastComputedAt = pgTime(profile.LastComputedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (tenant_id, user_id, preference_vector, interaction_count, last_computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			preference_vector = EXCLUDED.preference_vector,
			interaction_count = EXCLUDED.interaction_count,
			last_computed_at = EXCLUDED.last_computed_at
	`, profile.TenantID, profile.UserID, toVector(profile.PreferenceVector),
		profile.InteractionCount, profile.LastComputedAt)
	if err != nil {
		return storage.WrapBackendError("postgres: upsert profile", err)
	}
	s.touch(storage.TableProfiles, profile.TenantID, 1)
	return nil
}

// DeleteUserProfile removes a profile.
func (s *Store) DeleteUserProfile(ctx context.Context, tenantID, userID string) error {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM user_profiles WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if err != nil {
		return storage.WrapBackendError("postgres: delete profile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: profile for user %s", storage.ErrNotFound, userID)
	}
	s.touch(storage.TableProfiles, tenantID, 1)
	return nil
}

// FindSimilarUsers orders the tenant's profiles by cosine distance.
func (s *Store) FindSimilarUsers(ctx context.Context, tenantID string, reference []float32, q storage.SimilarityQuery) ([]storage.SimilarityMatch, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if !types.ValidateVector(reference, s.opts.Dimension) {
		return nil, fmt.Errorf("%w: reference vector must have %d finite non-zero components", storage.ErrInvalidVector, s.opts.Dimension)
	}
	q.Normalize()

	col := s.castVector("preference_vector")
	query := `
		SELECT '', user_id, 1 - (` + col + ` <=> $2::vector) AS similarity
		FROM user_profiles
		WHERE tenant_id = $1 AND user_id <> $3
		ORDER BY ` + col + ` <=> $2::vector
		LIMIT $4`
	return s.similarityQuery(ctx, query, []interface{}{tenantID, toVector(reference), q.ExcludeID, q.K}, q.Threshold)
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
			SELECT user_id FROM interactions WHERE tenant_id = $1
			UNION
			SELECT user_id FROM user_profiles WHERE tenant_id = $1
		) u
		LEFT JOIN (
			SELECT user_id, COUNT(*) AS n FROM interactions WHERE tenant_id = $1 GROUP BY user_id
		) c ON c.user_id = u.user_id
		WHERE COALESCE(c.n, 0) < $2
		ORDER BY u.user_id
		LIMIT $3
	`, tenantID, threshold, limit)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: cold start users", err)
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
		WHERE i.tenant_id = $1
		GROUP BY i.user_id, p.last_computed_at
		HAVING p.last_computed_at IS NULL OR p.last_computed_at < $2 OR MAX(i.ts) > p.last_computed_at
		ORDER BY i.user_id
		LIMIT $3
	`, tenantID, staleBefore.UTC(), limit)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: stale users", err)
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
		return nil, storage.WrapBackendError("postgres: list tenants", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, storage.WrapBackendError("postgres: scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: scan", err)
	}
	return out, nil
}
