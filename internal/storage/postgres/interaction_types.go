package postgres

import (
	"context"
	"fmt"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// RegisterInteractionType creates or replaces a tenant weight override.
func (s *Store) RegisterInteractionType(ctx context.Context, def *types.InteractionTypeDef) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("%w: interaction type name is required", storage.ErrInvalidInput)
	}
	if err := storage.ValidateTenant(def.TenantID); err != nil {
		return err
	}
	if def.Weight < 0 {
		return fmt.Errorf("%w: weight must not be negative", storage.ErrInvalidInput)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = pgTime(s.now())
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interaction_types (tenant_id, name, weight, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			weight = EXCLUDED.weight,
			description = EXCLUDED.description
	`, def.TenantID, string(def.Name), def.Weight, def.Description, def.CreatedAt)
	if err != nil {
		return storage.WrapBackendError("postgres: register interaction type", err)
	}
	return nil
}

// ListInteractionTypes returns the tenant's overrides ordered by name.
func (s *Store) ListInteractionTypes(ctx context.Context, tenantID string) ([]types.InteractionTypeDef, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, weight, description, created_at FROM interaction_types
		WHERE tenant_id = $1 ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: list interaction types", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.InteractionTypeDef
	for rows.Next() {
		def := types.InteractionTypeDef{TenantID: tenantID}
		var name string
		if err := rows.Scan(&name, &def.Weight, &def.Description, &def.CreatedAt); err != nil {
			return nil, storage.WrapBackendError("postgres: scan interaction type", err)
		}
		def.Name = types.InteractionType(name)
		def.CreatedAt = def.CreatedAt.UTC()
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("postgres: list interaction types", err)
	}
	return out, nil
}
