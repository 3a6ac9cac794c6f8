package sqlite

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
		def.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interaction_types (tenant_id, name, weight, description, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			weight = excluded.weight,
			description = excluded.description
	`, def.TenantID, string(def.Name), def.Weight, def.Description, toNanos(def.CreatedAt))
	if err != nil {
		return storage.WrapBackendError("sqlite: register interaction type", err)
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
		WHERE tenant_id = ? ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: list interaction types", err)
	}
	defer rows.Close()

	var out []types.InteractionTypeDef
	for rows.Next() {
		def := types.InteractionTypeDef{TenantID: tenantID}
		var name string
		var created int64
		if err := rows.Scan(&name, &def.Weight, &def.Description, &created); err != nil {
			return nil, storage.WrapBackendError("sqlite: scan interaction type", err)
		}
		def.Name = types.InteractionType(name)
		def.CreatedAt = fromNanos(created)
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("sqlite: list interaction types", err)
	}
	return out, nil
}
