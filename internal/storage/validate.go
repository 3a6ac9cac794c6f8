package storage

import (
	"fmt"

	"github.com/scrypster/reco/pkg/types"
)

// ValidateTenant wraps types.ValidateTenantID into the storage taxonomy.
func ValidateTenant(tenantID string) error {
	if err := types.ValidateTenantID(tenantID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateEntity checks an entity before it is written. A nil feature
// vector is allowed; a present one must match dimension.
func ValidateEntity(e *types.Entity, dimension int) error {
	if e == nil {
		return fmt.Errorf("%w: entity is nil", ErrInvalidInput)
	}
	if err := ValidateTenant(e.TenantID); err != nil {
		return err
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidInput)
	}
	if e.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrNotFound)
	}
	if e.FeatureVector != nil && !types.ValidateVector(e.FeatureVector, dimension) {
		return fmt.Errorf("%w: entity %s: expected %d finite non-zero components, got %d",
			ErrInvalidVector, e.EntityID, dimension, len(e.FeatureVector))
	}
	return nil
}

// ValidateInteraction checks an interaction before it is recorded.
func ValidateInteraction(in *types.Interaction) error {
	if in == nil {
		return fmt.Errorf("%w: interaction is nil", ErrInvalidInput)
	}
	if err := ValidateTenant(in.TenantID); err != nil {
		return err
	}
	if in.UserID == "" || in.EntityID == "" || in.EntityType == "" {
		return fmt.Errorf("%w: user_id, entity_id and entity_type are required", ErrInvalidInput)
	}
	if in.InteractionType == "" {
		return fmt.Errorf("%w: interaction_type is required", ErrInvalidInput)
	}
	if in.InteractionType == types.InteractionRating && in.Value == nil {
		return fmt.Errorf("%w: rating interactions require a value", ErrInvalidInput)
	}
	return nil
}

// ValidateProfile checks a profile before it is written.
func ValidateProfile(p *types.UserProfile, dimension int) error {
	if p == nil {
		return fmt.Errorf("%w: profile is nil", ErrInvalidInput)
	}
	if err := ValidateTenant(p.TenantID); err != nil {
		return err
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !types.ValidateVector(p.PreferenceVector, dimension) {
		return fmt.Errorf("%w: preference vector for %s: expected %d finite non-zero components, got %d",
			ErrInvalidVector, p.UserID, dimension, len(p.PreferenceVector))
	}
	return nil
}

// ValidateBatch checks every row up front so an invalid row rejects the
// batch before any write.
func ValidateBatch(tenantID string, entities []types.Entity, dimension int) (BatchResult, error) {
	var result BatchResult
	var first error
	seen := make(map[EntityKey]bool, len(entities))
	for i := range entities {
		e := &entities[i]
		if e.TenantID == "" {
			e.TenantID = tenantID
		}
		err := ValidateEntity(e, dimension)
		if err == nil && e.TenantID != tenantID {
			err = fmt.Errorf("%w: entity %s belongs to tenant %s", ErrInvalidInput, e.EntityID, e.TenantID)
		}
		key := EntityKey{EntityType: e.EntityType, EntityID: e.EntityID}
		if err == nil && seen[key] {
			err = fmt.Errorf("%w: entity %s/%s repeated in batch", ErrConflict, e.EntityType, e.EntityID)
		}
		seen[key] = true
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		result.Skipped = len(entities) - result.Failed
		return result, first
	}
	return result, nil
}

// RowFailure reports a transactional batch aborted by one row.
func RowFailure(total int, id string, err error) BatchResult {
	return BatchResult{
		Failed:  1,
		Skipped: total - 1,
		Errors:  []string{fmt.Sprintf("%s: %v", id, err)},
	}
}
