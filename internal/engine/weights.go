package engine

import (
	"context"

	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// Weights maps interaction types to tenant weight overrides.
type Weights map[types.InteractionType]float64

// For returns the weight of one interaction. A registered override wins;
// otherwise the built-in weight applies, with ratings weighted by their value.
func (w Weights) For(in types.Interaction) float64 {
	if v, ok := w[in.InteractionType]; ok {
		return v
	}
	return types.DefaultWeight(in.InteractionType, in.Value)
}

// WeightResolver loads the weights of a tenant from the interaction type registry.
type WeightResolver struct {
	store storage.InteractionTypeStore
}

// NewWeightResolver creates a WeightResolver.
func NewWeightResolver(store storage.InteractionTypeStore) *WeightResolver {
	return &WeightResolver{store: store}
}

// Load returns the tenant's overrides. A nil resolver yields built-in weights.
func (r *WeightResolver) Load(ctx context.Context, tenantID string) (Weights, error) {
	if r == nil || r.store == nil {
		return Weights{}, nil
	}
	defs, err := r.store.ListInteractionTypes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	w := make(Weights, len(defs))
	for _, d := range defs {
		w[d.Name] = d.Weight
	}
	return w, nil
}
