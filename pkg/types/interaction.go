package types

import "time"

// InteractionType identifies the kind of user action on an entity.
type InteractionType string

// Built-in interaction types. Tenants may register additional custom names.
const (
	InteractionView      InteractionType = "view"
	InteractionClick     InteractionType = "click"
	InteractionLike      InteractionType = "like"
	InteractionAddToCart InteractionType = "add_to_cart"
	InteractionPurchase  InteractionType = "purchase"
	InteractionRating    InteractionType = "rating"
	InteractionShare     InteractionType = "share"
	InteractionCustom    InteractionType = "custom"
)

// defaultWeights holds the built-in weight for each known type.
// Ratings are weighted by their value and are therefore absent here.
var defaultWeights = map[InteractionType]float64{
	InteractionView:      1.0,
	InteractionClick:     1.0,
	InteractionLike:      2.0,
	InteractionAddToCart: 3.0,
	InteractionPurchase:  5.0,
	InteractionShare:     2.0,
	InteractionCustom:    1.0,
}

// DefaultWeight returns the built-in weight for t. Unknown types weigh 1.0.
// For ratings the rating value is used when present.
func DefaultWeight(t InteractionType, value *float64) float64 {
	if t == InteractionRating {
		if value != nil {
			return *value
		}
		return 1.0
	}
	if w, ok := defaultWeights[t]; ok {
		return w
	}
	return 1.0
}

// IsBuiltinInteractionType reports whether t is one of the predefined types.
func IsBuiltinInteractionType(t InteractionType) bool {
	if t == InteractionRating {
		return true
	}
	_, ok := defaultWeights[t]
	return ok
}

// Interaction is one append-only record of a user acting on an entity.
type Interaction struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	UserID          string                 `json:"user_id"`
	EntityID        string                 `json:"entity_id"`
	EntityType      string                 `json:"entity_type"`
	InteractionType InteractionType        `json:"interaction_type"`
	Value           *float64               `json:"value,omitempty"` // Rating value, if any
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// InteractionTypeDef is a per-tenant registry entry overriding the weight of
// an interaction type.
type InteractionTypeDef struct {
	TenantID    string          `json:"tenant_id"`
	Name        InteractionType `json:"name"`
	Weight      float64         `json:"weight"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
