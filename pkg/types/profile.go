package types

import "time"

// UserProfile holds the derived preference vector for a user. It is always
// reconstructable from the user's interactions.
type UserProfile struct {
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id"`
	PreferenceVector []float32 `json:"preference_vector"`
	InteractionCount int       `json:"interaction_count"`
	LastComputedAt   time.Time `json:"last_computed_at"`
}

// TrendingStat is the popularity of one entity inside a trending window.
type TrendingStat struct {
	TenantID         string    `json:"tenant_id"`
	EntityID         string    `json:"entity_id"`
	EntityType       string    `json:"entity_type"`
	InteractionCount int64     `json:"interaction_count"`
	Score            float64   `json:"score"` // Sum of interaction weights
	WindowStart      time.Time `json:"window_start"`
}
