package types

import "time"

// Entity represents a recommendable item owned by a tenant.
// An entity without a FeatureVector is stored normally but never takes part
// in similarity queries.
type Entity struct {
	TenantID      string                 `json:"tenant_id"`
	EntityID      string                 `json:"entity_id"`            // Unique within (TenantID, EntityType)
	EntityType    string                 `json:"entity_type"`          // Caller-defined type, e.g. "product"
	Attributes    map[string]interface{} `json:"attributes,omitempty"` // Free-form key/value data
	FeatureVector []float32              `json:"feature_vector,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// HasVector reports whether the entity can participate in similarity search.
func (e *Entity) HasVector() bool {
	return e != nil && len(e.FeatureVector) > 0
}
