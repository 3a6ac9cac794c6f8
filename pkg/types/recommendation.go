package types

import (
	"sort"
	"time"
)

// ScoredEntity is one ranked recommendation.
type ScoredEntity struct {
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type,omitempty"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
}

// RecommendationResult is the ranked output of any engine.
type RecommendationResult struct {
	Items       []ScoredEntity `json:"items"`
	ColdStart   bool           `json:"cold_start"`
	Algorithm   string         `json:"algorithm"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// SortScored orders items by descending score, then ascending entity id so
// that equal scores rank deterministically.
func SortScored(items []ScoredEntity) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].EntityID < items[j].EntityID
	})
}

// TopN sorts items and truncates them to n entries.
func TopN(items []ScoredEntity, n int) []ScoredEntity {
	SortScored(items)
	if n >= 0 && len(items) > n {
		items = items[:n]
	}
	return items
}
