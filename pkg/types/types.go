// Package types defines the core data structures for the reco recommendation
// system. These types represent tenant-scoped entities, user interactions,
// derived user profiles, trending statistics, and ranked recommendation output.
package types

import (
	"fmt"
	"regexp"
)

// Reason tags attached to every ScoredEntity.
const (
	// ReasonTrending marks an item produced by the popularity fallback.
	ReasonTrending = "trending"

	// ReasonCollaborative marks an item produced from peer users.
	ReasonCollaborative = "collaborative"

	// ReasonHybrid marks an item produced by merging several engines.
	ReasonHybrid = "hybrid"

	// reasonSimilarPrefix is combined with the source entity id.
	reasonSimilarPrefix = "similar_to:"
)

// Algorithm names reported on RecommendationResult.
const (
	AlgorithmContent       = "content"
	AlgorithmCollaborative = "collaborative"
	AlgorithmHybrid        = "hybrid"
	AlgorithmColdStart     = "cold_start"
)

// MaxTenantIDLength bounds tenant identifiers.
const MaxTenantIDLength = 64

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ReasonSimilarTo returns the reason tag for an item similar to entityID.
func ReasonSimilarTo(entityID string) string {
	return reasonSimilarPrefix + entityID
}

// ValidateTenantID checks that a tenant identifier is safe to use in queries
// and cache keys. Only ASCII letters, digits, '_' and '-' are allowed.
func ValidateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant id %q: must match %s", tenantID, tenantIDPattern.String())
	}
	return nil
}
