package storage

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IndexTable names a vector-bearing table.
type IndexTable string

const (
	// TableEntities is the entity feature-vector index.
	TableEntities IndexTable = "entities"

	// TableProfiles is the user preference-vector index.
	TableProfiles IndexTable = "user_profiles"
)

// Valid reports whether t names a known vector table.
func (t IndexTable) Valid() bool {
	return t == TableEntities || t == TableProfiles
}

// EntityKey identifies an entity within a tenant.
type EntityKey struct {
	EntityType string
	EntityID   string
}

// SimilarityQuery parameterises a k-NN lookup.
type SimilarityQuery struct {
	// EntityType restricts results to one type. Empty means all types.
	EntityType string

	// ExcludeID is never returned (the source entity or requesting user).
	ExcludeID string

	// ExcludeType narrows ExcludeID to one entity type, so an entity of
	// another type sharing the id stays eligible. Empty excludes the id
	// under every type.
	ExcludeType string

	// K is the maximum number of results (default: 10).
	K int

	// Threshold is the minimum cosine similarity, in [0, 1].
	Threshold float64
}

// Normalize applies defaults and clamps the threshold.
func (q *SimilarityQuery) Normalize() {
	if q.K <= 0 {
		q.K = 10
	}
	if q.Threshold < 0 {
		q.Threshold = 0
	}
	if q.Threshold > 1 {
		q.Threshold = 1
	}
}

// SimilarityMatch is one similarity search hit.
type SimilarityMatch struct {
	ID         string  `json:"id"`
	Type       string  `json:"type,omitempty"`
	Similarity float64 `json:"similarity"`
}

// BatchResult aggregates the outcome of a batch operation.
type BatchResult struct {
	Succeeded int      `json:"succeeded"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides offset pagination for entity listings.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 10, max: 100).
	Limit int
}

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// PageRequest asks for one page of a timestamp-ordered listing.
type PageRequest struct {
	// Cursor is the NextCursor of the previous page; empty starts from the newest row.
	Cursor string

	// PageSize is the number of rows per page (default: 50, max: 500).
	PageSize int
}

// Normalize applies defaults and bounds.
func (p *PageRequest) Normalize() {
	if p.PageSize < 1 {
		p.PageSize = 50
	}
	if p.PageSize > 500 {
		p.PageSize = 500
	}
}

// Page is one page of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Cursor marks a position in a (timestamp DESC, id DESC) ordering.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// EncodeCursor serialises a cursor into an opaque token.
func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(c.Timestamp.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	return Cursor{Timestamp: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// IndexStats describes the ANN index of one table for one tenant.
type IndexStats struct {
	Table                 IndexTable    `json:"table"`
	TenantID              string        `json:"tenant_id"`
	Nodes                 int           `json:"nodes"`
	Levels                int           `json:"levels"`
	M                     int           `json:"m"`
	EfConstruction        int           `json:"ef_construction"`
	BuildDuration         time.Duration `json:"build_duration"`
	LastBuiltAt           time.Time     `json:"last_built_at"`
	MutationsSinceRebuild int           `json:"mutations_since_rebuild"`
	SizeBytes             int64         `json:"size_bytes,omitempty"`
}

// IndexAnalysis is the outcome of AnalyzeIndexPerformance.
type IndexAnalysis struct {
	Stats           IndexStats `json:"stats"`
	SampledQueries  int        `json:"sampled_queries"`
	Recall          float64    `json:"recall"`
	RebuildAdvised  bool       `json:"rebuild_advised"`
	Recommendations []string   `json:"recommendations"`
}
