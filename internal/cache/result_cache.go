package cache

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/metrics"
	"github.com/scrypster/reco/pkg/types"
)

// User recommendation algorithms that share the user key space.
var userAlgorithms = []string{
	types.AlgorithmContent,
	types.AlgorithmCollaborative,
	types.AlgorithmHybrid,
	types.AlgorithmColdStart,
}

// Stats is a snapshot of result cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Errors  uint64  `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// ResultCache is the cache-aside layer in front of the engines. Every failure
// of the underlying backend is logged and counted, then treated as a miss:
// the cache never fails a request.
type ResultCache struct {
	backend      Cache
	prefix       string
	recommendTTL time.Duration
	trendingTTL  time.Duration
	logger       zerolog.Logger
	hits, misses atomic.Uint64
	errs         atomic.Uint64
}

// NewResultCache creates a ResultCache over backend. A nil backend or a
// disabled config yields a cache that always misses.
func NewResultCache(backend Cache, cfg config.CacheConfig, logger zerolog.Logger) *ResultCache {
	if !cfg.Enabled {
		backend = nil
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "reco"
	}
	if cfg.RecommendationTTL <= 0 {
		cfg.RecommendationTTL = 5 * time.Minute
	}
	if cfg.TrendingTTL <= 0 {
		cfg.TrendingTTL = time.Hour
	}
	return &ResultCache{
		backend:      backend,
		prefix:       cfg.KeyPrefix,
		recommendTTL: cfg.RecommendationTTL,
		trendingTTL:  cfg.TrendingTTL,
		logger:       logger.With().Str("component", "result_cache").Logger(),
	}
}

// ContentKey is the key of an entity-to-entity recommendation list.
func (c *ResultCache) ContentKey(tenantID, entityType, entityID string, count int) string {
	return c.join(tenantID, "content", entityType, entityID, strconv.Itoa(count))
}

// UserKey is the key of a user recommendation list produced by algorithm.
// An empty entityType means the list is not filtered by type.
func (c *ResultCache) UserKey(tenantID, algorithm, userID, entityType string, count int) string {
	if entityType == "" {
		entityType = "_all"
	}
	return c.join(tenantID, "user", algorithm, userID, entityType, strconv.Itoa(count))
}

// TrendingKey is the key of a trending list. An empty entityType means all types.
func (c *ResultCache) TrendingKey(tenantID, entityType string, n int) string {
	if entityType == "" {
		entityType = "_all"
	}
	return c.join(tenantID, "trending", entityType, strconv.Itoa(n))
}

func (c *ResultCache) join(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// RecommendationTTL is the lifetime of recommendation entries.
func (c *ResultCache) RecommendationTTL() time.Duration { return c.recommendTTL }

// TrendingTTL is the lifetime of trending entries.
func (c *ResultCache) TrendingTTL() time.Duration { return c.trendingTTL }

// GetRecommendations returns a cached result.
func (c *ResultCache) GetRecommendations(ctx context.Context, key string) (*types.RecommendationResult, bool) {
	var res types.RecommendationResult
	if !c.GetJSON(ctx, key, &res) {
		return nil, false
	}
	return &res, true
}

// SetRecommendations stores result for the recommendation TTL.
func (c *ResultCache) SetRecommendations(ctx context.Context, key string, result *types.RecommendationResult) {
	c.SetJSON(ctx, key, result, c.recommendTTL)
}

// GetJSON decodes the entry at key into dst. It reports false on a miss or
// on any backend or decode failure.
func (c *ResultCache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	if c.backend == nil {
		c.miss()
		return false
	}

	raw, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.fail("get", key, err)
		return false
	}
	if !found {
		c.miss()
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.fail("decode", key, err)
		_ = c.backend.Delete(ctx, key)
		return false
	}

	c.hits.Add(1)
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return true
}

// SetJSON encodes v and stores it at key for ttl.
func (c *ResultCache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if c.backend == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.fail("encode", key, err)
		return
	}
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		c.fail("set", key, err)
	}
}

// InvalidateEntity drops the cached content lists computed for the entity.
func (c *ResultCache) InvalidateEntity(ctx context.Context, tenantID, entityType, entityID string) {
	c.deletePrefix(ctx, c.join(tenantID, "content", entityType, entityID)+":")
}

// InvalidateUser drops every cached list computed for the user.
func (c *ResultCache) InvalidateUser(ctx context.Context, tenantID, userID string) {
	for _, algo := range userAlgorithms {
		c.deletePrefix(ctx, c.join(tenantID, "user", algo, userID)+":")
	}
}

// InvalidateTrending drops the tenant's cached trending lists.
func (c *ResultCache) InvalidateTrending(ctx context.Context, tenantID string) {
	c.deletePrefix(ctx, c.join(tenantID, "trending")+":")
}

// InvalidateTenant drops everything cached for the tenant.
func (c *ResultCache) InvalidateTenant(ctx context.Context, tenantID string) {
	c.deletePrefix(ctx, c.join(tenantID)+":")
}

func (c *ResultCache) deletePrefix(ctx context.Context, prefix string) {
	if c.backend == nil {
		return
	}
	n, err := c.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		c.fail("invalidate", prefix, err)
		return
	}
	c.logger.Debug().Str("prefix", prefix).Int("deleted", n).Msg("cache invalidated")
}

// Stats returns the hit, miss and error counters.
func (c *ResultCache) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errs.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *ResultCache) miss() {
	c.misses.Add(1)
	metrics.CacheRequests.WithLabelValues("miss").Inc()
}

func (c *ResultCache) fail(op, key string, err error) {
	c.errs.Add(1)
	metrics.CacheRequests.WithLabelValues("error").Inc()
	c.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("cache operation failed")
}
