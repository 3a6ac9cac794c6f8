// Package config provides configuration management for reco.
// It starts from documented defaults, optionally overlays a YAML file, and
// finally applies environment variables with the RECO_ prefix.
//
// Every engine receives its own sub-struct by value at construction time;
// nothing reads configuration from global state after startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the reco application.
type Config struct {
	Storage      StorageConfig     `yaml:"storage"`
	Redis        RedisConfig       `yaml:"redis"`
	Vectors      VectorConfig      `yaml:"vectors"`
	Index        IndexConfig       `yaml:"index"`
	Interactions InteractionConfig `yaml:"interactions"`
	Profiles     ProfileConfig     `yaml:"profiles"`
	Trending     TrendingConfig    `yaml:"trending"`
	Algorithms   AlgorithmConfig   `yaml:"algorithms"`
	Cache        CacheConfig       `yaml:"cache"`
	Breaker      BreakerConfig     `yaml:"breaker"`
	Jobs         JobsConfig        `yaml:"jobs"`
	Logging      LoggingConfig     `yaml:"logging"`
	Metrics      MetricsConfig     `yaml:"metrics"`
}

// StorageConfig contains database and connection pool configuration.
type StorageConfig struct {
	Engine          string        `yaml:"engine"`            // Storage engine: sqlite or postgres (default: sqlite)
	DSN             string        `yaml:"dsn"`               // Connection string or sqlite path (default: ./data/reco.db)
	MaxOpenConns    int           `yaml:"max_open_conns"`    // Pool upper bound (default: 25)
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // Idle connections kept warm (default: 5)
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // Connection recycle age (default: 5m)
}

// RedisConfig contains the optional L2 cache connection. An empty Addr
// disables redis and leaves only the in-process cache.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`          // host:port (default: empty)
	Password     string        `yaml:"password"`      // AUTH password
	DB           int           `yaml:"db"`            // Database number (default: 0)
	PoolSize     int           `yaml:"pool_size"`     // Connection pool size (default: 20)
	DialTimeout  time.Duration `yaml:"dial_timeout"`  // (default: 2s)
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // (default: 500ms)
	WriteTimeout time.Duration `yaml:"write_timeout"` // (default: 500ms)
}

// VectorConfig fixes the feature vector dimension for the deployment.
type VectorConfig struct {
	Dimension             int  `yaml:"dimension"`               // Entity and profile vector length (default: 128)
	ExtractFromAttributes bool `yaml:"extract_from_attributes"` // Derive missing entity vectors from attributes (default: true)
}

// IndexConfig contains HNSW parameters and rebuild policy.
type IndexConfig struct {
	M                   int     `yaml:"m"`                     // Max neighbours per node (default: 16)
	EfConstruction      int     `yaml:"ef_construction"`       // Build-time candidate list (default: 64)
	EfSearch            int     `yaml:"ef_search"`             // Query-time candidate list (default: 100)
	RebuildRowThreshold int     `yaml:"rebuild_row_threshold"` // Batch size that triggers a full rebuild (default: 1000)
	MutationFraction    float64 `yaml:"mutation_fraction"`     // Mutations/size ratio that advises a rebuild (default: 0.3)
	RecallTarget        float64 `yaml:"recall_target"`         // Sampled recall below this advises a rebuild (default: 0.95)
	RecallSampleSize    int     `yaml:"recall_sample_size"`    // Queries sampled by analysis (default: 50)
}

// InteractionConfig contains interaction recording settings.
type InteractionConfig struct {
	DedupWindow        time.Duration `yaml:"dedup_window"`         // Duplicate suppression window (default: 60s)
	ColdStartThreshold int           `yaml:"cold_start_threshold"` // Users with fewer interactions are cold (default: 5)
}

// ProfileConfig contains preference vector computation settings.
type ProfileConfig struct {
	MaxInteractions int           `yaml:"max_interactions"` // Most recent interactions aggregated (default: 1000)
	StaleAfter      time.Duration `yaml:"stale_after"`      // Profiles older than this are recomputed (default: 1h)
	RecencyHalfLife time.Duration `yaml:"recency_half_life"` // Age at which an interaction counts half; 0 disables decay (default: 0)
}

// TrendingConfig contains popularity tracking settings.
type TrendingConfig struct {
	Window time.Duration `yaml:"window"` // Tumbling window length (default: 168h)
	TopN   int           `yaml:"top_n"`  // Trending seeds used by cold start (default: 5)
}

// AlgorithmConfig contains scoring parameters shared by the engines.
type AlgorithmConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // Content similarity floor, [0,1] (default: 0.5)
	DefaultCount        int     `yaml:"default_count"`        // Results when count is unset (default: 10)
	MaxCount            int     `yaml:"max_count"`            // Upper bound on requested count (default: 100)
	NeighborsPerItem    int     `yaml:"neighbors_per_item"`   // Similar entities fetched per history item (default: 20)
	HistoryLimit        int     `yaml:"history_limit"`        // Recent interactions scored per user or peer (default: 50)
	KNeighbors          int     `yaml:"k_neighbors"`          // Peer users considered (default: 50)
	MinUserSimilarity   float64 `yaml:"min_user_similarity"`  // Peer similarity floor (default: 0.1)
	ContentWeight       float64 `yaml:"content_weight"`       // Hybrid weight (default: 0.5)
	CollaborativeWeight float64 `yaml:"collaborative_weight"` // Hybrid weight (default: 0.5)
	DiversityPerType    int     `yaml:"diversity_per_type"`   // Max hybrid items per entity type, 0 disables (default: 0)
	MaxConcurrency      int     `yaml:"max_concurrency"`      // Parallel neighbour lookups per request (default: 8)
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`            // (default: true)
	RecommendationTTL time.Duration `yaml:"recommendation_ttl"` // (default: 5m)
	TrendingTTL       time.Duration `yaml:"trending_ttl"`       // (default: 1h)
	LocalMaxEntries   int           `yaml:"local_max_entries"`  // In-process entry bound (default: 10000)
	KeyPrefix         string        `yaml:"key_prefix"`         // (default: reco)
}

// BreakerConfig guards the remote cache backend.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`  // Consecutive failures before opening (default: 5)
	OpenTimeout time.Duration `yaml:"open_timeout"`  // Time spent open before probing (default: 30s)
	HalfOpenMax uint32        `yaml:"half_open_max"` // Probe requests in half-open state (default: 1)
}

// JobsConfig controls the background worker.
type JobsConfig struct {
	ProfileInterval      time.Duration `yaml:"profile_interval"`        // Model updater period (default: 1h)
	ProfileBatchSize     int           `yaml:"profile_batch_size"`      // Users per tenant per pass (default: 500)
	ProfileRatePerSecond float64       `yaml:"profile_rate_per_second"` // Recompute pacing (default: 50)
	IndexInterval        time.Duration `yaml:"index_interval"`          // Index analysis period (default: 6h)
	RebuildMaxAttempts   int           `yaml:"rebuild_max_attempts"`    // Retries for a failed rebuild (default: 3)
	RebuildBackoff       time.Duration `yaml:"rebuild_backoff"`         // Base retry delay (default: 2s)
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or console (default: json)
	Caller bool   `yaml:"caller"` // Include file:line (default: false)
}

// MetricsConfig controls the worker's metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Serve /metrics (default: true)
	Addr    string `yaml:"addr"`    // Listen address (default: 127.0.0.1:9464)
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:          "sqlite",
			DSN:             "./data/reco.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     20,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Vectors: VectorConfig{Dimension: 128, ExtractFromAttributes: true},
		Index: IndexConfig{
			M:                   16,
			EfConstruction:      64,
			EfSearch:            100,
			RebuildRowThreshold: 1000,
			MutationFraction:    0.3,
			RecallTarget:        0.95,
			RecallSampleSize:    50,
		},
		Interactions: InteractionConfig{
			DedupWindow:        60 * time.Second,
			ColdStartThreshold: 5,
		},
		Profiles: ProfileConfig{
			MaxInteractions: 1000,
			StaleAfter:      time.Hour,
		},
		Trending: TrendingConfig{
			Window: 7 * 24 * time.Hour,
			TopN:   5,
		},
		Algorithms: AlgorithmConfig{
			SimilarityThreshold: 0.5,
			DefaultCount:        10,
			MaxCount:            100,
			NeighborsPerItem:    20,
			HistoryLimit:        50,
			KNeighbors:          50,
			MinUserSimilarity:   0.1,
			ContentWeight:       0.5,
			CollaborativeWeight: 0.5,
			MaxConcurrency:      8,
		},
		Cache: CacheConfig{
			Enabled:           true,
			RecommendationTTL: 5 * time.Minute,
			TrendingTTL:       time.Hour,
			LocalMaxEntries:   10000,
			KeyPrefix:         "reco",
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
			HalfOpenMax: 1,
		},
		Jobs: JobsConfig{
			ProfileInterval:      time.Hour,
			ProfileBatchSize:     500,
			ProfileRatePerSecond: 50,
			IndexInterval:        6 * time.Hour,
			RebuildMaxAttempts:   3,
			RebuildBackoff:       2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// All environment variables use the RECO_ prefix.
func LoadConfig() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads defaults, overlays the YAML file at path, then applies
// environment variables. Environment variables always win over the file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. It returns the first violation found.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported storage engine %q", c.Storage.Engine)
	}
	if c.Vectors.Dimension <= 0 {
		return errors.New("config: vectors.dimension must be positive")
	}
	if c.Index.M < 2 || c.Index.EfConstruction <= 0 || c.Index.EfSearch <= 0 {
		return errors.New("config: index m must be >= 2 and ef values positive")
	}
	if c.Algorithms.SimilarityThreshold < 0 || c.Algorithms.SimilarityThreshold > 1 {
		return fmt.Errorf("config: similarity_threshold %.3f out of range [0,1]", c.Algorithms.SimilarityThreshold)
	}
	if c.Algorithms.MinUserSimilarity < 0 || c.Algorithms.MinUserSimilarity > 1 {
		return fmt.Errorf("config: min_user_similarity %.3f out of range [0,1]", c.Algorithms.MinUserSimilarity)
	}
	if c.Algorithms.ContentWeight < 0 || c.Algorithms.CollaborativeWeight < 0 {
		return errors.New("config: hybrid weights must not be negative")
	}
	if c.Algorithms.ContentWeight+c.Algorithms.CollaborativeWeight == 0 {
		return errors.New("config: hybrid weights must not both be zero")
	}
	if c.Algorithms.DefaultCount <= 0 || c.Algorithms.MaxCount < c.Algorithms.DefaultCount {
		return errors.New("config: default_count must be positive and not exceed max_count")
	}
	if c.Cache.RecommendationTTL <= 0 || c.Cache.TrendingTTL <= 0 {
		return errors.New("config: cache TTLs must be positive")
	}
	if c.Interactions.DedupWindow < 0 {
		return errors.New("config: dedup_window must not be negative")
	}
	if c.Profiles.RecencyHalfLife < 0 {
		return errors.New("config: recency_half_life must not be negative")
	}
	if c.Trending.Window <= 0 || c.Trending.TopN <= 0 {
		return errors.New("config: trending window and top_n must be positive")
	}
	return nil
}

// applyEnv overrides cfg fields from RECO_* environment variables. Current
// field values act as defaults so a YAML overlay survives unset variables.
func applyEnv(c *Config) {
	c.Storage.Engine = getEnv("RECO_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DSN = getEnv("RECO_STORAGE_DSN", c.Storage.DSN)
	c.Storage.MaxOpenConns = getEnvInt("RECO_STORAGE_MAX_OPEN_CONNS", c.Storage.MaxOpenConns)
	c.Storage.MaxIdleConns = getEnvInt("RECO_STORAGE_MAX_IDLE_CONNS", c.Storage.MaxIdleConns)
	c.Storage.ConnMaxLifetime = getEnvDuration("RECO_STORAGE_CONN_MAX_LIFETIME", c.Storage.ConnMaxLifetime)

	c.Redis.Addr = getEnv("RECO_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("RECO_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("RECO_REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("RECO_REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Vectors.Dimension = getEnvInt("RECO_VECTOR_DIMENSION", c.Vectors.Dimension)
	c.Vectors.ExtractFromAttributes = getEnvBool("RECO_VECTOR_EXTRACT", c.Vectors.ExtractFromAttributes)

	c.Index.M = getEnvInt("RECO_INDEX_M", c.Index.M)
	c.Index.EfConstruction = getEnvInt("RECO_INDEX_EF_CONSTRUCTION", c.Index.EfConstruction)
	c.Index.EfSearch = getEnvInt("RECO_INDEX_EF_SEARCH", c.Index.EfSearch)
	c.Index.RebuildRowThreshold = getEnvInt("RECO_INDEX_REBUILD_ROW_THRESHOLD", c.Index.RebuildRowThreshold)

	c.Interactions.DedupWindow = getEnvDuration("RECO_DEDUP_WINDOW", c.Interactions.DedupWindow)
	c.Interactions.ColdStartThreshold = getEnvInt("RECO_COLD_START_THRESHOLD", c.Interactions.ColdStartThreshold)

	c.Profiles.RecencyHalfLife = getEnvDuration("RECO_PROFILE_RECENCY_HALF_LIFE", c.Profiles.RecencyHalfLife)

	c.Trending.Window = getEnvDuration("RECO_TRENDING_WINDOW", c.Trending.Window)
	c.Trending.TopN = getEnvInt("RECO_TRENDING_TOP_N", c.Trending.TopN)

	c.Algorithms.SimilarityThreshold = getEnvFloat("RECO_SIMILARITY_THRESHOLD", c.Algorithms.SimilarityThreshold)
	c.Algorithms.DefaultCount = getEnvInt("RECO_DEFAULT_COUNT", c.Algorithms.DefaultCount)
	c.Algorithms.KNeighbors = getEnvInt("RECO_K_NEIGHBORS", c.Algorithms.KNeighbors)
	c.Algorithms.MinUserSimilarity = getEnvFloat("RECO_MIN_USER_SIMILARITY", c.Algorithms.MinUserSimilarity)
	c.Algorithms.ContentWeight = getEnvFloat("RECO_CONTENT_WEIGHT", c.Algorithms.ContentWeight)
	c.Algorithms.CollaborativeWeight = getEnvFloat("RECO_COLLABORATIVE_WEIGHT", c.Algorithms.CollaborativeWeight)

	c.Cache.Enabled = getEnvBool("RECO_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.RecommendationTTL = getEnvDuration("RECO_CACHE_RECOMMENDATION_TTL", c.Cache.RecommendationTTL)
	c.Cache.TrendingTTL = getEnvDuration("RECO_CACHE_TRENDING_TTL", c.Cache.TrendingTTL)

	c.Jobs.ProfileInterval = getEnvDuration("RECO_JOBS_PROFILE_INTERVAL", c.Jobs.ProfileInterval)
	c.Jobs.IndexInterval = getEnvDuration("RECO_JOBS_INDEX_INTERVAL", c.Jobs.IndexInterval)

	c.Logging.Level = getEnv("RECO_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("RECO_LOG_FORMAT", c.Logging.Format)
	c.Logging.Caller = getEnvBool("RECO_LOG_CALLER", c.Logging.Caller)

	c.Metrics.Enabled = getEnvBool("RECO_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getEnv("RECO_METRICS_ADDR", c.Metrics.Addr)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration parses values such as "90s" or "5m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
