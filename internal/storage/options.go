package storage

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/vectorindex"
)

// Options configures a backend. Both backends accept the same options so
// they can be swapped without touching callers.
type Options struct {
	Dimension           int                // Fixed vector length
	DedupWindow         time.Duration      // Interaction duplicate window; 0 disables dedup
	Index               vectorindex.Config // HNSW parameters
	RebuildRowThreshold int                // Batch vector rows above which the tenant index is rebuilt
	RecallTarget        float64            // Analysis recall target
	RecallSampleSize    int                // Analysis sample size
	MutationFraction    float64            // Analysis mutation ratio limit
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	Logger              zerolog.Logger
	Clock               func() time.Time // Defaults to time.Now
}

// OptionsFromConfig maps application configuration onto backend options.
func OptionsFromConfig(cfg *config.Config, logger zerolog.Logger) Options {
	return Options{
		Dimension:   cfg.Vectors.Dimension,
		DedupWindow: cfg.Interactions.DedupWindow,
		Index: vectorindex.Config{
			M:              cfg.Index.M,
			EfConstruction: cfg.Index.EfConstruction,
			EfSearch:       cfg.Index.EfSearch,
		},
		RebuildRowThreshold: cfg.Index.RebuildRowThreshold,
		RecallTarget:        cfg.Index.RecallTarget,
		RecallSampleSize:    cfg.Index.RecallSampleSize,
		MutationFraction:    cfg.Index.MutationFraction,
		MaxOpenConns:        cfg.Storage.MaxOpenConns,
		MaxIdleConns:        cfg.Storage.MaxIdleConns,
		ConnMaxLifetime:     cfg.Storage.ConnMaxLifetime,
		Logger:              logger,
	}
}

// Normalize fills unset fields with defaults.
func (o *Options) Normalize() {
	if o.Dimension <= 0 {
		o.Dimension = 128
	}
	def := vectorindex.DefaultConfig()
	if o.Index.M <= 0 {
		o.Index.M = def.M
	}
	if o.Index.EfConstruction <= 0 {
		o.Index.EfConstruction = def.EfConstruction
	}
	if o.Index.EfSearch <= 0 {
		o.Index.EfSearch = def.EfSearch
	}
	if o.RebuildRowThreshold <= 0 {
		o.RebuildRowThreshold = 1000
	}
	if o.RecallTarget <= 0 {
		o.RecallTarget = 0.95
	}
	if o.RecallSampleSize <= 0 {
		o.RecallSampleSize = 50
	}
	if o.MutationFraction <= 0 {
		o.MutationFraction = 0.3
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 25
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// AnalyzeOptions converts the analysis fields for the in-process index.
func (o Options) AnalyzeOptions() vectorindex.AnalyzeOptions {
	return vectorindex.AnalyzeOptions{
		SampleSize:       o.RecallSampleSize,
		RecallTarget:     o.RecallTarget,
		MutationFraction: o.MutationFraction,
	}
}
