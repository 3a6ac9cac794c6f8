// Package trending tracks per-entity popularity over a tumbling window.
//
// Windows are aligned to the Unix epoch: with the default 7-day window every
// tenant's window starts at the same instant, so a stat is reset the first
// time it is touched after the boundary. Popularity is only read by the
// cold-start path of the engines.
package trending

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/pkg/types"
)

// Ranked is a trending stat with its popularity relative to the window's
// most interacted entity, in (0, 1].
type Ranked struct {
	types.TrendingStat
	Popularity float64 `json:"popularity"`
}

// Tracker records interactions into the current window and serves the
// ranked top list.
type Tracker struct {
	store  storage.TrendingStore
	cache  *cache.ResultCache
	window time.Duration
	topN   int
	now    func() time.Time
	logger zerolog.Logger
}

// NewTracker creates a Tracker. rc may be nil to disable caching; clock
// defaults to time.Now.
func NewTracker(store storage.TrendingStore, rc *cache.ResultCache, cfg config.TrendingConfig, logger zerolog.Logger, clock func() time.Time) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		store:  store,
		cache:  rc,
		window: cfg.Window,
		topN:   cfg.TopN,
		now:    clock,
		logger: logger.With().Str("component", "trending").Logger(),
	}
}

// WindowStart returns the start of the window containing at.
func (t *Tracker) WindowStart(at time.Time) time.Time {
	ns := at.UnixNano()
	w := t.window.Nanoseconds()
	off := ns % w
	if off < 0 {
		off += w
	}
	return time.Unix(0, ns-off).UTC()
}

// DefaultTopN is the number of entities the cold-start path asks for.
func (t *Tracker) DefaultTopN() int {
	return t.topN
}

// RecordInteraction counts one interaction of the given weight. Interactions
// that happened before the current window are ignored.
func (t *Tracker) RecordInteraction(ctx context.Context, tenantID, entityType, entityID string, weight float64, at time.Time) error {
	current := t.WindowStart(t.now())
	if !at.IsZero() && t.WindowStart(at).Before(current) {
		t.logger.Debug().
			Str("tenant_id", tenantID).
			Str("entity_id", entityID).
			Time("at", at).
			Msg("interaction predates trending window, not counted")
		return nil
	}
	return t.store.IncrementTrending(ctx, tenantID, entityType, entityID, weight, current)
}

// TopTrending returns up to n entities of the current window ordered by
// interaction count, then score, then entity id. An empty entityType covers
// all types. Lists are cached for the trending TTL, never beyond the end of
// the window.
func (t *Tracker) TopTrending(ctx context.Context, tenantID, entityType string, n int) ([]Ranked, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = t.topN
	}

	var key string
	if t.cache != nil {
		key = t.cache.TrendingKey(tenantID, entityType, n)
		var cached []Ranked
		if t.cache.GetJSON(ctx, key, &cached) {
			return cached, nil
		}
	}

	now := t.now()
	start := t.WindowStart(now)
	stats, err := t.store.TopTrending(ctx, tenantID, entityType, start, n)
	if err != nil {
		return nil, err
	}
	ranked := Rank(stats)

	if t.cache != nil {
		ttl := t.cache.TrendingTTL()
		if remaining := start.Add(t.window).Sub(now); remaining < ttl {
			ttl = remaining
		}
		t.cache.SetJSON(ctx, key, ranked, ttl)
	}
	return ranked, nil
}

// Rank attaches popularity to stats already ordered by count descending.
func Rank(stats []types.TrendingStat) []Ranked {
	out := make([]Ranked, 0, len(stats))
	var top int64
	for _, s := range stats {
		if s.InteractionCount > top {
			top = s.InteractionCount
		}
	}
	for _, s := range stats {
		r := Ranked{TrendingStat: s}
		if top > 0 {
			r.Popularity = float64(s.InteractionCount) / float64(top)
		}
		out = append(out, r)
	}
	return out
}
