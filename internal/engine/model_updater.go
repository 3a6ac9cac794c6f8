package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
)

// staleUserLister finds users whose preference vector needs recomputing.
type staleUserLister interface {
	ListTenants(ctx context.Context) ([]string, error)
	ListStaleUsers(ctx context.Context, tenantID string, staleBefore time.Time, limit int) ([]string, error)
}

// UpdateResult summarises one model update pass.
type UpdateResult struct {
	Tenants   int           `json:"tenants"`
	Updated   int           `json:"updated"`
	ColdStart int           `json:"cold_start"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// ModelUpdater periodically recomputes stale user preference vectors so the
// collaborative engine sees recent behaviour.
type ModelUpdater struct {
	store      staleUserLister
	profiles   *ProfileComputer
	cache      *cache.ResultCache
	limiter    *rate.Limiter
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewModelUpdater creates a ModelUpdater. Recomputations are paced at
// jobs.ProfileRatePerSecond; a non-positive rate disables pacing.
func NewModelUpdater(store staleUserLister, profiles *ProfileComputer, rc *cache.ResultCache, jobs config.JobsConfig, prof config.ProfileConfig, logger zerolog.Logger, clock func() time.Time) *ModelUpdater {
	if clock == nil {
		clock = time.Now
	}
	if jobs.ProfileInterval <= 0 {
		jobs.ProfileInterval = time.Hour
	}
	if jobs.ProfileBatchSize <= 0 {
		jobs.ProfileBatchSize = 500
	}
	limit := rate.Inf
	if jobs.ProfileRatePerSecond > 0 {
		limit = rate.Limit(jobs.ProfileRatePerSecond)
	}
	return &ModelUpdater{
		store:      store,
		profiles:   profiles,
		cache:      rc,
		limiter:    rate.NewLimiter(limit, 1),
		interval:   jobs.ProfileInterval,
		batchSize:  jobs.ProfileBatchSize,
		staleAfter: prof.StaleAfter,
		now:        clock,
		logger:     logger.With().Str("component", "model_updater").Logger(),
	}
}

// RunOnce recomputes the stale profiles of every tenant. Per-user failures are
// logged and counted; only a failure to list tenants aborts the pass.
func (u *ModelUpdater) RunOnce(ctx context.Context) (UpdateResult, error) {
	started := time.Now()
	var res UpdateResult

	tenants, err := u.store.ListTenants(ctx)
	if err != nil {
		return res, fmt.Errorf("list tenants: %w", err)
	}
	res.Tenants = len(tenants)

	staleBefore := u.now().Add(-u.staleAfter)
	for _, tenantID := range tenants {
		users, err := u.store.ListStaleUsers(ctx, tenantID, staleBefore, u.batchSize)
		if err != nil {
			u.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to list stale users")
			res.Failed++
			continue
		}
		for _, userID := range users {
			if err := u.limiter.Wait(ctx); err != nil {
				res.Duration = time.Since(started)
				return res, err
			}
			_, err := u.profiles.RefreshUserProfile(ctx, tenantID, userID)
			switch {
			case errors.Is(err, storage.ErrColdStart):
				res.ColdStart++
			case err != nil:
				res.Failed++
				u.logger.Warn().Err(err).
					Str("tenant_id", tenantID).
					Str("user_id", userID).
					Msg("failed to refresh profile")
			default:
				res.Updated++
				if u.cache != nil {
					u.cache.InvalidateUser(ctx, tenantID, userID)
				}
			}
		}
	}

	res.Duration = time.Since(started)
	u.logger.Info().
		Int("tenants", res.Tenants).
		Int("updated", res.Updated).
		Int("cold_start", res.ColdStart).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("model update completed")
	return res, nil
}

// Start runs RunOnce immediately and then at the configured interval until
// ctx is cancelled or Stop is called.
func (u *ModelUpdater) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return fmt.Errorf("model updater is already running")
	}
	stop := make(chan struct{})
	u.stopCh = stop
	u.running = true
	u.mu.Unlock()
	defer u.finish(stop)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.logger.Info().Dur("interval", u.interval).Msg("model updater started")
	for {
		if _, err := u.RunOnce(ctx); err != nil && ctx.Err() == nil {
			u.logger.Error().Err(err).Msg("model update failed")
		}

		select {
		case <-ctx.Done():
			u.logger.Info().Msg("model updater stopping (context cancelled)")
			return ctx.Err()
		case <-stop:
			u.logger.Info().Msg("model updater stopping (stop requested)")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends a running Start loop.
func (u *ModelUpdater) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running {
		return fmt.Errorf("model updater is not running")
	}
	close(u.stopCh)
	u.stopCh = nil
	u.running = false
	return nil
}

// finish clears the running state of the loop owning stop, unless Stop
// already did and a new loop may have started since.
func (u *ModelUpdater) finish(stop chan struct{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopCh == stop {
		u.stopCh = nil
		u.running = false
	}
}
