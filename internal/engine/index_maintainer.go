package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
)

// maintainedStore is the part of the backend the IndexMaintainer drives.
type maintainedStore interface {
	storage.IndexManager
	ListTenants(ctx context.Context) ([]string, error)
}

// MaintenanceReport is the outcome of one IndexMaintainer pass.
type MaintenanceReport struct {
	Analyzed int                     `json:"analyzed"`
	Rebuilt  int                     `json:"rebuilt"`
	Failed   int                     `json:"failed"`
	Analyses []storage.IndexAnalysis `json:"analyses"`
}

// IndexMaintainer analyzes the similarity indices of every tenant and
// rebuilds those whose recall or mutation volume crossed its limit.
type IndexMaintainer struct {
	store       maintainedStore
	interval    time.Duration
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewIndexMaintainer creates an IndexMaintainer.
func NewIndexMaintainer(store maintainedStore, jobs config.JobsConfig, logger zerolog.Logger) *IndexMaintainer {
	if jobs.IndexInterval <= 0 {
		jobs.IndexInterval = 6 * time.Hour
	}
	if jobs.RebuildMaxAttempts <= 0 {
		jobs.RebuildMaxAttempts = 3
	}
	if jobs.RebuildBackoff <= 0 {
		jobs.RebuildBackoff = 2 * time.Second
	}
	return &IndexMaintainer{
		store:       store,
		interval:    jobs.IndexInterval,
		maxAttempts: jobs.RebuildMaxAttempts,
		backoff:     jobs.RebuildBackoff,
		sleep:       sleepContext,
		logger:      logger.With().Str("component", "index_maintainer").Logger(),
	}
}

// RunOnce analyzes both index tables of every tenant. Failures are logged
// and counted; the pass always visits every tenant.
func (m *IndexMaintainer) RunOnce(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		return report, fmt.Errorf("list tenants: %w", err)
	}

	for _, tenantID := range tenants {
		for _, table := range []storage.IndexTable{storage.TableEntities, storage.TableProfiles} {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			log := m.logger.With().Str("tenant_id", tenantID).Str("table", string(table)).Logger()

			analysis, err := m.store.AnalyzeIndexPerformance(ctx, table, tenantID)
			if err != nil {
				report.Failed++
				log.Error().Err(err).Msg("index analysis failed")
				continue
			}
			report.Analyzed++
			report.Analyses = append(report.Analyses, analysis)
			if !analysis.RebuildAdvised {
				continue
			}

			log.Info().
				Float64("recall", analysis.Recall).
				Int("mutations", analysis.Stats.MutationsSinceRebuild).
				Strs("recommendations", analysis.Recommendations).
				Msg("rebuilding index")
			if _, err := m.Rebuild(ctx, table, tenantID); err != nil {
				report.Failed++
				log.Error().Err(err).Msg("index rebuild failed")
				continue
			}
			report.Rebuilt++
		}
	}
	return report, nil
}

// Rebuild rebuilds one index, retrying retryable failures with exponential
// backoff up to the configured number of attempts.
func (m *IndexMaintainer) Rebuild(ctx context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	delay := m.backoff
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		stats, err := m.store.RebuildIndex(ctx, table, tenantID)
		if err == nil {
			m.logger.Info().
				Str("tenant_id", tenantID).
				Str("table", string(table)).
				Int("nodes", stats.Nodes).
				Dur("build_duration", stats.BuildDuration).
				Int("attempt", attempt).
				Msg("index rebuilt")
			return stats, nil
		}
		lastErr = err
		if !storage.IsRetryable(err) || attempt == m.maxAttempts {
			break
		}

		m.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("table", string(table)).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("index rebuild failed, retrying")
		if err := m.sleep(ctx, delay); err != nil {
			return storage.IndexStats{}, err
		}
		delay *= 2
	}
	return storage.IndexStats{}, lastErr
}

// Start runs RunOnce at the configured interval until ctx is cancelled or
// Stop is called. The first pass runs after one interval.
func (m *IndexMaintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("index maintainer is already running")
	}
	stop := make(chan struct{})
	m.stopCh = stop
	m.running = true
	m.mu.Unlock()
	defer m.finish(stop)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("index maintainer started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("index maintainer stopping (context cancelled)")
			return ctx.Err()
		case <-stop:
			m.logger.Info().Msg("index maintainer stopping (stop requested)")
			return nil
		case <-ticker.C:
			report, err := m.RunOnce(ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("index maintenance failed")
				continue
			}
			m.logger.Info().
				Int("analyzed", report.Analyzed).
				Int("rebuilt", report.Rebuilt).
				Int("failed", report.Failed).
				Msg("index maintenance completed")
		}
	}
}

// Stop ends a running Start loop.
func (m *IndexMaintainer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("index maintainer is not running")
	}
	close(m.stopCh)
	m.stopCh = nil
	m.running = false
	return nil
}

// finish clears the running state of the loop owning stop, unless Stop
// already did and a new loop may have started since.
func (m *IndexMaintainer) finish(stop chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh == stop {
		m.stopCh = nil
		m.running = false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
