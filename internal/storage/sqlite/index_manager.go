package sqlite

import (
	"context"
	"time"

	"github.com/scrypster/reco/internal/metrics"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/vectorindex"
)

// RebuildIndex reloads every vector of table for tenant and replaces the
// tenant graph in one swap.
func (s *Store) RebuildIndex(ctx context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.IndexStats{}, err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()
	return s.rebuildLocked(ctx, table, tenantID)
}

func (s *Store) rebuildLocked(ctx context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	ix, err := s.index(table)
	if err != nil {
		return storage.IndexStats{}, err
	}

	items, err := s.loadItems(ctx, table, tenantID)
	if err != nil {
		return storage.IndexStats{}, err
	}

	started := time.Now()
	if _, err := ix.Rebuild(ctx, tenantID, items); err != nil {
		return storage.IndexStats{}, storage.WrapBackendError("sqlite: rebuild index", mapIndexError(err))
	}
	metrics.ObserveRebuild(string(table), len(items), time.Since(started))

	s.logger.Debug().
		Str("table", string(table)).
		Str("tenant_id", tenantID).
		Int("nodes", len(items)).
		Dur("duration", time.Since(started)).
		Msg("index rebuilt")

	return toIndexStats(table, ix.Stats(tenantID)), nil
}

func (s *Store) loadItems(ctx context.Context, table storage.IndexTable, tenantID string) ([]vectorindex.Item, error) {
	query := `
		SELECT entity_type, entity_id, feature_vector FROM entities
		WHERE tenant_id = ? AND feature_vector IS NOT NULL`
	if table == storage.TableProfiles {
		query = `
		SELECT '', user_id, preference_vector FROM user_profiles
		WHERE tenant_id = ?`
	}

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, storage.WrapBackendError("sqlite: load vectors", err)
	}
	defer rows.Close()

	var items []vectorindex.Item
	for rows.Next() {
		var it vectorindex.Item
		var blob []byte
		if err := rows.Scan(&it.Type, &it.ID, &blob); err != nil {
			return nil, storage.WrapBackendError("sqlite: scan vector", err)
		}
		if it.Vector, err = decodeVector(blob); err != nil {
			return nil, storage.WrapBackendError("sqlite: decode vector", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackendError("sqlite: load vectors", err)
	}
	return items, nil
}

// GetIndexStats reports the tenant graph statistics.
func (s *Store) GetIndexStats(_ context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.IndexStats{}, err
	}
	ix, err := s.index(table)
	if err != nil {
		return storage.IndexStats{}, err
	}
	return toIndexStats(table, ix.Stats(tenantID)), nil
}

// AnalyzeIndexPerformance samples recall and mutation volume for the tenant graph.
func (s *Store) AnalyzeIndexPerformance(ctx context.Context, table storage.IndexTable, tenantID string) (storage.IndexAnalysis, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.IndexAnalysis{}, err
	}
	ix, err := s.index(table)
	if err != nil {
		return storage.IndexAnalysis{}, err
	}

	a, err := ix.Analyze(ctx, tenantID, s.opts.AnalyzeOptions())
	if err != nil {
		return storage.IndexAnalysis{}, storage.WrapBackendError("sqlite: analyze index", err)
	}
	return storage.IndexAnalysis{
		Stats:           toIndexStats(table, a.Stats),
		SampledQueries:  a.SampledQueries,
		Recall:          a.Recall,
		RebuildAdvised:  a.RebuildAdvised,
		Recommendations: a.Recommendations,
	}, nil
}

func toIndexStats(table storage.IndexTable, st vectorindex.Stats) storage.IndexStats {
	return storage.IndexStats{
		Table:                 table,
		TenantID:              st.TenantID,
		Nodes:                 st.Nodes,
		Levels:                st.Levels,
		M:                     st.M,
		EfConstruction:        st.EfConstruction,
		BuildDuration:         st.BuildDuration,
		LastBuiltAt:           st.LastBuiltAt,
		MutationsSinceRebuild: st.MutationsSinceRebuild,
	}
}
