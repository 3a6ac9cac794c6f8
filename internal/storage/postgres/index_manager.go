package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/reco/internal/metrics"
	"github.com/scrypster/reco/internal/storage"
	"github.com/scrypster/reco/internal/vectorindex"
)

// tableDef names the vector column, key column and HNSW index of a table.
type tableDef struct {
	table  string
	column string
	key    string
	index  string
}

func indexDefFor(table storage.IndexTable) (tableDef, error) {
	switch table {
	case storage.TableEntities:
		return tableDef{table: "entities", column: "feature_vector", key: "entity_id", index: "idx_entities_hnsw"}, nil
	case storage.TableProfiles:
		return tableDef{table: "user_profiles", column: "preference_vector", key: "user_id", index: "idx_user_profiles_hnsw"}, nil
	default:
		return tableDef{}, fmt.Errorf("%w: unknown index table %q", storage.ErrInvalidInput, table)
	}
}

func (s *Store) createIndexSQL(def tableDef, name string, concurrently bool) string {
	mode := ""
	if concurrently {
		mode = "CONCURRENTLY "
	}
	return fmt.Sprintf(`CREATE INDEX %sIF NOT EXISTS %s ON %s USING hnsw (%s vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
		mode, name, def.table, s.castVector(def.column), s.opts.Index.M, s.opts.Index.EfConstruction)
}

// ensureIndex creates the table's HNSW index when it does not exist yet.
func (s *Store) ensureIndex(ctx context.Context, table storage.IndexTable) error {
	def, err := indexDefFor(table)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.createIndexSQL(def, def.index, false)); err != nil {
		return storage.WrapBackendError(fmt.Sprintf("postgres: create %s", def.index), err)
	}
	return nil
}

// RebuildIndex rebuilds the table's HNSW index. The index is shared by all
// tenants, so the rebuild covers the whole table; tenantID only selects the
// stats returned. The replacement is built concurrently and swapped in by
// rename so queries keep an index throughout.
func (s *Store) RebuildIndex(ctx context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.IndexStats{}, err
	}
	def, err := indexDefFor(table)
	if err != nil {
		return storage.IndexStats{}, err
	}

	started := time.Now()
	next := def.index + "_next"
	for _, stmt := range []string{
		`DROP INDEX CONCURRENTLY IF EXISTS ` + next,
		s.createIndexSQL(def, next, true),
		`DROP INDEX CONCURRENTLY IF EXISTS ` + def.index,
		`ALTER INDEX ` + next + ` RENAME TO ` + def.index,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.IndexStats{}, storage.WrapBackendError("postgres: rebuild index", err)
		}
	}
	elapsed := time.Since(started)

	s.mu.Lock()
	for k := range s.mutations {
		if k.table == table {
			delete(s.mutations, k)
		}
	}
	s.builds[table] = buildInfo{at: s.now().UTC(), duration: elapsed}
	s.mu.Unlock()

	st, err := s.GetIndexStats(ctx, table, tenantID)
	if err != nil {
		return storage.IndexStats{}, err
	}
	metrics.ObserveRebuild(string(table), st.Nodes, elapsed)
	s.logger.Info().
		Str("table", string(table)).
		Str("index", def.index).
		Dur("duration", elapsed).
		Msg("index rebuilt")
	return st, nil
}

// GetIndexStats reports the tenant's vector count together with the
// table-wide index size and build information.
func (s *Store) GetIndexStats(ctx context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	if err := storage.ValidateTenant(tenantID); err != nil {
		return storage.IndexStats{}, err
	}
	def, err := indexDefFor(table)
	if err != nil {
		return storage.IndexStats{}, err
	}

	st := storage.IndexStats{
		Table:          table,
		TenantID:       tenantID,
		M:              s.opts.Index.M,
		EfConstruction: s.opts.Index.EfConstruction,
	}

	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND %s IS NOT NULL
	`, def.table, def.column), tenantID).Scan(&st.Nodes)
	if err != nil {
		return storage.IndexStats{}, storage.WrapBackendError("postgres: index stats", err)
	}

	var size sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT pg_relation_size(c.oid) FROM pg_class c WHERE c.relname = $1 AND c.relkind = 'i'
	`, def.index).Scan(&size)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storage.IndexStats{}, storage.WrapBackendError("postgres: index size", err)
	}
	st.SizeBytes = size.Int64

	s.mu.Lock()
	st.MutationsSinceRebuild = s.mutations[mutationKey{table: table, tenant: tenantID}]
	if b, ok := s.builds[table]; ok {
		st.LastBuiltAt = b.at
		st.BuildDuration = b.duration
	}
	s.mu.Unlock()
	return st, nil
}

// AnalyzeIndexPerformance samples stored vectors of the tenant, compares the
// index-ordered top-k against an exact scan and reports the recall.
func (s *Store) AnalyzeIndexPerformance(ctx context.Context, table storage.IndexTable, tenantID string) (storage.IndexAnalysis, error) {
	st, err := s.GetIndexStats(ctx, table, tenantID)
	if err != nil {
		return storage.IndexAnalysis{}, err
	}
	def, _ := indexDefFor(table)

	opts := s.opts.AnalyzeOptions()
	opts.Normalize()

	out := storage.IndexAnalysis{Stats: st, Recall: 1}
	if st.Nodes == 0 {
		out.Recommendations = []string{"index empty: nothing to analyze"}
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s::text FROM %s
		WHERE tenant_id = $1 AND %s IS NOT NULL
		ORDER BY md5(%s)
		LIMIT $2
	`, def.column, def.table, def.column, def.key), tenantID, opts.SampleSize)
	if err != nil {
		return out, storage.WrapBackendError("postgres: sample vectors", err)
	}
	var samples []sql.NullString
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return out, storage.WrapBackendError("postgres: sample vectors", err)
		}
		samples = append(samples, raw)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return out, storage.WrapBackendError("postgres: sample vectors", err)
	}

	var hits, expected int
	for _, raw := range samples {
		q, err := parseVector(raw)
		if err != nil {
			return out, storage.WrapBackendError("postgres: sample vectors", err)
		}
		exact, err := s.topKeys(ctx, def, tenantID, q, opts.K, true)
		if err != nil {
			return out, err
		}
		approx, err := s.topKeys(ctx, def, tenantID, q, opts.K, false)
		if err != nil {
			return out, err
		}

		found := make(map[string]bool, len(approx))
		for _, k := range approx {
			found[k] = true
		}
		for _, k := range exact {
			if found[k] {
				hits++
			}
		}
		expected += len(exact)
		out.SampledQueries++
	}
	if expected > 0 {
		out.Recall = float64(hits) / float64(expected)
	}

	out.RebuildAdvised, out.Recommendations = vectorindex.Advise(out.Recall, st.MutationsSinceRebuild, st.Nodes, opts)
	return out, nil
}

// topKeys returns the k nearest keys to q. With exact set, index scans are
// disabled for the transaction so the planner falls back to a full scan.
func (s *Store) topKeys(ctx context.Context, def tableDef, tenantID string, q []float32, k int, exact bool) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storage.WrapBackendError("postgres: analyze", err)
	}
	defer func() { _ = tx.Rollback() }()

	settings := []string{fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, s.opts.Index.EfSearch)}
	if exact {
		settings = []string{`SET LOCAL enable_indexscan = off`, `SET LOCAL enable_bitmapscan = off`}
	}
	for _, stmt := range settings {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, storage.WrapBackendError("postgres: analyze", err)
		}
	}

	col := s.castVector(def.column)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND %s IS NOT NULL
		ORDER BY %s <=> $2::vector
		LIMIT $3
	`, def.key, def.table, def.column, col), tenantID, toVector(q), k)
	if err != nil {
		return nil, storage.WrapBackendError("postgres: analyze", err)
	}
	return scanStrings(rows)
}
