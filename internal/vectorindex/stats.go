package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Stats describes one tenant graph.
type Stats struct {
	Table                 string        `json:"table"`
	TenantID              string        `json:"tenant_id"`
	Nodes                 int           `json:"nodes"`
	Levels                int           `json:"levels"`
	M                     int           `json:"m"`
	EfConstruction        int           `json:"ef_construction"`
	EfSearch              int           `json:"ef_search"`
	BuildDuration         time.Duration `json:"build_duration"`
	LastBuiltAt           time.Time     `json:"last_built_at"`
	MutationsSinceRebuild int           `json:"mutations_since_rebuild"`
}

// Stats returns graph statistics for tenant. A tenant without a graph
// reports zero nodes.
func (ix *Index) Stats(tenant string) Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.statsLocked(tenant)
}

func (ix *Index) statsLocked(tenant string) Stats {
	st := Stats{
		Table:          ix.name,
		TenantID:       tenant,
		M:              ix.config.M,
		EfConstruction: ix.config.EfConstruction,
		EfSearch:       ix.config.EfSearch,
	}
	g, ok := ix.graphs[tenant]
	if !ok {
		return st
	}
	st.Nodes = len(g.nodes)
	if st.Nodes > 0 {
		st.Levels = g.maxLevel + 1
	}
	st.BuildDuration = g.buildDuration
	st.LastBuiltAt = g.builtAt
	st.MutationsSinceRebuild = g.mutations
	return st
}

// AnalyzeOptions controls index analysis.
type AnalyzeOptions struct {
	SampleSize       int     // Queries sampled for recall (default: 50)
	K                int     // Neighbours compared per query (default: 10)
	RecallTarget     float64 // Recall below this advises a rebuild (default: 0.95)
	MutationFraction float64 // Mutations/nodes above this advises a rebuild (default: 0.3)
}

// Normalize fills unset fields with defaults.
func (o *AnalyzeOptions) Normalize() {
	if o.SampleSize <= 0 {
		o.SampleSize = 50
	}
	if o.K <= 0 {
		o.K = 10
	}
	if o.RecallTarget <= 0 {
		o.RecallTarget = 0.95
	}
	if o.MutationFraction <= 0 {
		o.MutationFraction = 0.3
	}
}

// Analysis is the outcome of AnalyzeIndexPerformance.
type Analysis struct {
	Stats           Stats    `json:"stats"`
	SampledQueries  int      `json:"sampled_queries"`
	Recall          float64  `json:"recall"`
	RebuildAdvised  bool     `json:"rebuild_advised"`
	Recommendations []string `json:"recommendations"`
}

// Analyze samples stored vectors as queries, compares graph traversal
// against an exact scan, and reports whether a rebuild is advised.
func (ix *Index) Analyze(ctx context.Context, tenant string, opts AnalyzeOptions) (Analysis, error) {
	opts.Normalize()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := Analysis{Stats: ix.statsLocked(tenant), Recall: 1}

	g, ok := ix.graphs[tenant]
	if !ok || len(g.nodes) == 0 {
		out.Recommendations = []string{"index empty: nothing to analyze"}
		return out, nil
	}

	keys := make([]string, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stride := len(keys) / opts.SampleSize
	if stride < 1 {
		stride = 1
	}

	var hits, expected int
	for i := 0; i < len(keys) && out.SampledQueries < opts.SampleSize; i += stride {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		q := g.nodes[keys[i]].vector

		exact := exactTopK(g, q, opts.K)
		approx := ix.searchGraph(g, q, max(ix.config.EfSearch, opts.K))
		if len(approx) > opts.K {
			approx = approx[:opts.K]
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

	out.RebuildAdvised, out.Recommendations = Advise(out.Recall, g.mutations, len(g.nodes), opts)
	return out, nil
}

// Advise turns a measured recall and mutation count into a rebuild verdict
// and human-readable recommendations. Backends that measure recall on their
// own (postgres) share the verdict rules through it.
func Advise(recall float64, mutations, nodes int, opts AnalyzeOptions) (bool, []string) {
	opts.Normalize()

	var (
		advised bool
		recs    []string
	)
	if recall < opts.RecallTarget {
		advised = true
		recs = append(recs, fmt.Sprintf("rebuild advised: sampled recall %.3f below target %.3f", recall, opts.RecallTarget))
	}
	if nodes > 0 {
		if frac := float64(mutations) / float64(nodes); frac > opts.MutationFraction {
			advised = true
			recs = append(recs, fmt.Sprintf("rebuild advised: %d mutations since last rebuild exceed %.0f%% of %d nodes",
				mutations, opts.MutationFraction*100, nodes))
		}
	}
	if !advised {
		recs = append(recs, "index healthy")
	}
	return advised, recs
}

func exactTopK(g *graph, q []float32, k int) []string {
	type scored struct {
		key string
		sim float64
	}
	all := make([]scored, 0, len(g.nodes))
	for key, n := range g.nodes {
		all = append(all, scored{key: key, sim: dot(q, n.vector)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].sim != all[j].sim {
			return all[i].sim > all[j].sim
		}
		return all[i].key < all[j].key
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.key
	}
	return out
}
