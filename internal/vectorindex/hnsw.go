// Package vectorindex provides an in-process HNSW index for approximate
// nearest neighbour search over fixed-dimension vectors.
//
// One Index serves one vector-bearing table. Each tenant gets its own graph
// inside the Index, so a query can never reach another tenant's vectors.
// All mutations take the index write lock; searches take the read lock and
// therefore always see the last committed graph.
package vectorindex

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidVector is returned for zero, NaN or infinite vectors.
	ErrInvalidVector = errors.New("invalid vector")
)

// Config contains the HNSW graph parameters.
type Config struct {
	M               int     // Max connections per node per layer (default: 16)
	EfConstruction  int     // Candidate list size during construction (default: 64)
	EfSearch        int     // Candidate list size during search (default: 100)
	LevelMultiplier float64 // 1/ln(M)
	Seed            int64   // Level generator seed; 0 uses the current time
}

// DefaultConfig returns the default graph parameters.
func DefaultConfig() Config {
	return Config{
		M:               16,
		EfConstruction:  64,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

// Item is one vector to be indexed. Type is an optional partition label used
// for filtered queries (the entity type for entity indices).
type Item struct {
	ID     string
	Type   string
	Vector []float32
}

// Result is one search hit. Similarity is cosine similarity in [-1, 1].
type Result struct {
	ID         string
	Type       string
	Similarity float64
}

// SearchOptions narrows a query. Zero values mean "no constraint" except K,
// which defaults to 10.
type SearchOptions struct {
	K         int
	Threshold float64
	Type      string

	// ExcludeID and ExcludeType name the item never returned. An empty
	// ExcludeType excludes ExcludeID under every type.
	ExcludeID   string
	ExcludeType string
}

type node struct {
	key       string
	id        string
	typ       string
	vector    []float32
	level     int
	neighbors [][]string
}

// graph is a single tenant's HNSW graph. Callers hold the owning Index lock.
type graph struct {
	nodes         map[string]*node
	entryPoint    string
	maxLevel      int
	builtAt       time.Time
	buildDuration time.Duration
	mutations     int
}

func newGraph() *graph {
	return &graph{nodes: make(map[string]*node)}
}

// Index is a set of per-tenant HNSW graphs over one table.
type Index struct {
	name      string
	dimension int
	config    Config

	mu     sync.RWMutex
	graphs map[string]*graph
	rng    *rand.Rand
}

// New creates an empty index for vectors of the given dimension.
func New(name string, dimension int, config Config) *Index {
	defaults := DefaultConfig()
	if config.M < 2 {
		config.M = defaults.M
	}
	if config.EfConstruction <= 0 {
		config.EfConstruction = defaults.EfConstruction
	}
	if config.EfSearch <= 0 {
		config.EfSearch = defaults.EfSearch
	}
	config.LevelMultiplier = 1.0 / math.Log(float64(config.M))

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Index{
		name:      name,
		dimension: dimension,
		config:    config,
		graphs:    make(map[string]*graph),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Name returns the table name this index serves.
func (ix *Index) Name() string { return ix.name }

// Dimension returns the vector length accepted by the index.
func (ix *Index) Dimension() int { return ix.dimension }

func nodeKey(typ, id string) string {
	if typ == "" {
		return id
	}
	return typ + "\x00" + id
}

func (ix *Index) checkVector(v []float32) error {
	if len(v) != ix.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), ix.dimension)
	}
	var norm float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		norm += f * f
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero vector", ErrInvalidVector)
	}
	return nil
}

// Insert adds or replaces a vector for tenant.
func (ix *Index) Insert(tenant string, item Item) error {
	if err := ix.checkVector(item.Vector); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := ix.graphFor(tenant)
	key := nodeKey(item.Type, item.ID)
	if _, exists := g.nodes[key]; exists {
		ix.remove(g, key)
	}
	ix.add(g, item)
	g.mutations++
	return nil
}

// Update replaces the vector for an existing id. It behaves like Insert when
// the id is absent.
func (ix *Index) Update(tenant string, item Item) error {
	return ix.Insert(tenant, item)
}

// Delete removes a vector. Deleting an absent id is a no-op.
func (ix *Index) Delete(tenant, typ, id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	g, ok := ix.graphs[tenant]
	if !ok {
		return
	}
	key := nodeKey(typ, id)
	if _, exists := g.nodes[key]; !exists {
		return
	}
	ix.remove(g, key)
	g.mutations++
}

// Apply performs a batch of upserts and deletes under one lock acquisition.
func (ix *Index) Apply(tenant string, upserts []Item, deletes []Item) error {
	for _, it := range upserts {
		if err := ix.checkVector(it.Vector); err != nil {
			return fmt.Errorf("item %s: %w", it.ID, err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := ix.graphFor(tenant)
	for _, it := range deletes {
		key := nodeKey(it.Type, it.ID)
		if _, exists := g.nodes[key]; exists {
			ix.remove(g, key)
			g.mutations++
		}
	}
	for _, it := range upserts {
		key := nodeKey(it.Type, it.ID)
		if _, exists := g.nodes[key]; exists {
			ix.remove(g, key)
		}
		ix.add(g, it)
		g.mutations++
	}
	return nil
}

// Rebuild replaces tenant's graph with a fresh one built from items. The new
// graph is constructed without holding the lock and swapped in atomically.
func (ix *Index) Rebuild(ctx context.Context, tenant string, items []Item) (time.Duration, error) {
	for _, it := range items {
		if err := ix.checkVector(it.Vector); err != nil {
			return 0, fmt.Errorf("item %s: %w", it.ID, err)
		}
	}

	ix.mu.Lock()
	seed := ix.rng.Int63()
	ix.mu.Unlock()

	started := time.Now()
	builder := &Index{
		name:      ix.name,
		dimension: ix.dimension,
		config:    ix.config,
		rng:       rand.New(rand.NewSource(seed)),
	}
	g := newGraph()
	for i, it := range items {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if _, dup := g.nodes[nodeKey(it.Type, it.ID)]; dup {
			builder.remove(g, nodeKey(it.Type, it.ID))
		}
		builder.add(g, it)
	}
	g.buildDuration = time.Since(started)
	g.builtAt = time.Now()

	ix.mu.Lock()
	ix.graphs[tenant] = g
	ix.mu.Unlock()

	return g.buildDuration, nil
}

// DropTenant discards a tenant's graph.
func (ix *Index) DropTenant(tenant string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.graphs, tenant)
}

// Tenants lists tenants that currently have a graph.
func (ix *Index) Tenants() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.graphs))
	for t := range ix.graphs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of vectors indexed for tenant.
func (ix *Index) Size(tenant string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if g, ok := ix.graphs[tenant]; ok {
		return len(g.nodes)
	}
	return 0
}

// Search returns up to opts.K items ranked by descending cosine similarity.
// Filters are applied after graph traversal with a widened candidate list.
func (ix *Index) Search(ctx context.Context, tenant string, query []float32, opts SearchOptions) ([]Result, error) {
	if err := ix.checkVector(query); err != nil {
		return nil, err
	}
	if opts.K <= 0 {
		opts.K = 10
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	g, ok := ix.graphs[tenant]
	if !ok || len(g.nodes) == 0 {
		return []Result{}, nil
	}

	q := normalize(query)
	ef := ix.config.EfSearch
	if want := opts.K * 4; want > ef {
		ef = want
	}

	var candidates []string
	if len(g.nodes) <= ef {
		// The whole graph fits in the candidate list: scan it exactly.
		candidates = make([]string, 0, len(g.nodes))
		for key := range g.nodes {
			candidates = append(candidates, key)
		}
	} else {
		candidates = ix.searchGraph(g, q, ef)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return collect(g, q, candidates, opts), nil
}

func collect(g *graph, q []float32, candidates []string, opts SearchOptions) []Result {
	results := make([]Result, 0, opts.K)
	for _, key := range candidates {
		n := g.nodes[key]
		if opts.Type != "" && n.typ != opts.Type {
			continue
		}
		if opts.ExcludeID != "" && n.id == opts.ExcludeID && (opts.ExcludeType == "" || n.typ == opts.ExcludeType) {
			continue
		}
		sim := dot(q, n.vector)
		if sim < opts.Threshold {
			continue
		}
		results = append(results, Result{ID: n.id, Type: n.typ, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results
}

func (ix *Index) graphFor(tenant string) *graph {
	g, ok := ix.graphs[tenant]
	if !ok {
		g = newGraph()
		ix.graphs[tenant] = g
	}
	return g
}

func (ix *Index) searchGraph(g *graph, q []float32, ef int) []string {
	ep := g.entryPoint
	for l := g.maxLevel; l > 0; l-- {
		ep = searchLayerSingle(g, q, ep, l)
	}
	return searchLayer(g, q, ep, ef, 0)
}

func (ix *Index) maxNeighbors(level int) int {
	if level == 0 {
		return ix.config.M * 2
	}
	return ix.config.M
}

func (ix *Index) add(g *graph, item Item) {
	level := ix.randomLevel()
	n := &node{
		key:       nodeKey(item.Type, item.ID),
		id:        item.ID,
		typ:       item.Type,
		vector:    normalize(item.Vector),
		level:     level,
		neighbors: make([][]string, level+1),
	}
	g.nodes[n.key] = n

	if g.entryPoint == "" {
		g.entryPoint = n.key
		g.maxLevel = level
		return
	}

	ep := g.entryPoint
	epLevel := g.nodes[ep].level
	for l := epLevel; l > level; l-- {
		ep = searchLayerSingle(g, n.vector, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := searchLayer(g, n.vector, ep, ix.config.EfConstruction, l)
		n.neighbors[l] = selectNeighbors(g, n.vector, candidates, ix.config.M)

		limit := ix.maxNeighbors(l)
		for _, nid := range n.neighbors[l] {
			peer, ok := g.nodes[nid]
			if !ok || len(peer.neighbors) <= l {
				continue
			}
			peer.neighbors[l] = append(peer.neighbors[l], n.key)
			if len(peer.neighbors[l]) > limit {
				peer.neighbors[l] = selectNeighbors(g, peer.vector, peer.neighbors[l], limit)
			}
		}
		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > g.maxLevel {
		g.entryPoint = n.key
		g.maxLevel = level
	}
}

// remove deletes key and strips every link to it. Nodes that pointed at key
// are reconnected to its former neighbours so the graph stays navigable.
func (ix *Index) remove(g *graph, key string) {
	n, ok := g.nodes[key]
	if !ok {
		return
	}
	delete(g.nodes, key)

	for l := 0; l <= n.level; l++ {
		// Links are not symmetric once add has trimmed a peer's list, so
		// inbound edges have to be found by scanning the layer.
		for pk, peer := range g.nodes {
			if len(peer.neighbors) <= l || !containsKey(peer.neighbors[l], key) {
				continue
			}
			merged := make([]string, 0, len(peer.neighbors[l])+len(n.neighbors[l]))
			seen := map[string]bool{pk: true, key: true}
			for _, cid := range peer.neighbors[l] {
				if _, live := g.nodes[cid]; live && !seen[cid] {
					seen[cid] = true
					merged = append(merged, cid)
				}
			}
			for _, cid := range n.neighbors[l] {
				if _, live := g.nodes[cid]; live && !seen[cid] {
					seen[cid] = true
					merged = append(merged, cid)
				}
			}
			peer.neighbors[l] = selectNeighbors(g, peer.vector, merged, ix.maxNeighbors(l))
		}
	}

	if g.entryPoint == key {
		g.entryPoint = ""
		g.maxLevel = 0
		best := -1
		for nk, cand := range g.nodes {
			if cand.level > best || (cand.level == best && nk < g.entryPoint) {
				best = cand.level
				g.entryPoint = nk
			}
		}
		if best >= 0 {
			g.maxLevel = best
		}
	}
}

func (ix *Index) randomLevel() int {
	r := ix.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(-math.Log(r) * ix.config.LevelMultiplier)
}

func searchLayerSingle(g *graph, q []float32, entry string, level int) string {
	current := entry
	currentDist := 1.0 - dot(q, g.nodes[current].vector)

	for {
		changed := false
		n := g.nodes[current]
		if len(n.neighbors) <= level {
			break
		}
		for _, nid := range n.neighbors[level] {
			peer, ok := g.nodes[nid]
			if !ok {
				continue
			}
			d := 1.0 - dot(q, peer.vector)
			if d < currentDist {
				current = nid
				currentDist = d
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return current
}

func searchLayer(g *graph, q []float32, entry string, ef int, level int) []string {
	visited := map[string]bool{entry: true}

	candidates := &distHeap{}
	results := &distHeap{max: true}

	entryDist := 1.0 - dot(q, g.nodes[entry].vector)
	heap.Push(candidates, distItem{key: entry, dist: entryDist})
	heap.Push(results, distItem{key: entry, dist: entryDist})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)
		if results.Len() >= ef && closest.dist > results.items[0].dist {
			break
		}

		n := g.nodes[closest.key]
		if len(n.neighbors) <= level {
			continue
		}
		for _, nid := range n.neighbors[level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true

			peer, ok := g.nodes[nid]
			if !ok {
				continue
			}
			d := 1.0 - dot(q, peer.vector)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(candidates, distItem{key: nid, dist: d})
				heap.Push(results, distItem{key: nid, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).key
	}
	return out
}

func selectNeighbors(g *graph, q []float32, candidates []string, m int) []string {
	type scored struct {
		key  string
		dist float64
	}
	ds := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		n, ok := g.nodes[c]
		if !ok {
			continue
		}
		ds = append(ds, scored{key: c, dist: 1.0 - dot(q, n.vector)})
	}
	if len(ds) > m {
		sort.Slice(ds, func(i, j int) bool { return ds[i].dist < ds[j].dist })
		ds = ds[:m]
	}

	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.key
	}
	return out
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

type distItem struct {
	key  string
	dist float64
}

// distHeap is a min-heap on dist, or a max-heap when max is set.
type distHeap struct {
	items []distItem
	max   bool
}

func (h distHeap) Len() int { return len(h.items) }
func (h distHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}
func (h distHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *distHeap) Push(x interface{}) { h.items = append(h.items, x.(distItem)) }

func (h *distHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
