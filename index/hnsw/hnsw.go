// Package hnsw implements a Hierarchical Navigable Small World proximity
// graph. Nodes live on geometrically distributed layers; searches descend
// greedily through the upper layers and run a beam search on layer 0.
package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/internal/queue"
	"github.com/strandvec/strandvec/internal/visited"
	"github.com/strandvec/strandvec/internal/vectorstore"
)

// searchCheckInterval is how many beam expansions happen between context
// cancellation checks.
const searchCheckInterval = 256

// Options configures an HNSW index.
type Options struct {
	Dimension int
	Metric    distance.Metric

	// M is the number of connections created for a new node per layer.
	// Layer 0 allows 2*M. Reasonable range is 2-100; higher M suits
	// high-dimensional data at the cost of memory and build time.
	M int

	// EFConstruction is the beam width while building. Larger values give
	// better graphs and slower inserts.
	EFConstruction int

	// EFSearch is the default beam width while searching. Larger values
	// give better recall and slower queries.
	EFSearch int

	// Heuristic selects diversity-aware neighbour selection instead of
	// plain nearest-M. It keeps the graph navigable in clustered data.
	Heuristic bool

	// RandomSeed seeds layer assignment. Fixed by default so builds are
	// reproducible.
	RandomSeed int64
}

// DefaultOptions are the baseline HNSW settings.
var DefaultOptions = Options{
	Metric:         distance.MetricCosine,
	M:              16,
	EFConstruction: 200,
	EFSearch:       50,
	Heuristic:      true,
	RandomSeed:     1,
}

// Compile-time contract check.
var _ index.Index = (*HNSW)(nil)

// node is a graph vertex. neighbors[l] holds the connections on layer l,
// for l in [0, layer].
type node struct {
	layer     int
	neighbors [][]uint32
}

// HNSW is the multi-layer proximity graph. Vectors are read from the shared
// store; the graph only holds connectivity.
type HNSW struct {
	opts     Options
	distFunc distance.Func
	vectors  *vectorstore.Store

	mmax  int     // max connections per upper layer
	mmax0 int     // max connections on layer 0
	ml    float64 // layer assignment normalization factor

	nodes    map[uint32]*node
	ep       uint32
	hasEP    bool
	maxLayer int

	rng         *rand.Rand
	visitedPool sync.Pool

	mutex sync.RWMutex
}

// New creates an HNSW index over the shared vector store.
func New(vectors *vectorstore.Store, optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateDimension(opts.Dimension); err != nil {
		return nil, err
	}
	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	if opts.M < 2 {
		// M == 1 would make ml a division by zero
		opts.M = 2
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch < 1 {
		opts.EFSearch = DefaultOptions.EFSearch
	}

	return &HNSW{
		opts:     opts,
		distFunc: distFunc,
		vectors:  vectors,
		mmax:     opts.M,
		mmax0:    2 * opts.M,
		ml:       1 / math.Log(float64(opts.M)),
		nodes:    make(map[uint32]*node),
		rng:      rand.New(rand.NewSource(opts.RandomSeed)), //nolint:gosec
		visitedPool: sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}, nil
}

// Insert adds a row to the graph. Reinserting an existing row rebuilds its
// connections.
func (h *HNSW) Insert(ctx context.Context, row uint32, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != h.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(vec)}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.nodes[row]; ok {
		h.removeLocked(row)
	}

	layer := h.assignLayer()
	n := &node{
		layer:     layer,
		neighbors: make([][]uint32, layer+1),
	}

	if !h.hasEP {
		h.nodes[row] = n
		h.ep = row
		h.hasEP = true
		h.maxLayer = layer
		return nil
	}

	epRow := h.ep
	epVec, ok := h.vectors.Get(epRow)
	if !ok {
		// Entry point lost its vector: fall back to adopting the new row.
		h.nodes[row] = n
		h.ep = row
		h.maxLayer = layer
		return nil
	}
	epDist := h.distFunc(vec, epVec)

	// Greedy descent through the layers above the new node.
	epRow, epDist = h.greedy(vec, epRow, epDist, h.maxLayer, layer)

	for level := min(layer, h.maxLayer); level >= 0; level-- {
		results, err := h.searchLayer(ctx, vec, queue.Item{Row: epRow, Distance: epDist}, h.opts.EFConstruction, level)
		if err != nil {
			return err
		}

		neighbors := h.selectNeighbors(vec, results, h.opts.M)
		n.neighbors[level] = neighbors

		// Descend from the best candidate found on this layer.
		if best, ok := results.Min(); ok {
			epRow, epDist = best.Row, best.Distance
		}
	}

	h.nodes[row] = n

	// Back-link the neighbours, pruning where lists overflow.
	for level := min(layer, h.maxLayer); level >= 0; level-- {
		for _, nb := range n.neighbors[level] {
			h.link(nb, row, level)
		}
	}

	if layer > h.maxLayer {
		h.ep = row
		h.maxLayer = layer
	}

	return nil
}

// Remove deletes a row and repairs the graph by reconnecting the deleted
// node's neighbours among themselves.
func (h *HNSW) Remove(row uint32) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.removeLocked(row)
}

func (h *HNSW) removeLocked(row uint32) bool {
	n, ok := h.nodes[row]
	if !ok {
		return false
	}

	for level := 0; level <= n.layer; level++ {
		peers := n.neighbors[level]
		for _, a := range peers {
			an, ok := h.nodes[a]
			if !ok || level > an.layer {
				continue
			}

			an.neighbors[level] = dropRow(an.neighbors[level], row)
			h.reconnect(a, an, peers, level)
		}
	}

	delete(h.nodes, row)

	if h.hasEP && h.ep == row {
		h.electEntryPoint()
	}

	return true
}

// reconnect offers the deleted node's surviving peers to one of them,
// closest first, until its list is back at capacity.
func (h *HNSW) reconnect(a uint32, an *node, peers []uint32, level int) {
	maxConns := h.mmax
	if level == 0 {
		maxConns = h.mmax0
	}
	if len(an.neighbors[level]) >= maxConns {
		return
	}

	aVec, ok := h.vectors.Get(a)
	if !ok {
		return
	}

	cands := make([]queue.Item, 0, len(peers))
	for _, b := range peers {
		if b == a || containsRow(an.neighbors[level], b) {
			continue
		}
		if _, ok := h.nodes[b]; !ok {
			continue
		}
		bVec, ok := h.vectors.Get(b)
		if !ok {
			continue
		}
		cands = append(cands, queue.Item{Row: b, Distance: h.distFunc(aVec, bVec)})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Distance != cands[j].Distance {
			return cands[i].Distance < cands[j].Distance
		}
		return cands[i].Row < cands[j].Row
	})

	for _, c := range cands {
		if len(an.neighbors[level]) >= maxConns {
			break
		}
		an.neighbors[level] = append(an.neighbors[level], c.Row)
		if bn, ok := h.nodes[c.Row]; ok && level <= bn.layer && !containsRow(bn.neighbors[level], a) {
			bn.neighbors[level] = append(bn.neighbors[level], a)
		}
	}
}

// electEntryPoint picks the highest-layer surviving node as the new entry
// point, lowest row on ties.
func (h *HNSW) electEntryPoint() {
	h.hasEP = false
	h.maxLayer = 0

	for row, n := range h.nodes {
		if !h.hasEP || n.layer > h.maxLayer || (n.layer == h.maxLayer && row < h.ep) {
			h.ep = row
			h.maxLayer = n.layer
			h.hasEP = true
		}
	}
}

// Contains reports whether the row is in the graph.
func (h *HNSW) Contains(row uint32) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, ok := h.nodes[row]
	return ok
}

// Len returns the number of nodes in the graph.
func (h *HNSW) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.nodes)
}

// Candidates searches the graph for the n closest rows. The beam width is
// max(EFSearch, n), so larger n transparently widens the search.
func (h *HNSW) Candidates(ctx context.Context, query []float32, n int) ([]index.SearchResult, error) {
	if len(query) != h.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(query)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if !h.hasEP {
		return nil, nil
	}

	epVec, ok := h.vectors.Get(h.ep)
	if !ok {
		return nil, nil
	}

	epRow := h.ep
	epDist := h.distFunc(query, epVec)
	epRow, epDist = h.greedy(query, epRow, epDist, h.maxLayer, 0)

	ef := h.opts.EFSearch
	if n > ef {
		ef = n
	}

	results, err := h.searchLayer(ctx, query, queue.Item{Row: epRow, Distance: epDist}, ef, 0)
	if err != nil {
		return nil, err
	}

	out := make([]index.SearchResult, 0, results.Len())
	for {
		it, ok := results.Pop()
		if !ok {
			break
		}
		out = append(out, index.SearchResult{Row: it.Row, Distance: it.Distance})
	}

	// Max-heap pops worst-first; flip to ascending distance.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Row < out[j].Row
	})

	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}

// Stats describes the graph.
func (h *HNSW) Stats() index.Stats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return index.Stats{Type: index.TypeHNSW, Count: len(h.nodes), MaxLayer: h.maxLayer}
}

// assignLayer draws a layer from the geometric distribution floor(-ln(u)*ml).
func (h *HNSW) assignLayer() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * h.ml))
}

// greedy walks from (epRow, epDist) down through layers (top, bottom],
// following the single best neighbour on each layer until no improvement.
func (h *HNSW) greedy(query []float32, epRow uint32, epDist float32, top, bottom int) (uint32, float32) {
	for level := top; level > bottom; level-- {
		changed := true
		for changed {
			changed = false

			n, ok := h.nodes[epRow]
			if !ok || level > n.layer {
				break
			}

			for _, nb := range n.neighbors[level] {
				vec, ok := h.vectors.Get(nb)
				if !ok {
					continue
				}
				if d := h.distFunc(query, vec); d < epDist {
					epRow = nb
					epDist = d
					changed = true
				}
			}
		}
	}
	return epRow, epDist
}

// searchLayer runs a beam search of width ef on one layer and returns a
// max-heap holding up to ef results.
func (h *HNSW) searchLayer(ctx context.Context, query []float32, ep queue.Item, ef, level int) (*queue.PriorityQueue, error) {
	vis := h.visitedPool.Get().(*visited.Set)
	defer func() {
		vis.Reset()
		h.visitedPool.Put(vis)
	}()

	vis.Visit(ep.Row)

	candidates := queue.NewMin(ef)
	candidates.Push(ep)

	results := queue.NewMax(ef)
	results.Push(ep)

	for expanded := 0; candidates.Len() > 0; expanded++ {
		if expanded%searchCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cand, _ := candidates.Pop()
		if worst, _ := results.Top(); cand.Distance > worst.Distance {
			break
		}

		n, ok := h.nodes[cand.Row]
		if !ok || level > n.layer {
			continue
		}

		for _, nb := range n.neighbors[level] {
			if vis.Visited(nb) {
				continue
			}
			vis.Visit(nb)

			vec, ok := h.vectors.Get(nb)
			if !ok {
				continue
			}
			d := h.distFunc(query, vec)

			if results.Len() < ef {
				it := queue.Item{Row: nb, Distance: d}
				results.Push(it)
				candidates.Push(it)
			} else if worst, _ := results.Top(); d < worst.Distance {
				results.Pop()
				it := queue.Item{Row: nb, Distance: d}
				results.Push(it)
				candidates.Push(it)
			}
		}
	}

	return results, nil
}

// selectNeighbors picks up to m connections for a node at the given vector
// from the search results, diversity-aware when Heuristic is set.
func (h *HNSW) selectNeighbors(vec []float32, results *queue.PriorityQueue, m int) []uint32 {
	cands := make([]queue.Item, 0, results.Len())
	for {
		it, ok := results.Pop()
		if !ok {
			break
		}
		cands = append(cands, it)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Distance != cands[j].Distance {
			return cands[i].Distance < cands[j].Distance
		}
		return cands[i].Row < cands[j].Row
	})

	if !h.opts.Heuristic {
		if len(cands) > m {
			cands = cands[:m]
		}
		rows := make([]uint32, len(cands))
		for i, it := range cands {
			rows[i] = it.Row
		}
		return rows
	}

	// Keep a candidate only if it is closer to the base vector than to every
	// already kept neighbour. Discards land in spares and backfill the list.
	kept := make([]queue.Item, 0, m)
	spares := make([]queue.Item, 0, len(cands))

	for _, cand := range cands {
		if len(kept) >= m {
			break
		}

		candVec, ok := h.vectors.Get(cand.Row)
		if !ok {
			continue
		}

		hit := true
		for _, k := range kept {
			keptVec, ok := h.vectors.Get(k.Row)
			if !ok {
				continue
			}
			if h.distFunc(candVec, keptVec) < cand.Distance {
				hit = false
				break
			}
		}

		if hit {
			kept = append(kept, cand)
		} else {
			spares = append(spares, cand)
		}
	}

	for _, sp := range spares {
		if len(kept) >= m {
			break
		}
		kept = append(kept, sp)
	}

	rows := make([]uint32, len(kept))
	for i, it := range kept {
		rows[i] = it.Row
	}
	return rows
}

// link connects `from` to `to` on a layer, shrinking the list with the
// neighbour selection rule when it overflows.
func (h *HNSW) link(from, to uint32, level int) {
	n, ok := h.nodes[from]
	if !ok || level > n.layer {
		return
	}
	if containsRow(n.neighbors[level], to) {
		return
	}

	maxConns := h.mmax
	if level == 0 {
		maxConns = h.mmax0
	}

	n.neighbors[level] = append(n.neighbors[level], to)
	if len(n.neighbors[level]) <= maxConns {
		return
	}

	vec, ok := h.vectors.Get(from)
	if !ok {
		n.neighbors[level] = n.neighbors[level][:maxConns]
		return
	}

	pq := queue.NewMax(len(n.neighbors[level]))
	for _, nb := range n.neighbors[level] {
		nbVec, ok := h.vectors.Get(nb)
		if !ok {
			continue
		}
		pq.Push(queue.Item{Row: nb, Distance: h.distFunc(vec, nbVec)})
	}

	n.neighbors[level] = h.selectNeighbors(vec, pq, maxConns)
}

func containsRow(rows []uint32, row uint32) bool {
	for _, r := range rows {
		if r == row {
			return true
		}
	}
	return false
}

func dropRow(rows []uint32, row uint32) []uint32 {
	out := rows[:0]
	for _, r := range rows {
		if r != row {
			out = append(out, r)
		}
	}
	return out
}
