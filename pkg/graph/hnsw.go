package graph

import (
	"container/heap"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/orneryd/kgraph/pkg/vecmath"
)

// ErrDimensionMismatch is returned when a vector's length does not match
// the index's configured dimensionality.
var ErrDimensionMismatch = errors.New("graph: vector dimension mismatch")

// Metric selects the distance function a vector index scores with.
type Metric int

const (
	MetricCosine Metric = iota
	MetricL2
)

// HNSWConfig tunes the approximate nearest-neighbor graph.
type HNSWConfig struct {
	M               int
	EfConstruction  int
	EfSearch        int
	LevelMultiplier float64
	Metric          Metric
}

// DefaultHNSWConfig mirrors the parameter values found effective for
// small-to-medium embedded indexes.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
		Metric:          MetricCosine,
	}
}

type hnswNode struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]string
	mu        sync.RWMutex
}

// hnswIndex is a per-label approximate nearest-neighbor index over
// fixed-dimension vectors.
type hnswIndex struct {
	config     HNSWConfig
	dimensions int
	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
}

// VectorHit is one ranked result of a vector search.
type VectorHit struct {
	ID       string
	Distance float64
}

func newHNSWIndex(dimensions int, config HNSWConfig) *hnswIndex {
	if config.M == 0 {
		config = DefaultHNSWConfig()
	}
	return &hnswIndex{config: config, dimensions: dimensions, nodes: make(map[string]*hnswNode)}
}

func (h *hnswIndex) dist(a, b []float32) float64 {
	switch h.config.Metric {
	case MetricL2:
		return 1.0 - vecmath.EuclideanSimilarity(a, b)
	default:
		return 1.0 - float64(vecmath.DotProduct(a, b))
	}
}

// Add inserts a vector under id, normalizing it when the index uses
// cosine similarity.
func (h *hnswIndex) Add(id string, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prepared := vec
	if h.config.Metric == MetricCosine {
		prepared = vecmath.Normalize(vec)
	}
	level := h.randomLevel()

	node := &hnswNode{id: id, vector: prepared, level: level, neighbors: make([][]string, level+1)}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.config.M)
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(prepared, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(prepared, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(prepared, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < h.config.M {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
				} else {
					all := append(neighbor.neighbors[l], id)
					neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, all, h.config.M)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	return nil
}

// Remove deletes a vector from the index.
func (h *hnswIndex) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.nodes[id]
	if !ok {
		return
	}

	for l := 0; l <= node.level; l++ {
		for _, neighborID := range node.neighbors[l] {
			if neighbor, ok := h.nodes[neighborID]; ok {
				neighbor.mu.Lock()
				if len(neighbor.neighbors) > l {
					filtered := make([]string, 0, len(neighbor.neighbors[l]))
					for _, nid := range neighbor.neighbors[l] {
						if nid != id {
							filtered = append(filtered, nid)
						}
					}
					neighbor.neighbors[l] = filtered
				}
				neighbor.mu.Unlock()
			}
		}
	}

	delete(h.nodes, id)

	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = -1
		for nid, n := range h.nodes {
			if n.level > h.maxLevel {
				h.maxLevel = n.level
				h.entryPoint = nid
			}
		}
		if h.maxLevel == -1 {
			h.maxLevel = 0
		}
	}
}

// Search returns up to k nearest neighbors of query.
func (h *hnswIndex) Search(query []float32, k int) ([]VectorHit, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil, nil
	}

	prepared := query
	if h.config.Metric == MetricCosine {
		prepared = vecmath.Normalize(query)
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(prepared, ep, l)
	}
	candidates := h.searchLayer(prepared, ep, h.config.EfSearch, 0)

	results := make([]VectorHit, 0, len(candidates))
	for _, cid := range candidates {
		results = append(results, VectorHit{ID: cid, Distance: h.dist(prepared, h.nodes[cid].vector)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Size returns the number of indexed vectors.
func (h *hnswIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *hnswIndex) searchLayerSingle(query []float32, entryID string, level int) string {
	current := entryID
	currentDist := h.dist(query, h.nodes[current].vector)

	for {
		changed := false
		node := h.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			d := h.dist(query, neighbor.vector)
			if d < currentDist {
				current = neighborID
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

func (h *hnswIndex) searchLayer(query []float32, entryID string, ef int, level int) []string {
	visited := map[string]bool{entryID: true}

	candidates := &hnswDistHeap{}
	heap.Init(candidates)
	results := &hnswDistHeap{}
	heap.Init(results)

	entryDist := h.dist(query, h.nodes[entryID].vector)
	heap.Push(candidates, hnswDistItem{id: entryID, dist: entryDist})
	heap.Push(results, hnswDistItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(hnswDistItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := h.nodes[closest.id]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighbor := h.nodes[neighborID]
			d := h.dist(query, neighbor.vector)

			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, hnswDistItem{id: neighborID, dist: d})
				heap.Push(results, hnswDistItem{id: neighborID, dist: d, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(hnswDistItem).id
	}
	return out
}

func (h *hnswIndex) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   string
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{id: cid, dist: h.dist(query, h.nodes[cid].vector)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	out := make([]string, m)
	for i := 0; i < m; i++ {
		out[i] = dists[i].id
	}
	return out
}

func (h *hnswIndex) randomLevel() int {
	r := rand.Float64()
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

type hnswDistItem struct {
	id    string
	dist  float64
	isMax bool
}

type hnswDistHeap []hnswDistItem

func (dh hnswDistHeap) Len() int { return len(dh) }
func (dh hnswDistHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh hnswDistHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *hnswDistHeap) Push(x interface{}) { *dh = append(*dh, x.(hnswDistItem)) }

func (dh *hnswDistHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[:n-1]
	return x
}

// textIndexFor and vectorIndexFor lazily create per-label indexes.
func (e *Engine) textIndexFor(label string) *bm25Index {
	e.textMu.Lock()
	defer e.textMu.Unlock()
	idx, ok := e.text[label]
	if !ok {
		idx = newBM25Index()
		e.text[label] = idx
	}
	return idx
}

func (e *Engine) vectorIndexFor(label string, dimensions int) *hnswIndex {
	e.vecMu.Lock()
	defer e.vecMu.Unlock()
	idx, ok := e.vec[label]
	if !ok {
		cfg := DefaultHNSWConfig()
		idx = newHNSWIndex(dimensions, cfg)
		e.vec[label] = idx
	}
	return idx
}

// SearchText runs a BM25 query against a label's text index.
func (e *Engine) SearchText(label, query string, k int) []TextHit {
	e.textMu.RLock()
	idx, ok := e.text[label]
	e.textMu.RUnlock()
	if !ok {
		return nil
	}
	return idx.Search(query, k)
}

// SearchVector runs a k-NN query against a label's vector index.
func (e *Engine) SearchVector(label string, query []float32, k int) ([]VectorHit, error) {
	e.vecMu.RLock()
	idx, ok := e.vec[label]
	e.vecMu.RUnlock()
	if !ok {
		return nil, nil
	}
	return idx.Search(query, k)
}
