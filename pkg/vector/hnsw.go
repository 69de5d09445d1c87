package vector

import (
	"container/heap"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/zhangyunhao116/fastrand"
)

// HNSW is a hierarchical navigable small world graph. Deletes are
// lazy: nodes are tombstoned and skipped by searches while still
// navigable, until Repair detaches them and reconnects the graph.
//
// Filters are applied during traversal: rejected nodes still navigate
// but never enter the result set, so filtered searches keep recall
// instead of post-filtering a shrunken candidate list.
type HNSW struct {
	mu sync.RWMutex

	metric         Metric
	m              int // max connections per layer above 0
	mMax0          int // max connections at layer 0
	efConstruction int
	efSearch       int
	ml             float64

	nodes      map[uint32]*hnswNode
	entry      uint32
	maxLevel   int
	count      int
	tombstones *roaring.Bitmap
}

type hnswNode struct {
	vec       []float32
	neighbors [][]uint32 // per layer, 0..level
}

func (n *hnswNode) level() int { return len(n.neighbors) - 1 }

func NewHNSW(metric Metric, m, efConstruction, efSearch int) *HNSW {
	if m < 2 {
		m = 16
	}
	if efConstruction < m {
		efConstruction = 200
	}
	if efSearch < 1 {
		efSearch = 50
	}
	return &HNSW{
		metric:         metric,
		m:              m,
		mMax0:          m * 2,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		ml:             1 / math.Log(float64(m)),
		nodes:          make(map[uint32]*hnswNode),
		maxLevel:       -1,
		tombstones:     roaring.New(),
	}
}

func (h *HNSW) randomLevel() int {
	r := fastrand.Float64()
	for r == 0 {
		r = fastrand.Float64()
	}
	return int(math.Floor(-math.Log(r) * h.ml))
}

func (h *HNSW) maxConns(level int) int {
	if level == 0 {
		return h.mMax0
	}
	return h.m
}

func (h *HNSW) dist(v []float32, id uint32) float32 {
	node, ok := h.nodes[id]
	if !ok {
		return math.MaxFloat32
	}
	return h.metric.distance(v, node.vec)
}

func (h *HNSW) Insert(id uint32, vec []float32) error {
	stored := append([]float32{}, vec...)
	if h.metric.normalizeOnInsert() {
		Normalize(stored)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if node, ok := h.nodes[id]; ok {
		// replaced in place; links go stale but stay navigable
		node.vec = stored
		if h.tombstones.Contains(id) {
			h.tombstones.Remove(id)
			h.count++
		}
		return nil
	}

	level := h.randomLevel()
	node := &hnswNode{vec: stored, neighbors: make([][]uint32, level+1)}

	if h.count == 0 && len(h.nodes) == 0 {
		h.nodes[id] = node
		h.entry = id
		h.maxLevel = level
		h.count++
		return nil
	}

	currID := h.entry
	currDist := h.dist(stored, currID)

	// greedy descent through layers above the node's level
	for l := h.maxLevel; l > level; l-- {
		currID, currDist = h.greedyStep(stored, currID, currDist, l)
	}

	h.nodes[id] = node

	// search and link from the node's level down to 0
	for l := min(level, h.maxLevel); l >= 0; l-- {
		results := h.searchLayer(stored, currID, currDist, l, h.efConstruction, nil)
		if results.Len() > 0 {
			best := results.drain()
			currID, currDist = best[0].node, best[0].dist
			neighbors := h.selectNeighbors(best, h.maxConns(l))
			node.neighbors[l] = neighbors
			for _, nb := range neighbors {
				h.addLink(nb, id, l)
			}
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
	h.count++
	return nil
}

// greedyStep walks to the closest neighbor until no improvement.
func (h *HNSW) greedyStep(query []float32, currID uint32, currDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		node := h.nodes[currID]
		if node == nil || node.level() < level {
			break
		}
		for _, next := range node.neighbors[level] {
			if d := h.dist(query, next); d < currDist {
				currID, currDist = next, d
				changed = true
			}
		}
	}
	return currID, currDist
}

// selectNeighbors applies the relative-neighborhood heuristic over a
// closest-first candidate list.
func (h *HNSW) selectNeighbors(candidates []queueItem, m int) []uint32 {
	if len(candidates) <= m {
		out := make([]uint32, len(candidates))
		for i, c := range candidates {
			out[i] = c.node
		}
		return out
	}

	result := make([]uint32, 0, m)
	resultVecs := make([][]float32, 0, m)
	for _, cand := range candidates {
		if len(result) >= m {
			break
		}
		node := h.nodes[cand.node]
		if node == nil {
			continue
		}
		// keep the candidate only if no selected neighbor is closer to
		// it than the inserted point is
		good := true
		for _, rv := range resultVecs {
			if h.metric.distance(node.vec, rv) < cand.dist {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand.node)
			resultVecs = append(resultVecs, node.vec)
		}
	}
	// fill up with the nearest skipped candidates
	for _, cand := range candidates {
		if len(result) >= m {
			break
		}
		seen := false
		for _, r := range result {
			if r == cand.node {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, cand.node)
		}
	}
	return result
}

// addLink connects nb -> id, pruning back to the degree bound by
// keeping the closest links.
func (h *HNSW) addLink(nb, id uint32, level int) {
	node := h.nodes[nb]
	if node == nil || node.level() < level {
		return
	}
	node.neighbors[level] = append(node.neighbors[level], id)

	bound := h.maxConns(level)
	if len(node.neighbors[level]) <= bound {
		return
	}
	pq := &priorityQueue{max: true}
	for _, n := range node.neighbors[level] {
		pq.bounded(queueItem{node: n, dist: h.dist(node.vec, n)}, bound)
	}
	kept := pq.drain()
	links := make([]uint32, len(kept))
	for i, item := range kept {
		links[i] = item.node
	}
	node.neighbors[level] = links
}

// searchLayer explores one layer with a candidate ef bound. Tombstoned
// or filtered nodes navigate but are kept out of the results.
func (h *HNSW) searchLayer(query []float32, epID uint32, epDist float32, level, ef int, filter Filter) *priorityQueue {
	visited := map[uint32]struct{}{epID: {}}

	candidates := &priorityQueue{}       // min-heap: next to explore
	results := &priorityQueue{max: true} // worst on top

	candidates.items = append(candidates.items, queueItem{node: epID, dist: epDist})
	if h.resultEligible(epID, filter) {
		results.items = append(results.items, queueItem{node: epID, dist: epDist})
	}

	for candidates.Len() > 0 {
		curr := heapPopMin(candidates)

		if results.Len() >= ef && curr.dist > results.top().dist {
			break
		}

		node := h.nodes[curr.node]
		if node == nil || node.level() < level {
			continue
		}
		for _, next := range node.neighbors[level] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			nextDist := h.dist(query, next)

			// with a filter the traversal stays permissive so it does
			// not strand in rejected regions
			if filter == nil && results.Len() >= ef && nextDist > results.top().dist {
				continue
			}
			heapPushMin(candidates, queueItem{node: next, dist: nextDist})
			if h.resultEligible(next, filter) {
				heapPushMax(results, queueItem{node: next, dist: nextDist})
				if results.Len() > ef {
					heapPopMax(results)
				}
			}
		}
	}
	return results
}

func (h *HNSW) resultEligible(id uint32, filter Filter) bool {
	if h.tombstones.Contains(id) {
		return false
	}
	return filter == nil || filter(id)
}

func (h *HNSW) Search(query []float32, k int, filter Filter) []Candidate {
	q := query
	if h.metric.normalizeOnInsert() {
		q = append([]float32{}, query...)
		Normalize(q)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil
	}

	currID := h.entry
	currDist := h.dist(q, currID)
	for l := h.maxLevel; l > 0; l-- {
		currID, currDist = h.greedyStep(q, currID, currDist, l)
	}

	ef := max(h.efSearch, k)
	results := h.searchLayer(q, currID, currDist, 0, ef, filter)
	items := results.drain()
	if len(items) > k {
		items = items[:k]
	}
	out := make([]Candidate, len(items))
	for i, item := range items {
		out[i] = Candidate{ID: item.node, Dist: item.dist}
	}
	return out
}

// Delete tombstones a node. The node keeps navigating searches until
// the next Repair pass detaches it.
func (h *HNSW) Delete(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[id]; !ok || h.tombstones.Contains(id) {
		return
	}
	h.tombstones.Add(id)
	h.count--
}

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Tombstones returns how many deleted nodes await repair.
func (h *HNSW) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int(h.tombstones.GetCardinality())
}

// Repair physically removes tombstoned nodes: links to them are
// dropped, their former neighbors are reconnected pairwise within the
// degree bounds, and the entry point is moved if it died.
func (h *HNSW) Repair() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tombstones.IsEmpty() {
		return
	}
	dead := h.tombstones

	// drop links pointing at dead nodes
	for id, node := range h.nodes {
		if dead.Contains(id) {
			continue
		}
		for l, links := range node.neighbors {
			kept := links[:0]
			for _, nb := range links {
				if !dead.Contains(nb) {
					kept = append(kept, nb)
				}
			}
			node.neighbors[l] = kept
		}
	}

	// reconnect each dead node's live neighbors pairwise
	it := dead.Iterator()
	for it.HasNext() {
		id := it.Next()
		node := h.nodes[id]
		if node == nil {
			continue
		}
		for l, links := range node.neighbors {
			var live []uint32
			for _, nb := range links {
				if !dead.Contains(nb) {
					live = append(live, nb)
				}
			}
			for i := 0; i+1 < len(live); i++ {
				a, b := live[i], live[i+1]
				if !h.linked(a, b, l) {
					h.addLink(a, b, l)
					h.addLink(b, a, l)
				}
			}
		}
		delete(h.nodes, id)
	}
	h.tombstones = roaring.New()

	// move the entry point if it died
	if _, ok := h.nodes[h.entry]; !ok {
		h.entry = 0
		h.maxLevel = -1
		for id, node := range h.nodes {
			if node.level() > h.maxLevel {
				h.maxLevel = node.level()
				h.entry = id
			}
		}
	}
}

func (h *HNSW) linked(a, b uint32, level int) bool {
	node := h.nodes[a]
	if node == nil || node.level() < level {
		return false
	}
	for _, nb := range node.neighbors[level] {
		if nb == b {
			return true
		}
	}
	return false
}

func heapPushMin(pq *priorityQueue, item queueItem) { heap.Push(pq, item) }

func heapPushMax(pq *priorityQueue, item queueItem) { heap.Push(pq, item) }

func heapPopMin(pq *priorityQueue) queueItem { return heap.Pop(pq).(queueItem) }

func heapPopMax(pq *priorityQueue) queueItem { return heap.Pop(pq).(queueItem) }
