package vector

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/x448/float16"
)

// Flat is the exact index: every live vector is scored against the
// query. Filters are applied before scoring (pre-filtering), so the
// result is exact over the matching subset. Half precision roughly
// halves memory at a small recall cost on very close ties.
type Flat struct {
	mu     sync.RWMutex
	metric Metric
	half   bool

	live   *roaring.Bitmap
	vecs   map[uint32][]float32
	vecs16 map[uint32][]float16.Float16
}

func NewFlat(metric Metric, halfPrecision bool) *Flat {
	f := &Flat{
		metric: metric,
		half:   halfPrecision,
		live:   roaring.New(),
	}
	if halfPrecision {
		f.vecs16 = make(map[uint32][]float16.Float16)
	} else {
		f.vecs = make(map[uint32][]float32)
	}
	return f
}

func (f *Flat) Insert(id uint32, vec []float32) error {
	stored := append([]float32{}, vec...)
	if f.metric.normalizeOnInsert() {
		Normalize(stored)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.half {
		packed := make([]float16.Float16, len(stored))
		for i, v := range stored {
			packed[i] = float16.Fromfloat32(v)
		}
		f.vecs16[id] = packed
	} else {
		f.vecs[id] = stored
	}
	f.live.Add(id)
	return nil
}

func (f *Flat) Delete(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.live.Remove(id)
	if f.half {
		delete(f.vecs16, id)
	} else {
		delete(f.vecs, id)
	}
}

func (f *Flat) vector(id uint32, scratch []float32) []float32 {
	if !f.half {
		return f.vecs[id]
	}
	packed := f.vecs16[id]
	for i, v := range packed {
		scratch[i] = v.Float32()
	}
	return scratch[:len(packed)]
}

func (f *Flat) Search(query []float32, k int, filter Filter) []Candidate {
	q := query
	if f.metric.normalizeOnInsert() {
		q = append([]float32{}, query...)
		Normalize(q)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	scratch := make([]float32, len(query))
	pq := &priorityQueue{max: true}

	it := f.live.Iterator()
	for it.HasNext() {
		id := it.Next()
		if filter != nil && !filter(id) {
			continue
		}
		vec := f.vector(id, scratch)
		if len(vec) != len(q) {
			continue
		}
		pq.bounded(queueItem{node: id, dist: f.metric.distance(q, vec)}, k)
	}

	items := pq.drain()
	out := make([]Candidate, len(items))
	for i, item := range items {
		out[i] = Candidate{ID: item.node, Dist: item.dist}
	}
	return out
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(f.live.GetCardinality())
}
