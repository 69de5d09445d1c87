package iterator

import (
	"container/heap"

	"vexdb/pkg/types"
)

// MergeIterator performs a k-way merge over entry iterators. Sources
// must be supplied newest first: when two sources carry an entry with
// the same key and version, the earlier source wins and the duplicate
// is skipped.
type MergeIterator struct {
	sources []EntryIterator
	h       mergeHeap
	cur     types.Entry
	curSrc  int
	valid   bool
	err     error
}

type mergeItem struct {
	src int
}

type mergeHeap struct {
	items   []mergeItem
	sources []EntryIterator
}

func (h mergeHeap) Len() int { return len(h.items) }

func (h mergeHeap) Less(i, j int) bool {
	a := h.sources[h.items[i].src].Entry()
	b := h.sources[h.items[j].src].Entry()
	if c := types.CompareEntries(a, b); c != 0 {
		return c < 0
	}
	return h.items[i].src < h.items[j].src
}

func (h mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func NewMergeIterator(sources []EntryIterator) *MergeIterator {
	return &MergeIterator{sources: sources}
}

func (it *MergeIterator) rebuild(position func(EntryIterator)) {
	it.h = mergeHeap{sources: it.sources}
	it.err = nil
	it.valid = false
	for _, src := range it.sources {
		position(src)
		if err := src.Err(); err != nil && it.err == nil {
			it.err = err
		}
	}
	if it.err != nil {
		it.valid = false
		return
	}
	for i, src := range it.sources {
		if src.Valid() {
			it.h.items = append(it.h.items, mergeItem{src: i})
		}
	}
	heap.Init(&it.h)
	it.advance()
}

func (it *MergeIterator) SeekFirst() {
	it.rebuild(func(src EntryIterator) { src.SeekFirst() })
}

func (it *MergeIterator) Seek(key types.Key) {
	it.rebuild(func(src EntryIterator) { src.Seek(key) })
}

// advance pops the smallest entry, skipping exact duplicates from
// older sources.
func (it *MergeIterator) advance() {
	for it.h.Len() > 0 {
		top := it.h.items[0].src
		e := it.sources[top].Entry()

		if it.valid && types.CompareEntries(e, it.cur) == 0 {
			// same key+version seen in a newer source
			it.step(top)
			continue
		}
		it.cur = e
		it.curSrc = top
		it.valid = true
		it.step(top)
		return
	}
	it.valid = false
}

// step moves one source forward and restores the heap.
func (it *MergeIterator) step(src int) {
	it.sources[src].Next()
	if err := it.sources[src].Err(); err != nil {
		it.err = err
		it.valid = false
		it.h.items = nil
		return
	}
	if it.sources[src].Valid() {
		heap.Fix(&it.h, 0)
	} else {
		heap.Pop(&it.h)
	}
}

func (it *MergeIterator) Next() {
	if !it.valid {
		return
	}
	it.advance()
}

func (it *MergeIterator) Valid() bool        { return it.valid && it.err == nil }
func (it *MergeIterator) Entry() types.Entry { return it.cur }

// Source reports which source produced the current entry.
func (it *MergeIterator) Source() int { return it.curSrc }

func (it *MergeIterator) Err() error { return it.err }

func (it *MergeIterator) Close() error {
	var first error
	for _, src := range it.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
