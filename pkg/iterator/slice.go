package iterator

import (
	"bytes"
	"sort"

	"vexdb/pkg/types"
)

// SliceIterator walks an in-memory entry slice already sorted by
// key ascending, version descending (memtable snapshots).
type SliceIterator struct {
	entries []types.Entry
	pos     int
}

func NewSliceIterator(entries []types.Entry) *SliceIterator {
	return &SliceIterator{entries: entries}
}

func (it *SliceIterator) Seek(key types.Key) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].Key, key) >= 0
	})
}

func (it *SliceIterator) SeekFirst()         { it.pos = 0 }
func (it *SliceIterator) Next()              { it.pos++ }
func (it *SliceIterator) Valid() bool        { return it.pos < len(it.entries) }
func (it *SliceIterator) Entry() types.Entry { return it.entries[it.pos] }
func (it *SliceIterator) Err() error         { return nil }
func (it *SliceIterator) Close() error       { return nil }
