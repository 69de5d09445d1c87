package iterator

import (
	"bytes"

	"vexdb/pkg/types"
)

// VisibleIterator projects a raw versioned entry stream onto the view
// at one read version: for each key the newest version with
// Ver <= asOf is chosen, and tombstoned keys are skipped entirely.
type VisibleIterator struct {
	src   EntryIterator
	asOf  types.SeqN
	key   types.Key
	value types.Value
	valid bool
}

func NewVisibleIterator(src EntryIterator, asOf types.SeqN) *VisibleIterator {
	return &VisibleIterator{src: src, asOf: asOf}
}

func (it *VisibleIterator) First() {
	it.src.SeekFirst()
	it.settle(nil)
}

func (it *VisibleIterator) Seek(target types.Key) {
	it.src.Seek(target)
	it.settle(nil)
}

func (it *VisibleIterator) Next() {
	if !it.valid {
		return
	}
	it.settle(it.key)
}

// settle advances the source until it produces the visible version of
// a key greater than prev, skipping invisible versions and tombstones.
func (it *VisibleIterator) settle(prev types.Key) {
	it.valid = false
	for it.src.Valid() {
		e := it.src.Entry()

		if prev != nil && bytes.Compare(e.Key, prev) <= 0 {
			it.src.Next()
			continue
		}
		if e.Ver > it.asOf {
			it.src.Next()
			continue
		}
		// newest visible version of this key
		if e.Tombstone() {
			prev = e.Key
			it.src.Next()
			continue
		}
		it.key = append([]byte{}, e.Key...)
		it.value = append([]byte{}, e.Value...)
		it.valid = true
		it.src.Next()
		return
	}
}

func (it *VisibleIterator) Valid() bool {
	return it.valid && it.src.Err() == nil
}

func (it *VisibleIterator) Key() types.Key     { return it.key }
func (it *VisibleIterator) Value() types.Value { return it.value }
func (it *VisibleIterator) Err() error         { return it.src.Err() }
func (it *VisibleIterator) Close() error       { return it.src.Close() }
