package txn

import (
	"bytes"

	"github.com/tidwall/btree"

	"vexdb/pkg/iterator"
	"vexdb/pkg/types"
)

type overlayOp struct {
	key  []byte
	kind types.Kind
	val  []byte
}

func collectOverlay(writes *btree.Map[string, writeOp], lo, hi types.Key) []overlayOp {
	var ops []overlayOp
	scan := func(key string, op writeOp) bool {
		if hi != nil && key >= string(hi) {
			return false
		}
		ops = append(ops, overlayOp{key: []byte(key), kind: op.kind, val: op.value})
		return true
	}
	if lo != nil {
		writes.Ascend(string(lo), scan)
	} else {
		writes.Scan(scan)
	}
	return ops
}

// overlayIterator merges the snapshot view with the transaction's own
// writes. On equal keys the write-set wins; buffered deletes hide the
// underlying key.
type overlayIterator struct {
	base iterator.Iterator
	ops  []overlayOp
	pos  int

	key     types.Key
	value   types.Value
	valid   bool
	fromOps bool
}

func (it *overlayIterator) First() {
	it.base.First()
	it.pos = 0
	it.settle()
}

func (it *overlayIterator) Seek(target types.Key) {
	it.base.Seek(target)
	it.pos = 0
	for it.pos < len(it.ops) && bytes.Compare(it.ops[it.pos].key, target) < 0 {
		it.pos++
	}
	it.settle()
}

func (it *overlayIterator) Next() {
	if !it.valid {
		return
	}
	if it.fromOps {
		it.pos++
	}
	// when the sides were equal both have been consumed already in
	// settle; advancing the winning side here is enough
	if !it.fromOps {
		it.base.Next()
	}
	it.settle()
}

func (it *overlayIterator) settle() {
	for {
		baseOK := it.base.Valid()
		opsOK := it.pos < len(it.ops)

		if !baseOK && !opsOK {
			it.valid = false
			return
		}

		var c int
		switch {
		case !baseOK:
			c = 1
		case !opsOK:
			c = -1
		default:
			c = bytes.Compare(it.base.Key(), it.ops[it.pos].key)
		}

		if c < 0 {
			it.key = it.base.Key()
			it.value = it.base.Value()
			it.valid = true
			it.fromOps = false
			return
		}

		op := it.ops[it.pos]
		if c == 0 {
			// overlay shadows the snapshot version of the key
			it.base.Next()
		}
		if op.kind == types.KindDelete {
			it.pos++
			continue
		}
		it.key = op.key
		it.value = op.val
		it.valid = true
		it.fromOps = true
		return
	}
}

func (it *overlayIterator) Valid() bool        { return it.valid && it.base.Err() == nil }
func (it *overlayIterator) Key() types.Key     { return it.key }
func (it *overlayIterator) Value() types.Value { return it.value }
func (it *overlayIterator) Err() error         { return it.base.Err() }
func (it *overlayIterator) Close() error       { return it.base.Close() }
