package batch

import "vexdb/pkg/types"

// Op is a single buffered mutation.
type Op struct {
	Kind  types.Kind
	Key   types.Key
	Value types.Value
}

// WriteBatch groups multiple mutations to be applied atomically under
// one commit version. Later operations on the same key overwrite
// earlier ones at apply time; the batch itself keeps insertion order.
type WriteBatch struct {
	ops []Op
}

func New() *WriteBatch {
	return &WriteBatch{}
}

func (b *WriteBatch) Put(key types.Key, value types.Value) {
	b.ops = append(b.ops, Op{Kind: types.KindPut, Key: key, Value: value})
}

func (b *WriteBatch) Delete(key types.Key) {
	b.ops = append(b.ops, Op{Kind: types.KindDelete, Key: key})
}

func (b *WriteBatch) Clear() {
	b.ops = b.ops[:0]
}

func (b *WriteBatch) Count() int {
	return len(b.ops)
}

// Ops returns the buffered mutations in insertion order.
func (b *WriteBatch) Ops() []Op {
	return b.ops
}

// Entries stamps every op with the commit version.
func (b *WriteBatch) Entries(ver types.SeqN) []types.Entry {
	out := make([]types.Entry, 0, len(b.ops))
	for _, op := range b.ops {
		out = append(out, types.Entry{Key: op.Key, Ver: ver, Kind: op.Kind, Value: op.Value})
	}
	return out
}
