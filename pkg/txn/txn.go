package txn

import (
	"github.com/tidwall/btree"

	"vexdb/pkg/dberrors"
	"vexdb/pkg/iterator"
	"vexdb/pkg/types"
)

// Mode selects the transaction's capabilities.
type Mode uint8

const (
	ReadWrite Mode = iota
	ReadOnly
)

type writeOp struct {
	kind  types.Kind
	value types.Value
}

// Txn is a snapshot-isolation transaction. Reads see the database as
// of readVer plus the transaction's own writes; writes stay private
// until Commit.
type Txn struct {
	mgr      *Manager
	mode     Mode
	readVer  types.SeqN
	writes   *btree.Map[string, writeOp]
	finished bool
}

// ReadVersion returns the snapshot version the transaction reads at.
func (t *Txn) ReadVersion() types.SeqN { return t.readVer }

// Get returns the value of key as the transaction sees it.
func (t *Txn) Get(key types.Key) (types.Value, bool, error) {
	if t.finished {
		return nil, false, dberrors.ErrTxnFinished
	}
	if len(key) == 0 {
		return nil, false, dberrors.ErrInvalidArgument
	}
	if t.writes != nil {
		if op, ok := t.writes.Get(string(key)); ok {
			if op.kind == types.KindDelete {
				return nil, false, nil
			}
			return op.value, true, nil
		}
	}
	return t.mgr.applier.Get(key, t.readVer)
}

// Put buffers a write. The value is copied.
func (t *Txn) Put(key types.Key, value types.Value) error {
	if err := t.writable(key); err != nil {
		return err
	}
	t.writes.Set(string(key), writeOp{kind: types.KindPut, value: append([]byte{}, value...)})
	return nil
}

// Delete buffers a tombstone.
func (t *Txn) Delete(key types.Key) error {
	if err := t.writable(key); err != nil {
		return err
	}
	t.writes.Set(string(key), writeOp{kind: types.KindDelete})
	return nil
}

func (t *Txn) writable(key types.Key) error {
	if t.finished {
		return dberrors.ErrTxnFinished
	}
	if t.mode == ReadOnly {
		return dberrors.ErrReadOnlyTxn
	}
	if len(key) == 0 {
		return dberrors.ErrInvalidArgument
	}
	return nil
}

// Scan iterates [lo, hi) as the transaction sees it: the snapshot view
// overlaid with the private write-set.
func (t *Txn) Scan(lo, hi types.Key) (iterator.Iterator, error) {
	if t.finished {
		return nil, dberrors.ErrTxnFinished
	}
	base, err := t.mgr.applier.NewIterator(lo, hi, t.readVer)
	if err != nil {
		return nil, err
	}
	if t.writes == nil || t.writes.Len() == 0 {
		return base, nil
	}

	ops := collectOverlay(t.writes, lo, hi)
	it := &overlayIterator{base: base, ops: ops}
	it.First()
	return it, nil
}

// Commit publishes the write-set atomically under one new version.
// Fails with WriteConflict if any written key was committed by another
// transaction after this one began.
func (t *Txn) Commit() error {
	if t.finished {
		return dberrors.ErrTxnFinished
	}
	t.finished = true
	defer t.mgr.release(t.readVer)

	if t.mode == ReadOnly || t.writes == nil || t.writes.Len() == 0 {
		return nil
	}
	return t.mgr.commit(t)
}

// Rollback discards the transaction.
func (t *Txn) Rollback() error {
	if t.finished {
		return dberrors.ErrTxnFinished
	}
	t.finished = true
	t.mgr.release(t.readVer)
	return nil
}
