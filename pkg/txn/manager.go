// Package txn implements snapshot-isolation transactions over the
// storage engine: every transaction reads at the version current when
// it began, buffers writes privately, and commits only if no other
// transaction committed to the same keys in the meantime.
package txn

import (
	"sync"

	"github.com/tidwall/btree"
	"github.com/zhangyunhao116/skipset"

	"vexdb/pkg/clock"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/iterator"
	"vexdb/pkg/types"
)

// Applier is the engine surface the transaction layer drives.
type Applier interface {
	ApplyBatch(ver types.SeqN, entries []types.Entry) error
	Get(key types.Key, asOf types.SeqN) (types.Value, bool, error)
	NewIterator(lo, hi types.Key, asOf types.SeqN) (iterator.Iterator, error)
}

const pruneEvery = 256

// Manager allocates commit versions, tracks active snapshots and
// detects write conflicts with a first-committer-wins rule.
type Manager struct {
	applier Applier

	// clock allocates commit versions; visible trails it and only
	// advances once the allocated version has been applied. Snapshots
	// read visible, so an in-flight commit never leaks into a snapshot
	// taken while the engine apply is still running.
	clock   *clock.AtomicClock
	visible *clock.AtomicClock

	// commitMu serializes the validate-allocate-apply sequence so the
	// memtable sees versions in commit order.
	commitMu    sync.Mutex
	commitIndex *btree.Map[string, types.SeqN]
	commits     uint64

	// active snapshot versions, ordered for the min lookup; counts
	// handle several transactions sharing one snapshot version
	activeMu sync.Mutex
	active   *skipset.Uint64Set
	counts   map[uint64]int
}

func NewManager(applier Applier, lastVer types.SeqN) *Manager {
	c := &clock.AtomicClock{}
	c.Set(lastVer)
	v := &clock.AtomicClock{}
	v.Set(lastVer)
	return &Manager{
		applier:     applier,
		clock:       c,
		visible:     v,
		commitIndex: btree.NewMap[string, types.SeqN](32),
		active:      skipset.NewUint64(),
		counts:      make(map[uint64]int),
	}
}

// Begin opens a transaction reading at the current version.
func (m *Manager) Begin(mode Mode) *Txn {
	m.activeMu.Lock()
	readVer := m.visible.Val()
	m.counts[readVer]++
	if m.counts[readVer] == 1 {
		m.active.Add(readVer)
	}
	m.activeMu.Unlock()

	t := &Txn{mgr: m, mode: mode, readVer: readVer}
	if mode == ReadWrite {
		t.writes = btree.NewMap[string, writeOp](16)
	}
	return t
}

// MinActiveSnapshot returns the oldest version a live transaction can
// still read. With no active transactions it is the current version:
// everything older than the newest committed state is collectable.
func (m *Manager) MinActiveSnapshot() types.SeqN {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()

	min := m.visible.Val()
	m.active.Range(func(v uint64) bool {
		min = v
		return false
	})
	return min
}

// LastCommitted returns the newest committed and applied version.
func (m *Manager) LastCommitted() types.SeqN {
	return m.visible.Val()
}

// ActiveCount returns the number of open transactions.
func (m *Manager) ActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()

	var n int
	for _, c := range m.counts {
		n += c
	}
	return n
}

func (m *Manager) release(readVer types.SeqN) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()

	m.counts[readVer]--
	if m.counts[readVer] <= 0 {
		delete(m.counts, readVer)
		m.active.Remove(readVer)
	}
}

// commit validates the write-set against the commit index, allocates
// the commit version and applies the batch. Called with t.writes
// non-empty.
func (m *Manager) commit(t *Txn) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	// first committer wins: a key committed past our snapshot at any
	// point after we began means we read stale state
	var conflict bool
	t.writes.Scan(func(key string, _ writeOp) bool {
		if cv, ok := m.commitIndex.Get(key); ok && cv > t.readVer {
			conflict = true
			return false
		}
		return true
	})
	if conflict {
		return dberrors.ErrWriteConflict
	}

	ver := m.clock.Next()
	entries := make([]types.Entry, 0, t.writes.Len())
	t.writes.Scan(func(key string, op writeOp) bool {
		entries = append(entries, types.Entry{
			Key:   []byte(key),
			Ver:   ver,
			Kind:  op.kind,
			Value: op.value,
		})
		return true
	})

	if err := m.applier.ApplyBatch(ver, entries); err != nil {
		// the version was allocated but never became visible; leaving
		// the gap is harmless, versions only need to be monotonic
		return err
	}
	m.visible.Set(ver)

	t.writes.Scan(func(key string, _ writeOp) bool {
		m.commitIndex.Set(key, ver)
		return true
	})

	m.commits++
	if m.commits%pruneEvery == 0 {
		m.pruneCommitIndex()
	}
	return nil
}

// pruneCommitIndex drops index entries no active snapshot can conflict
// with anymore. Safe because every active transaction has
// readVer >= MinActiveSnapshot: a pruned commit version could never be
// greater than any live readVer.
func (m *Manager) pruneCommitIndex() {
	horizon := m.MinActiveSnapshot()
	var stale []string
	m.commitIndex.Scan(func(key string, cv types.SeqN) bool {
		if cv <= horizon {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		m.commitIndex.Delete(key)
	}
}
