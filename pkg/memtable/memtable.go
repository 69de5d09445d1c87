package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"vexdb/pkg/config"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

var ErrTooLargeEntry = errors.New("vexdb: entry is too large")

type concurrentSet = skipmap.FuncMap[[]byte, *chain]

func newSet() *concurrentSet {
	return skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// Sealed is an immutable memtable awaiting flush.
type Sealed struct {
	set *concurrentSet
	// MaxVer is the highest version the table holds; once flushed, the
	// WAL may be checkpointed up to it.
	MaxVer types.SeqN
	Bytes  uint64
}

// Entries returns the sealed contents sorted by key ascending, version
// descending — the order the SSTable writer requires.
func (s *Sealed) Entries() []types.Entry {
	out := make([]types.Entry, 0, s.set.Len())
	s.set.Range(func(key []byte, c *chain) bool {
		for _, it := range c.all() {
			out = append(out, types.Entry{Key: key, Ver: it.Ver, Kind: it.Kind, Value: it.Value})
		}
		return true
	})
	return out
}

// Memtable buffers recent writes in a concurrent ordered map. When the
// active table exceeds the flush threshold it is sealed, queued for
// flush, and replaced atomically. Sealed tables remain readable until
// the flusher releases them.
type Memtable struct {
	cfg    *config.MemtableConfig
	gen    atomic.Uint64
	size   atomic.Uint64
	maxVer atomic.Uint64
	stuck  atomic.Bool

	underlying atomic.Pointer[concurrentSet]
	// sealed-but-unflushed tables, oldest first; the only data origin
	// once rotation is applied
	imm atomic.Pointer[[]*Sealed]

	flushChan chan *Sealed
	// rotMu fences entry application against rotation so a write can
	// never land in a table that was already handed to the flusher.
	rotMu sync.RWMutex
	mu    sync.Mutex
	cond  *sync.Cond
}

func New(cfg config.MemtableConfig) *Memtable {
	if cfg.FlushChanBuffSize < cfg.MaxImmTables {
		cfg.FlushChanBuffSize = cfg.MaxImmTables
	}
	if cfg.FlushChanBuffSize < 1 {
		cfg.FlushChanBuffSize = 1
	}

	mt := Memtable{
		cfg:       &cfg,
		flushChan: make(chan *Sealed, cfg.FlushChanBuffSize),
	}
	mt.underlying.Store(newSet())
	mt.cond = sync.NewCond(&mt.mu)

	return &mt
}

// Get returns the newest version of key at or below asOf, consulting
// the active table first, then sealed tables newest to oldest. Any
// visible hit in a newer table shadows older tables: versions only grow
// across rotations.
func (mt *Memtable) Get(key []byte, asOf types.SeqN) (Item, bool) {
	if c, ok := mt.underlying.Load().Load(key); ok {
		if it, ok := c.visible(asOf); ok {
			return it, true
		}
	}

	imm := mt.imm.Load()
	if imm == nil {
		return Item{}, false
	}
	for i := len(*imm) - 1; i >= 0; i-- {
		if c, ok := (*imm)[i].set.Load(key); ok {
			if it, ok := c.visible(asOf); ok {
				return it, true
			}
		}
	}
	return Item{}, false
}

// Upsert records one version of a key. Concurrent inserts with the same
// key and increasing versions are expected.
func (mt *Memtable) Upsert(e types.Entry) error {
	const itemOverhead = 17 // version + kind + chain bookkeeping

	entSize := uint64(len(e.Key)) + uint64(len(e.Value)) + itemOverhead
	threshold := uint64(mt.cfg.FlushThresholdBytes)
	if entSize > threshold {
		return ErrTooLargeEntry
	}

	for {
		currentSize := mt.size.Load()
		newSize := currentSize + entSize

		if newSize < threshold {
			if mt.size.CompareAndSwap(currentSize, newSize) {
				break
			}
			continue
		}

		won, err := mt.rotate(entSize)
		if err != nil {
			return err
		}
		if won {
			break
		}
		// lost the rotation race: the fresh table never charged this
		// entry, so retry the size reservation
	}

	mt.rotMu.RLock()
	active := mt.underlying.Load()
	c, _ := active.LoadOrStore(e.Key, &chain{})
	c.add(Item{Ver: e.Ver, Kind: e.Kind, Value: e.Value})
	mt.rotMu.RUnlock()

	for {
		cur := mt.maxVer.Load()
		if e.Ver <= cur || mt.maxVer.CompareAndSwap(cur, e.Ver) {
			break
		}
	}
	return nil
}

// rotate seals the active table. Exactly one caller wins the generation
// CAS; losers wait for the broadcast and report won=false so the caller
// retries its size budget against the fresh table.
func (mt *Memtable) rotate(initSize uint64) (bool, error) {
	gen := mt.gen.Load()

	mt.mu.Lock()
	if !mt.gen.CompareAndSwap(gen, gen+1) {
		// Someone else rotated; wait for them to finish.
		mt.cond.Wait()
		mt.mu.Unlock()
		return false, nil
	}

	// Backpressure: too many sealed tables waiting on the flusher.
	for mt.immLen() >= mt.cfg.MaxImmTables && mt.cfg.MaxImmTables > 0 {
		if mt.stuck.Load() {
			mt.gen.Add(1) // release rotation ownership
			mt.cond.Broadcast()
			mt.mu.Unlock()
			return false, fmt.Errorf("%w: flush pipeline is stuck", dberrors.ErrIO)
		}
		if mt.cfg.RejectWhenFull {
			mt.gen.Add(1) // release rotation ownership
			mt.cond.Broadcast()
			mt.mu.Unlock()
			return false, dberrors.ErrCapacityExceeded
		}
		mt.cond.Wait()
	}

	mt.rotMu.Lock()
	current := mt.underlying.Load()
	sealed := &Sealed{
		set:    current,
		MaxVer: mt.maxVer.Load(),
		Bytes:  mt.size.Load(),
	}

	var next []*Sealed
	if old := mt.imm.Load(); old != nil {
		next = append([]*Sealed{}, *old...)
	}
	next = append(next, sealed)
	mt.imm.Store(&next)

	mt.underlying.Store(newSet())
	mt.size.Store(initSize)
	mt.rotMu.Unlock()

	mt.flushChan <- sealed

	mt.cond.Broadcast()
	mt.mu.Unlock()
	return true, nil
}

// MarkFlushStuck records that the flusher gave up permanently. Blocked
// rotations fail with an IO error instead of waiting on a release that
// will never come.
func (mt *Memtable) MarkFlushStuck() {
	mt.stuck.Store(true)
	mt.mu.Lock()
	mt.cond.Broadcast()
	mt.mu.Unlock()
}

// Full reports whether the sealed-table queue is at capacity, meaning
// the next rotation would block or reject.
func (mt *Memtable) Full() bool {
	return mt.cfg.MaxImmTables > 0 && mt.immLen() >= mt.cfg.MaxImmTables
}

// ImmCount returns the number of sealed tables awaiting flush.
func (mt *Memtable) ImmCount() int {
	return mt.immLen()
}

func (mt *Memtable) immLen() int {
	if imm := mt.imm.Load(); imm != nil {
		return len(*imm)
	}
	return 0
}

// ReleaseOldest drops the oldest sealed table after the flusher made it
// durable, unblocking writers waiting on backpressure.
func (mt *Memtable) ReleaseOldest() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	old := mt.imm.Load()
	if old == nil || len(*old) == 0 {
		return
	}
	next := append([]*Sealed{}, (*old)[1:]...)
	mt.imm.Store(&next)
	mt.cond.Broadcast()
}

// Seal force-rotates the active table if it holds any data, returning
// whether a table was queued for flush.
func (mt *Memtable) Seal() (bool, error) {
	for {
		if mt.size.Load() == 0 && mt.underlying.Load().Len() == 0 {
			return false, nil
		}
		won, err := mt.rotate(0)
		if err != nil {
			return false, err
		}
		if won {
			return true, nil
		}
	}
}

// Snapshot returns per-table entry slices overlapping [lo, hi), newest
// table first. A nil bound is unbounded.
func (mt *Memtable) Snapshot(lo, hi []byte) [][]types.Entry {
	var tables []*concurrentSet
	tables = append(tables, mt.underlying.Load())
	if imm := mt.imm.Load(); imm != nil {
		for i := len(*imm) - 1; i >= 0; i-- {
			tables = append(tables, (*imm)[i].set)
		}
	}

	out := make([][]types.Entry, 0, len(tables))
	for _, tbl := range tables {
		var entries []types.Entry
		tbl.Range(func(key []byte, c *chain) bool {
			if lo != nil && bytes.Compare(key, lo) < 0 {
				return true
			}
			if hi != nil && bytes.Compare(key, hi) >= 0 {
				return false
			}
			for _, it := range c.all() {
				entries = append(entries, types.Entry{Key: key, Ver: it.Ver, Kind: it.Kind, Value: it.Value})
			}
			return true
		})
		out = append(out, entries)
	}
	return out
}

// FlushChan delivers sealed tables to the flusher in seal order.
func (mt *Memtable) FlushChan() <-chan *Sealed {
	return mt.flushChan
}

// SizeBytes returns the active table's approximate size.
func (mt *Memtable) SizeBytes() uint64 {
	return mt.size.Load()
}

// MaxVer returns the highest version ever inserted.
func (mt *Memtable) MaxVer() types.SeqN {
	return mt.maxVer.Load()
}

func (mt *Memtable) Close() {
	close(mt.flushChan)
}
