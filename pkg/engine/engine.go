// Package engine orchestrates the storage pipeline: WAL, memtable,
// SSTable levels and vector index maintenance, glued by the flush and
// compaction loops.
package engine

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vexdb/pkg/cache"
	"vexdb/pkg/config"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/iterator"
	"vexdb/pkg/levels"
	"vexdb/pkg/memtable"
	"vexdb/pkg/metrics"
	"vexdb/pkg/sstable"
	"vexdb/pkg/types"
	"vexdb/pkg/wal"
)

// VectorIndexer receives committed entries and (de)serializes vector
// segments. A nil indexer disables vector maintenance.
type VectorIndexer interface {
	// Apply folds committed entries into the in-memory indexes.
	Apply(entries []types.Entry)
	// NewSegmentBuilder starts a segment for one table being written.
	NewSegmentBuilder() levels.SegmentBuilder
	// LoadSegment folds a stored segment back in. Segments must be
	// loaded oldest table first so newer versions shadow older ones.
	LoadSegment(data []byte) error
}

type Engine struct {
	cfg       config.DBConfig
	wal       *wal.WAL
	mem       *memtable.Memtable
	lvl       *levels.Manager
	compactor *levels.Compactor
	blocks    *cache.BlockCache
	vec       VectorIndexer
	collector metrics.Collector

	lastVer atomic.Uint64
	minSnap atomic.Pointer[func() types.SeqN]

	flushMu   sync.Mutex
	flushCond *sync.Cond

	closed      atomic.Bool
	flushFailed atomic.Bool
	done        chan struct{}
}

// Open recovers the engine from the data directory: manifest and
// tables first, then vector segments, then the WAL tail.
func Open(cfg config.DBConfig, vec VectorIndexer, collector metrics.Collector) (*Engine, error) {
	if collector == nil {
		collector = metrics.Nop{}
	}

	blocks := cache.NewBlockCache(cfg.Cache.Capacity)
	lvl, err := levels.Open(cfg.DataDir, cfg.SSTable, cfg.Bloom.FPRate, blocks)
	if err != nil {
		return nil, err
	}

	memCfg := cfg.Memtable
	// backpressure policy is enforced before the WAL append; the
	// memtable itself always blocks so a logged batch cannot bounce
	memCfg.RejectWhenFull = false

	e := &Engine{
		cfg:       cfg,
		mem:       memtable.New(memCfg),
		lvl:       lvl,
		blocks:    blocks,
		vec:       vec,
		collector: collector,
		done:      make(chan struct{}),
	}
	e.flushCond = sync.NewCond(&e.flushMu)
	e.lastVer.Store(lvl.FlushedVer())

	if vec != nil {
		if err := e.rebuildVectorIndexes(); err != nil {
			lvl.Close()
			return nil, err
		}
	}

	walOpts := wal.Options{
		SyncEveryAppend:     cfg.WAL.SyncEveryCommit,
		GroupCommitInterval: time.Duration(cfg.WAL.GroupCommitIntervalMS) * time.Millisecond,
	}
	if e.wal, err = wal.Open(cfg.DataDir, walOpts); err != nil {
		lvl.Close()
		return nil, err
	}

	if err := e.replayWAL(); err != nil {
		e.wal.Close()
		lvl.Close()
		return nil, err
	}

	noSnap := func() types.SeqN { return e.lastVer.Load() }
	e.minSnap.Store(&noSnap)
	e.compactor = levels.NewCompactor(lvl, cfg.Compaction, func() types.SeqN {
		return (*e.minSnap.Load())()
	}, e.segmentFactory())

	go e.flusher()

	slog.Info("engine opened",
		"data_dir", cfg.DataDir,
		"last_version", e.lastVer.Load(),
		"tables", lvl.TableCount())
	return e, nil
}

func (e *Engine) segmentFactory() levels.SegmentFactory {
	if e.vec == nil {
		return nil
	}
	return func() levels.SegmentBuilder { return e.vec.NewSegmentBuilder() }
}

// rebuildVectorIndexes replays stored segments oldest table first.
func (e *Engine) rebuildVectorIndexes() error {
	handles := e.lvl.AllReaders()
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()
	for _, h := range handles {
		seg, err := h.Reader().VectorSegment()
		if err != nil {
			return err
		}
		if seg == nil {
			continue
		}
		if err := e.vec.LoadSegment(seg); err != nil {
			return fmt.Errorf("table %d: %w", h.Reader().ID(), err)
		}
	}
	return nil
}

// replayWAL reapplies the durable tail: batches above the flushed
// version go back into the memtable and vector indexes.
func (e *Engine) replayWAL() error {
	flushed := e.lvl.FlushedVer()
	var replayed int
	err := e.wal.Replay(func(b wal.Batch) error {
		if b.Ver > e.lastVer.Load() {
			e.lastVer.Store(b.Ver)
		}
		if b.Ver <= flushed {
			return nil
		}
		for _, entry := range b.Entries {
			if err := e.mem.Upsert(entry); err != nil {
				return err
			}
		}
		if e.vec != nil {
			e.vec.Apply(b.Entries)
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		slog.Info("replayed write-ahead log", "batches", replayed, "last_version", e.lastVer.Load())
	}
	return nil
}

// SetMinSnapshotFunc installs the transaction manager's snapshot
// horizon, bounding compaction garbage collection.
func (e *Engine) SetMinSnapshotFunc(fn func() types.SeqN) {
	e.minSnap.Store(&fn)
}

// LastVersion returns the highest version the engine has seen.
func (e *Engine) LastVersion() types.SeqN {
	return e.lastVer.Load()
}

// ApplyBatch makes a committed write-set durable and visible: WAL
// append (waiting out the sync policy), memtable apply, vector apply.
func (e *Engine) ApplyBatch(ver types.SeqN, entries []types.Entry) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}
	if e.flushFailed.Load() {
		return fmt.Errorf("%w: flush pipeline is stuck", dberrors.ErrIO)
	}
	if e.cfg.Memtable.RejectWhenFull && e.mem.Full() {
		e.collector.IncCounter("vexdb_writes_rejected_total", nil, 1)
		return dberrors.ErrCapacityExceeded
	}

	if _, err := e.wal.AppendBatch(wal.Batch{Ver: ver, Entries: entries}); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := e.mem.Upsert(entry); err != nil {
			return err
		}
	}
	if e.vec != nil {
		e.vec.Apply(entries)
	}

	for {
		cur := e.lastVer.Load()
		if ver <= cur || e.lastVer.CompareAndSwap(cur, ver) {
			break
		}
	}
	e.collector.IncCounter("vexdb_writes_total", nil, float64(len(entries)))
	return nil
}

// Get returns the value visible at asOf, resolving tombstones to
// absence.
func (e *Engine) Get(key types.Key, asOf types.SeqN) (types.Value, bool, error) {
	if e.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}
	e.collector.IncCounter("vexdb_reads_total", nil, 1)

	if it, ok := e.mem.Get(key, asOf); ok {
		if it.Kind == types.KindDelete {
			return nil, false, nil
		}
		return it.Value, true, nil
	}

	entry, ok, err := e.lvl.Get(key, asOf)
	if err != nil || !ok || entry.Tombstone() {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// NewIterator scans [lo, hi) at asOf. Nil bounds are unbounded.
func (e *Engine) NewIterator(lo, hi types.Key, asOf types.SeqN) (iterator.Iterator, error) {
	if e.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	var sources []iterator.EntryIterator
	for _, entries := range e.mem.Snapshot(lo, hi) {
		sources = append(sources, iterator.NewSliceIterator(entries))
	}

	handles := e.lvl.View()
	for _, h := range handles {
		sources = append(sources, h.Reader().NewIterator())
	}

	merged := iterator.NewMergeIterator(sources)
	visible := iterator.NewVisibleIterator(merged, asOf)

	it := &rangeIterator{
		inner: visible,
		lo:    lo,
		hi:    hi,
		release: func() {
			for _, h := range handles {
				h.Release()
			}
		},
	}
	it.First()
	return it, nil
}

// rangeIterator bounds a visible iterator to [lo, hi) and releases the
// pinned table handles on close.
type rangeIterator struct {
	inner   *iterator.VisibleIterator
	lo, hi  types.Key
	release func()
	closed  bool
}

func (it *rangeIterator) First() {
	if it.lo != nil {
		it.inner.Seek(it.lo)
	} else {
		it.inner.First()
	}
}

func (it *rangeIterator) Seek(target types.Key) {
	if it.lo != nil && bytes.Compare(target, it.lo) < 0 {
		target = it.lo
	}
	it.inner.Seek(target)
}

func (it *rangeIterator) Next() { it.inner.Next() }

func (it *rangeIterator) Valid() bool {
	if !it.inner.Valid() {
		return false
	}
	return it.hi == nil || bytes.Compare(it.inner.Key(), it.hi) < 0
}

func (it *rangeIterator) Key() types.Key     { return it.inner.Key() }
func (it *rangeIterator) Value() types.Value { return it.inner.Value() }
func (it *rangeIterator) Err() error         { return it.inner.Err() }

func (it *rangeIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.inner.Close()
	it.release()
	return err
}

// flusher drains sealed memtables into L0 tables, in seal order. A
// table that cannot be flushed stops the pipeline for good: flushing
// anything newer would let the WAL checkpoint past the lost table and
// drop its only durable copy.
func (e *Engine) flusher() {
	defer close(e.done)
	for sealed := range e.mem.FlushChan() {
		if !e.flushWithRetry(sealed) {
			return
		}
	}
}

// flushWithRetry reports whether the sealed table reached disk. On
// permanent failure the table stays in memory (reads still work, the
// WAL still holds its batches) and new writes are rejected.
func (e *Engine) flushWithRetry(sealed *memtable.Sealed) bool {
	for attempt := 1; ; attempt++ {
		err := e.flushOne(sealed)
		if err == nil {
			return true
		}
		slog.Error("memtable flush failed", "attempt", attempt, "error", err)
		if attempt >= 3 {
			e.collector.IncCounter("vexdb_flush_failures_total", nil, 1)
			e.flushFailed.Store(true)
			e.mem.MarkFlushStuck()
			e.flushMu.Lock()
			e.flushCond.Broadcast()
			e.flushMu.Unlock()
			return false
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
}

func (e *Engine) flushOne(sealed *memtable.Sealed) error {
	entries := sealed.Entries()
	if len(entries) == 0 {
		e.releaseFlushed()
		return nil
	}

	codec, err := sstable.CodecByName(e.cfg.SSTable.Compression)
	if err != nil {
		return err
	}
	id := e.lvl.NextTableID()
	w, err := sstable.NewWriter(e.lvl.TablePath(id), sstable.WriterOptions{
		BlockSize: e.cfg.SSTable.BlockSizeBytes,
		Codec:     codec,
		BloomFP:   e.cfg.Bloom.FPRate,
	})
	if err != nil {
		return err
	}

	var seg levels.SegmentBuilder
	if e.vec != nil {
		seg = e.vec.NewSegmentBuilder()
	}
	for _, entry := range entries {
		if err := w.Add(entry); err != nil {
			w.Abort()
			return err
		}
		if seg != nil {
			seg.Add(entry)
		}
	}
	if seg != nil {
		segData, err := seg.Finish()
		if err != nil {
			w.Abort()
			return err
		}
		w.SetVectorSegment(segData)
	}
	if err := w.Finish(); err != nil {
		return err
	}

	r, err := sstable.Open(e.lvl.TablePath(id), id, e.blocks)
	if err != nil {
		return err
	}
	if err := e.lvl.AddFlushed(r, sealed.MaxVer); err != nil {
		r.Close()
		return err
	}
	if err := e.wal.Checkpoint(e.lvl.FlushedVer()); err != nil {
		slog.Warn("wal checkpoint failed", "error", err)
	}

	e.releaseFlushed()
	e.collector.IncCounter("vexdb_flushes_total", nil, 1)
	e.collector.SetGauge("vexdb_tables", nil, float64(e.lvl.TableCount()))
	slog.Debug("flushed memtable", "table", id, "entries", len(entries), "max_version", sealed.MaxVer)

	e.compactor.MaybeCompact()
	return nil
}

func (e *Engine) releaseFlushed() {
	e.mem.ReleaseOldest()
	e.flushMu.Lock()
	e.flushCond.Broadcast()
	e.flushMu.Unlock()
}

// Flush seals the active memtable and waits until every sealed table
// reached disk.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if _, err := e.mem.Seal(); err != nil {
		return err
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	for e.mem.ImmCount() > 0 && !e.flushFailed.Load() {
		e.flushCond.Wait()
	}
	if e.flushFailed.Load() {
		return fmt.Errorf("%w: flush pipeline is stuck", dberrors.ErrIO)
	}
	return nil
}

// Compact triggers a synchronous compaction pass.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	return e.compactor.Compact()
}

// Stats is a point-in-time view of engine internals.
type Stats struct {
	LastVersion   types.SeqN `json:"last_version"`
	FlushedVer    types.SeqN `json:"flushed_version"`
	MemtableBytes uint64     `json:"memtable_bytes"`
	ImmTables     int        `json:"imm_tables"`
	Tables        int        `json:"tables"`
	LevelSizes    []int64    `json:"level_sizes"`
	WALBytes      int64      `json:"wal_bytes"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		LastVersion:   e.lastVer.Load(),
		FlushedVer:    e.lvl.FlushedVer(),
		MemtableBytes: e.mem.SizeBytes(),
		ImmTables:     e.mem.ImmCount(),
		Tables:        e.lvl.TableCount(),
		LevelSizes:    e.lvl.LevelSizes(),
		WALBytes:      e.wal.Size(),
	}
}

// Close flushes the memtable, drains the flusher and compactor, and
// closes the WAL and tables.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return dberrors.ErrClosed
	}

	if _, err := e.mem.Seal(); err == nil {
		e.flushMu.Lock()
		for e.mem.ImmCount() > 0 && !e.flushFailed.Load() {
			e.flushCond.Wait()
		}
		e.flushMu.Unlock()
	}

	e.mem.Close()
	<-e.done
	e.compactor.Wait()

	werr := e.wal.Close()
	lerr := e.lvl.Close()
	if werr != nil {
		return werr
	}
	return lerr
}
