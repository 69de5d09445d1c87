// Package vexdb is an embeddable transactional storage engine: an LSM
// tree for ordered key-value data, snapshot-isolation transactions on
// top of it, and vector similarity indexes maintained from the same
// committed write stream.
package vexdb

import (
	"fmt"
	"sync/atomic"
	"time"

	"vexdb/pkg/batch"
	"vexdb/pkg/config"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/engine"
	"vexdb/pkg/iterator"
	"vexdb/pkg/metrics"
	"vexdb/pkg/snapshot"
	"vexdb/pkg/txn"
	"vexdb/pkg/types"
	"vexdb/pkg/vector"
)

// DB bundles the storage engine, the transaction manager and the
// vector index engine behind one handle.
type DB struct {
	cfg       config.DBConfig
	engine    *engine.Engine
	txns      *txn.Manager
	vectors   *vector.Engine
	collector metrics.Collector

	closed     atomic.Bool
	repairStop chan struct{}
	repairDone chan struct{}
}

// Open recovers or creates a database in cfg.DataDir.
func Open(cfg config.DBConfig) (*DB, error) {
	return OpenWith(cfg, nil)
}

// OpenWith opens the database with a metrics collector. A nil collector
// disables metrics.
func OpenWith(cfg config.DBConfig, collector metrics.Collector) (*DB, error) {
	if collector == nil {
		collector = metrics.Nop{}
	}

	var (
		vectors *vector.Engine
		indexer engine.VectorIndexer
		err     error
	)
	if len(cfg.Vector) > 0 {
		if vectors, err = vector.NewEngine(cfg.Vector); err != nil {
			return nil, err
		}
		indexer = vectors
	}

	eng, err := engine.Open(cfg, indexer, collector)
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:       cfg,
		engine:    eng,
		txns:      txn.NewManager(eng, eng.LastVersion()),
		vectors:   vectors,
		collector: collector,
	}
	eng.SetMinSnapshotFunc(db.txns.MinActiveSnapshot)

	if interval := db.repairInterval(); interval > 0 {
		db.repairStop = make(chan struct{})
		db.repairDone = make(chan struct{})
		go db.repairLoop(interval)
	}
	return db, nil
}

func (db *DB) repairInterval() time.Duration {
	var min float64
	for _, ic := range db.cfg.Vector {
		if ic.Kind != "hnsw" || ic.RepairInterval <= 0 {
			continue
		}
		if min == 0 || ic.RepairInterval < min {
			min = ic.RepairInterval
		}
	}
	return time.Duration(min * float64(time.Second))
}

func (db *DB) repairLoop(interval time.Duration) {
	defer close(db.repairDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			db.vectors.Repair()
		case <-db.repairStop:
			return
		}
	}
}

// Begin opens a transaction reading at the current committed version.
func (db *DB) Begin(mode txn.Mode) (*txn.Txn, error) {
	if db.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	return db.txns.Begin(mode), nil
}

// Update runs fn in a read-write transaction and commits it, rolling
// back on error.
func (db *DB) Update(fn func(t *txn.Txn) error) error {
	t, err := db.Begin(txn.ReadWrite)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(t *txn.Txn) error) error {
	t, err := db.Begin(txn.ReadOnly)
	if err != nil {
		return err
	}
	defer t.Rollback()
	return fn(t)
}

// Get reads the newest committed value of key.
func (db *DB) Get(key types.Key) (types.Value, bool, error) {
	if db.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, false, dberrors.ErrInvalidArgument
	}
	return db.engine.Get(key, db.txns.LastCommitted())
}

// Put writes one key in its own transaction.
func (db *DB) Put(key types.Key, value types.Value) error {
	return db.Update(func(t *txn.Txn) error {
		return t.Put(key, value)
	})
}

// Delete removes one key in its own transaction.
func (db *DB) Delete(key types.Key) error {
	return db.Update(func(t *txn.Txn) error {
		return t.Delete(key)
	})
}

// Write applies a batch atomically under one commit version.
func (db *DB) Write(b *batch.WriteBatch) error {
	if b == nil || b.Count() == 0 {
		return nil
	}
	return db.Update(func(t *txn.Txn) error {
		for _, op := range b.Ops() {
			var err error
			if op.Kind == types.KindDelete {
				err = t.Delete(op.Key)
			} else {
				err = t.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot pins a consistent read view at the current committed
// version. It must be released; live snapshots block garbage
// collection of the versions they can see.
func (db *DB) Snapshot() (snapshot.Snapshot, error) {
	t, err := db.Begin(txn.ReadOnly)
	if err != nil {
		return nil, err
	}
	return &dbSnapshot{t: t}, nil
}

type dbSnapshot struct {
	t *txn.Txn
}

func (s *dbSnapshot) Version() types.SeqN { return s.t.ReadVersion() }

func (s *dbSnapshot) Get(key types.Key) (types.Value, bool, error) {
	return s.t.Get(key)
}

func (s *dbSnapshot) NewIterator(lo, hi types.Key) (iterator.Iterator, error) {
	return s.t.Scan(lo, hi)
}

func (s *dbSnapshot) Release() {
	s.t.Rollback()
}

// Scan iterates committed keys in [lo, hi). Nil bounds are unbounded.
func (db *DB) Scan(lo, hi types.Key) (iterator.Iterator, error) {
	if db.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	return db.engine.NewIterator(lo, hi, db.txns.LastCommitted())
}

// PutVector validates a vector against the index covering key and
// writes it as a regular value. The key must fall under a configured
// index prefix.
func (db *DB) PutVector(key types.Key, vec []float32) error {
	if db.vectors == nil {
		return fmt.Errorf("%w: no vector indexes configured", dberrors.ErrInvalidArgument)
	}
	name, ok := db.vectors.IndexFor(key)
	if !ok {
		return fmt.Errorf("%w: key %q is outside every vector index prefix", dberrors.ErrInvalidArgument, key)
	}
	if err := db.vectors.Validate(name, vec); err != nil {
		return err
	}
	return db.Put(key, vector.EncodeVector(vec))
}

// VectorSearch runs a top-k similarity query against one index at the
// current committed snapshot. Candidates indexed after the snapshot are
// re-checked against the LSM and dropped when invisible.
func (db *DB) VectorSearch(index string, query []float32, k int, pred vector.Predicate) ([]vector.SearchResult, error) {
	if db.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if db.vectors == nil {
		return nil, fmt.Errorf("%w: no vector indexes configured", dberrors.ErrInvalidArgument)
	}

	// A delete committed after asOf is taken removes its id from the
	// index before this query reads it, so a vector visible at asOf can
	// be missing from the results. The search is read-committed with
	// respect to concurrent deletes; inserts are fenced exactly.
	asOf := db.txns.LastCommitted()
	return db.vectors.Search(index, query, k, pred, func(key types.Key, ver types.SeqN) (bool, error) {
		if ver <= asOf {
			return true, nil
		}
		_, ok, err := db.engine.Get(key, asOf)
		return ok, err
	})
}

// RepairVectorIndexes detaches tombstoned HNSW nodes immediately
// instead of waiting for the background timer.
func (db *DB) RepairVectorIndexes() {
	if db.vectors != nil {
		db.vectors.Repair()
	}
}

// Flush forces the memtable to disk.
func (db *DB) Flush() error {
	return db.engine.Flush()
}

// Compact triggers a synchronous compaction pass.
func (db *DB) Compact() error {
	return db.engine.Compact()
}

// TxnStats describes the transaction manager.
type TxnStats struct {
	Active        int        `json:"active"`
	LastCommitted types.SeqN `json:"last_committed"`
}

// Stats is a point-in-time view across every subsystem.
type Stats struct {
	Engine engine.Stats        `json:"engine"`
	Txn    TxnStats            `json:"txn"`
	Vector []vector.IndexStats `json:"vector,omitempty"`
}

func (db *DB) Stats() Stats {
	s := Stats{
		Engine: db.engine.Stats(),
		Txn: TxnStats{
			Active:        db.txns.ActiveCount(),
			LastCommitted: db.txns.LastCommitted(),
		},
	}
	if db.vectors != nil {
		s.Vector = db.vectors.Stats()
	}
	return s
}

// Close flushes and shuts the database down. Open transactions are
// invalidated: their commits will fail against the closed engine.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return dberrors.ErrClosed
	}
	if db.repairStop != nil {
		close(db.repairStop)
		<-db.repairDone
	}
	return db.engine.Close()
}
