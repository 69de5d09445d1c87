package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

const walFileName = "wal.log"

// Options control durability behavior.
type Options struct {
	// SyncEveryAppend fsyncs before every AppendBatch returns.
	SyncEveryAppend bool
	// GroupCommitInterval batches fsyncs; AppendBatch blocks until the
	// group-commit loop has made the record durable. Ignored when
	// SyncEveryAppend is set.
	GroupCommitInterval time.Duration
}

// WAL is the append-only durability log. Appends are serialized: log
// order is the engine's single total order of mutations.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	dir      string
	filePath string
	offset   int64

	syncEvery bool
	interval  time.Duration
	waiters   []waiter

	stopCh chan struct{}
	doneCh chan struct{}
}

type waiter struct {
	offset int64
	ch     chan error
}

// Open opens (or creates) the log in dir. Replay must be run before the
// first append.
func Open(dir string, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty WAL dir", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: create WAL directory: %v", dberrors.ErrIO, err)
	}

	filePath := filepath.Join(dir, walFileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open WAL file: %v", dberrors.ErrIO, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat WAL file: %v", dberrors.ErrIO, err)
	}

	interval := opts.GroupCommitInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}

	w := &WAL{
		file:      file,
		writer:    bufio.NewWriter(file),
		dir:       dir,
		filePath:  filePath,
		offset:    stat.Size(),
		syncEvery: opts.SyncEveryAppend,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if !w.syncEvery {
		go w.groupCommitLoop()
	} else {
		close(w.doneCh)
	}

	return w, nil
}

// AppendBatch durably logs one committed write-set. A nil return
// guarantees the batch survives a process crash.
func (w *WAL) AppendBatch(b Batch) (int64, error) {
	payload := encodeBatch(b)

	w.mu.Lock()
	if w.writer == nil {
		w.mu.Unlock()
		return 0, dberrors.ErrClosed
	}

	n, err := writeRecord(w.writer, recordBatch, payload)
	if err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("%w: append: %v", dberrors.ErrIO, err)
	}
	w.offset += n
	durableAt := w.offset

	if w.syncEvery {
		err := w.syncLocked()
		w.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return durableAt, nil
	}

	ch := make(chan error, 1)
	w.waiters = append(w.waiters, waiter{offset: durableAt, ch: ch})
	w.mu.Unlock()

	if err := <-ch; err != nil {
		return 0, err
	}
	return durableAt, nil
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", dberrors.ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", dberrors.ErrIO, err)
	}
	return nil
}

func (w *WAL) groupCommitLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushGroup()
		case <-w.stopCh:
			w.flushGroup()
			return
		}
	}
}

func (w *WAL) flushGroup() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.waiters) == 0 || w.writer == nil {
		return
	}
	err := w.syncLocked()
	for _, wt := range w.waiters {
		wt.ch <- err
	}
	w.waiters = w.waiters[:0]
}

// Replay feeds every durable batch to fn in append order. Replay stops
// at the first torn or corrupt record: the bytes before it are the
// durable prefix, the tail is discarded on the next checkpoint.
func (w *WAL) Replay(fn func(Batch) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("%w: flush before replay: %v", dberrors.ErrIO, err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("%w: open WAL for replay: %v", dberrors.ErrIO, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		typ, payload, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, dberrors.ErrCorruptData) {
			// Torn write at the tail: everything before is durable.
			slog.Warn("WAL replay stopped at corrupt record", "error", err)
			return nil
		}
		if err != nil {
			return err
		}

		switch typ {
		case recordBatch:
			b, err := decodeBatch(payload)
			if err != nil {
				slog.Warn("WAL replay stopped at undecodable batch", "error", err)
				return nil
			}
			if err := fn(b); err != nil {
				return fmt.Errorf("WAL replay callback failed: %w", err)
			}
		case recordCheckpoint:
			// Informational marker, nothing to apply.
		default:
			slog.Warn("WAL replay stopped at unknown record type", "type", typ)
			return nil
		}
	}
}

// Checkpoint reclaims log space: every batch with version <= flushedVer
// is reflected in a durable SSTable and may be dropped. The log is
// rewritten without covered records and atomically swapped in.
func (w *WAL) Checkpoint(flushedVer types.SeqN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return dberrors.ErrClosed
	}
	if err := w.syncLocked(); err != nil {
		return err
	}

	old, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("%w: open WAL for checkpoint: %v", dberrors.ErrIO, err)
	}
	defer old.Close()

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: create checkpoint file: %v", dberrors.ErrIO, err)
	}

	out := bufio.NewWriter(tmp)
	var kept int64

	reader := bufio.NewReader(old)
	for {
		typ, payload, rerr := readRecord(reader)
		if rerr != nil {
			// EOF or torn tail ends the durable prefix either way.
			break
		}
		if typ != recordBatch {
			continue
		}
		b, derr := decodeBatch(payload)
		if derr != nil {
			break
		}
		if b.Ver <= flushedVer {
			continue
		}
		n, werr := writeRecord(out, recordBatch, payload)
		if werr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: checkpoint rewrite: %v", dberrors.ErrIO, werr)
		}
		kept += n
	}

	if err := out.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint flush: %v", dberrors.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint fsync: %v", dberrors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint close: %v", dberrors.ErrIO, err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close WAL before swap: %v", dberrors.ErrIO, err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		return fmt.Errorf("%w: swap checkpointed WAL: %v", dberrors.ErrIO, err)
	}

	file, err := os.OpenFile(w.filePath, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("%w: reopen WAL: %v", dberrors.ErrIO, err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.offset = kept

	return nil
}

// Size returns the current logical log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

func (w *WAL) Close() error {
	if !w.syncEvery {
		close(w.stopCh)
		<-w.doneCh
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Fail any waiters registered after the final group flush.
	for _, wt := range w.waiters {
		wt.ch <- dberrors.ErrClosed
	}
	w.waiters = nil

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("%w: flush on close: %v", dberrors.ErrIO, err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("%w: fsync on close: %v", dberrors.ErrIO, err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("%w: close WAL file: %v", dberrors.ErrIO, err)
		}
		w.file = nil
	}
	return nil
}
