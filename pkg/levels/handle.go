// Package levels owns the on-disk table hierarchy: refcounted table
// handles, the JSON manifest, and leveled compaction.
package levels

import (
	"os"
	"sync/atomic"

	"vexdb/pkg/cache"
	"vexdb/pkg/sstable"
)

// TableHandle wraps a table reader with reference counting. Readers
// retain handles for the duration of a scan; a table removed by
// compaction is deleted from disk only after the last reference drops.
type TableHandle struct {
	reader   *sstable.Reader
	level    int
	refs     atomic.Int32
	obsolete atomic.Bool
	blocks   *cache.BlockCache
}

func newHandle(r *sstable.Reader, level int, blocks *cache.BlockCache) *TableHandle {
	h := &TableHandle{reader: r, level: level, blocks: blocks}
	h.refs.Store(1) // manager's reference
	return h
}

func (h *TableHandle) Reader() *sstable.Reader { return h.reader }

func (h *TableHandle) Level() int { return h.level }

func (h *TableHandle) Retain() *TableHandle {
	h.refs.Add(1)
	return h
}

// Release drops one reference. The final release of an obsolete handle
// closes the reader and removes the file.
func (h *TableHandle) Release() {
	if h.refs.Add(-1) > 0 {
		return
	}
	if !h.obsolete.Load() {
		return
	}
	path := h.reader.Path()
	id := h.reader.ID()
	h.reader.Close()
	os.Remove(path)
	if h.blocks != nil {
		h.blocks.DropTable(id)
	}
}

// markObsolete schedules the file for deletion once all references are
// gone, then drops the manager's own reference.
func (h *TableHandle) markObsolete() {
	h.obsolete.Store(true)
	h.Release()
}
