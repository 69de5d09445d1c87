package levels

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"vexdb/pkg/cache"
	"vexdb/pkg/config"
	"vexdb/pkg/sstable"
	"vexdb/pkg/types"
)

// Manager tracks the level hierarchy. Level 0 holds freshly flushed
// tables (newest last) whose key ranges may overlap; deeper levels hold
// compacted tables with disjoint key ranges.
//
// Version invariant: every version of a key at level i is newer than
// any version of the same key at level i+1, and within L0 newer tables
// hold newer versions. Reads therefore take the first visible hit in
// search order.
type Manager struct {
	mu       sync.RWMutex
	dataDir  string
	cfg      config.SSTableConfig
	bloomFP  float64
	blocks   *cache.BlockCache
	manifest *Manifest
	levels   [][]*TableHandle
}

func Open(dataDir string, cfg config.SSTableConfig, bloomFP float64, blocks *cache.BlockCache) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	manifest, err := openManifest(dataDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dataDir:  dataDir,
		cfg:      cfg,
		bloomFP:  bloomFP,
		blocks:   blocks,
		manifest: manifest,
	}

	for _, ti := range manifest.data.Tables {
		r, err := sstable.Open(m.TablePath(ti.ID), ti.ID, blocks)
		if err != nil {
			m.closeLocked()
			return nil, fmt.Errorf("open table %d: %w", ti.ID, err)
		}
		m.growTo(ti.Level)
		m.levels[ti.Level] = append(m.levels[ti.Level], newHandle(r, ti.Level, blocks))
	}
	slog.Info("opened level manager",
		"engine_id", manifest.data.EngineID,
		"tables", len(manifest.data.Tables),
		"flushed_ver", manifest.data.FlushedVer)
	return m, nil
}

func (m *Manager) growTo(level int) {
	for len(m.levels) <= level {
		m.levels = append(m.levels, nil)
	}
}

func (m *Manager) EngineID() string { return m.manifest.data.EngineID }

func (m *Manager) TablePath(id uint64) string {
	return filepath.Join(m.dataDir, fmt.Sprintf("%06d.sst", id))
}

// NextTableID reserves a table id. The manifest records the counter on
// the next save; an orphaned file from a crash between reserve and add
// is harmless because only manifest-listed tables are opened.
func (m *Manager) NextTableID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifest.nextTableID()
}

func (m *Manager) FlushedVer() types.SeqN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest.data.FlushedVer
}

// AddFlushed registers a freshly flushed table at L0 and advances the
// durable flushed version in one manifest save.
func (m *Manager) AddFlushed(r *sstable.Reader, flushedVer types.SeqN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.growTo(0)
	m.levels[0] = append(m.levels[0], newHandle(r, 0, m.blocks))
	m.manifest.data.Tables = append(m.manifest.data.Tables, TableInfo{
		ID:    r.ID(),
		Level: 0,
		Size:  r.Size(),
	})
	if flushedVer > m.manifest.data.FlushedVer {
		m.manifest.data.FlushedVer = flushedVer
	}
	return m.manifest.save()
}

// Get returns the newest version of key at or below asOf from the
// table hierarchy.
func (m *Manager) Get(key []byte, asOf types.SeqN) (types.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for level := range m.levels {
		tables := m.levels[level]
		// L0 newest first; deeper levels are disjoint so order is moot
		for i := len(tables) - 1; i >= 0; i-- {
			r := tables[i].reader
			if bytes.Compare(key, r.MinKey()) < 0 || bytes.Compare(key, r.MaxKey()) > 0 {
				continue
			}
			e, ok, err := r.Get(key, asOf)
			if err != nil {
				return types.Entry{}, false, err
			}
			if ok {
				return e, true, nil
			}
		}
	}
	return types.Entry{}, false, nil
}

// View returns retained handles in read order: L0 newest first, then
// deeper levels. Callers release every handle when done.
func (m *Manager) View() []*TableHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TableHandle
	if len(m.levels) > 0 {
		l0 := m.levels[0]
		for i := len(l0) - 1; i >= 0; i-- {
			out = append(out, l0[i].Retain())
		}
	}
	for level := 1; level < len(m.levels); level++ {
		for _, h := range m.levels[level] {
			out = append(out, h.Retain())
		}
	}
	return out
}

// AllReaders returns retained handles oldest-version first (deepest
// level up, L0 oldest first), the order vector segments are replayed in.
func (m *Manager) AllReaders() []*TableHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TableHandle
	for level := len(m.levels) - 1; level >= 1; level-- {
		for _, h := range m.levels[level] {
			out = append(out, h.Retain())
		}
	}
	if len(m.levels) > 0 {
		for _, h := range m.levels[0] {
			out = append(out, h.Retain())
		}
	}
	return out
}

// replace installs compaction outputs and retires inputs atomically.
func (m *Manager) replace(removed []*TableHandle, added []*sstable.Reader, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gone := make(map[uint64]bool, len(removed))
	for _, h := range removed {
		gone[h.reader.ID()] = true
	}

	kept := m.manifest.data.Tables[:0]
	for _, ti := range m.manifest.data.Tables {
		if !gone[ti.ID] {
			kept = append(kept, ti)
		}
	}
	m.manifest.data.Tables = kept
	for _, r := range added {
		m.manifest.data.Tables = append(m.manifest.data.Tables, TableInfo{
			ID:    r.ID(),
			Level: level,
			Size:  r.Size(),
		})
	}
	if err := m.manifest.save(); err != nil {
		return err
	}

	for li := range m.levels {
		keptHandles := m.levels[li][:0]
		for _, h := range m.levels[li] {
			if gone[h.reader.ID()] {
				continue
			}
			keptHandles = append(keptHandles, h)
		}
		m.levels[li] = keptHandles
	}
	m.growTo(level)
	for _, r := range added {
		m.levels[level] = append(m.levels[level], newHandle(r, level, m.blocks))
	}

	for _, h := range removed {
		h.markObsolete()
	}
	return nil
}

// LevelSizes returns the total bytes per level.
func (m *Manager) LevelSizes() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int64, len(m.levels))
	for i, tables := range m.levels {
		for _, h := range tables {
			out[i] += h.reader.Size()
		}
	}
	return out
}

// TableCount returns the number of live tables.
func (m *Manager) TableCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	for _, tables := range m.levels {
		n += len(tables)
	}
	return n
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	var first error
	for _, tables := range m.levels {
		for _, h := range tables {
			if err := h.reader.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	m.levels = nil
	return first
}
