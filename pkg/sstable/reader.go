package sstable

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"

	"vexdb/pkg/cache"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

// Reader serves point lookups and ordered scans over one table file.
// It keeps the index, bloom filter and meta in memory; data blocks are
// read on demand through the shared block cache.
type Reader struct {
	id     uint64
	path   string
	file   *os.File
	size   int64
	ftr    footer
	index  []indexEntry
	bloom  *Bloom
	meta   tableMeta
	blocks *cache.BlockCache

	mu sync.Mutex // guards file offset-free ReadAt (none needed) + close
}

func Open(path string, id uint64, blocks *cache.BlockCache) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open table %s: %v", dberrors.ErrIO, path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat table %s: %v", dberrors.ErrIO, path, err)
	}
	if fi.Size() < footerSize {
		file.Close()
		return nil, fmt.Errorf("%w: table %s too small", dberrors.ErrCorruptData, path)
	}

	r := &Reader{id: id, path: path, file: file, size: fi.Size(), blocks: blocks}

	fbuf := make([]byte, footerSize)
	if _, err := file.ReadAt(fbuf, fi.Size()-footerSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: read footer: %v", dberrors.ErrIO, err)
	}
	if r.ftr, err = decodeFooter(fbuf); err != nil {
		file.Close()
		return nil, fmt.Errorf("table %s: %w", path, err)
	}

	idxRaw, err := r.readSection(r.ftr.indexOff, r.ftr.indexLen)
	if err == nil {
		r.index, err = decodeIndex(idxRaw)
	}
	if err == nil {
		var bloomRaw []byte
		if bloomRaw, err = r.readSection(r.ftr.bloomOff, r.ftr.bloomLen); err == nil {
			r.bloom, err = decodeBloom(bloomRaw)
		}
	}
	if err == nil {
		var metaRaw []byte
		if metaRaw, err = r.readSection(r.ftr.metaOff, r.ftr.metaLen); err == nil {
			r.meta, err = decodeMeta(metaRaw)
		}
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("table %s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) readSection(off uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: missing table section", dberrors.ErrCorruptData)
	}
	stored := make([]byte, length)
	if _, err := r.file.ReadAt(stored, int64(off)); err != nil {
		return nil, fmt.Errorf("%w: read section: %v", dberrors.ErrIO, err)
	}
	return decodeBlock(stored)
}

func (r *Reader) ID() uint64         { return r.id }
func (r *Reader) Path() string       { return r.path }
func (r *Reader) Size() int64        { return r.size }
func (r *Reader) MinKey() []byte     { return r.meta.minKey }
func (r *Reader) MaxKey() []byte     { return r.meta.maxKey }
func (r *Reader) MaxVer() types.SeqN { return r.meta.maxVer }
func (r *Reader) NumEntries() uint64 { return r.meta.numEntries }

// VectorSegment returns the serialized vector segment, or nil when the
// table carries none.
func (r *Reader) VectorSegment() ([]byte, error) {
	if r.ftr.vecLen == 0 {
		return nil, nil
	}
	return r.readSection(r.ftr.vecOff, r.ftr.vecLen)
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// blockFor returns the index position of the only block that can hold
// key, or -1 when the key is out of range.
func (r *Reader) blockFor(key []byte) int {
	// first block with firstKey > key, minus one
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	})
	return i - 1
}

func (r *Reader) loadBlock(i int) ([]types.Entry, error) {
	ie := r.index[i]
	key := cache.BlockKey{Table: r.id, Offset: ie.offset}

	var raw []byte
	if r.blocks != nil {
		if cached, ok := r.blocks.Get(key); ok {
			raw = cached
		}
	}
	if raw == nil {
		stored := make([]byte, ie.length)
		if _, err := r.file.ReadAt(stored, ie.offset); err != nil {
			return nil, fmt.Errorf("%w: read block at %d: %v", dberrors.ErrIO, ie.offset, err)
		}
		var err error
		if raw, err = decodeBlock(stored); err != nil {
			return nil, fmt.Errorf("table %s: %w", r.path, err)
		}
		if r.blocks != nil {
			r.blocks.Set(key, raw)
		}
	}
	return decodeEntries(raw)
}

// Get returns the newest version of key at or below asOf.
func (r *Reader) Get(key []byte, asOf types.SeqN) (types.Entry, bool, error) {
	if bytes.Compare(key, r.meta.minKey) < 0 || bytes.Compare(key, r.meta.maxKey) > 0 {
		return types.Entry{}, false, nil
	}
	if !r.bloom.MayContain(key) {
		return types.Entry{}, false, nil
	}
	bi := r.blockFor(key)
	if bi < 0 {
		return types.Entry{}, false, nil
	}
	entries, err := r.loadBlock(bi)
	if err != nil {
		return types.Entry{}, false, err
	}
	// entries are key asc, ver desc: the first visible version wins
	for _, e := range entries {
		if c := bytes.Compare(e.Key, key); c < 0 {
			continue
		} else if c > 0 {
			break
		}
		if e.Ver <= asOf {
			return e, true, nil
		}
	}
	return types.Entry{}, false, nil
}

// Iterator walks the table in key-ascending, version-descending order.
type Iterator struct {
	r       *Reader
	blockID int
	entries []types.Entry
	pos     int
	err     error
}

func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockID: -1}
}

// SeekFirst positions the iterator at the first entry.
func (it *Iterator) SeekFirst() {
	it.blockID = -1
	it.entries = nil
	it.pos = 0
	it.err = nil
	it.nextBlock()
}

// Seek positions the iterator at the first entry with Key >= key.
func (it *Iterator) Seek(key []byte) {
	it.err = nil
	bi := it.r.blockFor(key)
	if bi < 0 {
		bi = 0
	}
	it.blockID = bi
	it.entries, it.err = it.r.loadBlock(bi)
	it.pos = 0
	if it.err != nil {
		it.entries = nil
		return
	}
	for it.pos < len(it.entries) && bytes.Compare(it.entries[it.pos].Key, key) < 0 {
		it.pos++
	}
	if it.pos >= len(it.entries) {
		it.nextBlock()
	}
}

func (it *Iterator) nextBlock() {
	it.blockID++
	it.pos = 0
	if it.blockID >= len(it.r.index) {
		it.entries = nil
		return
	}
	it.entries, it.err = it.r.loadBlock(it.blockID)
	if it.err != nil {
		it.entries = nil
	}
}

func (it *Iterator) Next() {
	if it.entries == nil {
		return
	}
	it.pos++
	if it.pos >= len(it.entries) {
		it.nextBlock()
	}
}

func (it *Iterator) Valid() bool { return it.err == nil && it.entries != nil }

func (it *Iterator) Entry() types.Entry { return it.entries[it.pos] }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error { return it.err }
