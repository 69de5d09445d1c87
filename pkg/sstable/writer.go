package sstable

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

type WriterOptions struct {
	BlockSize int
	Codec     uint8
	BloomFP   float64
}

// Writer builds a table from entries supplied in key-ascending,
// version-descending order. Blocks are cut only at key boundaries so
// every version of a key lands in one block.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
	opts WriterOptions
	path string

	offset    int64
	cur       []byte
	curFirst  []byte
	lastKey   []byte
	index     []indexEntry
	keyHashes [][2]uint64

	minKey     []byte
	maxKey     []byte
	numEntries uint64
	maxVer     types.SeqN

	vecSegment []byte
}

func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize < 512 {
		opts.BlockSize = 4096
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create table %s: %v", dberrors.ErrIO, path, err)
	}
	return &Writer{
		file: file,
		buf:  bufio.NewWriterSize(file, 1<<16),
		opts: opts,
		path: path,
	}, nil
}

// Add appends one entry. Entries must arrive sorted by key ascending,
// version descending.
func (w *Writer) Add(e types.Entry) error {
	if w.lastKey != nil {
		if c := bytes.Compare(e.Key, w.lastKey); c < 0 {
			return fmt.Errorf("%w: out-of-order key %q", dberrors.ErrInvalidArgument, e.Key)
		} else if c > 0 {
			// new key: record its bloom hashes, maybe cut the block
			a, b := bloomHashes(e.Key)
			w.keyHashes = append(w.keyHashes, [2]uint64{a, b})
			if len(w.cur) >= w.opts.BlockSize {
				if err := w.flushBlock(); err != nil {
					return err
				}
			}
		}
	} else {
		a, b := bloomHashes(e.Key)
		w.keyHashes = append(w.keyHashes, [2]uint64{a, b})
		w.minKey = append([]byte{}, e.Key...)
	}

	if w.curFirst == nil {
		w.curFirst = append([]byte{}, e.Key...)
	}
	w.cur = appendEntry(w.cur, e)
	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.numEntries++
	if e.Ver > w.maxVer {
		w.maxVer = e.Ver
	}
	return nil
}

// SetVectorSegment attaches a serialized vector segment to be stored
// alongside the data blocks.
func (w *Writer) SetVectorSegment(seg []byte) {
	w.vecSegment = seg
}

func (w *Writer) flushBlock() error {
	if len(w.cur) == 0 {
		return nil
	}
	stored, err := encodeBlock(w.cur, w.opts.Codec)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(stored); err != nil {
		return fmt.Errorf("%w: write block: %v", dberrors.ErrIO, err)
	}
	w.index = append(w.index, indexEntry{
		firstKey: w.curFirst,
		offset:   w.offset,
		length:   uint32(len(stored)),
	})
	w.offset += int64(len(stored))
	w.cur = w.cur[:0]
	w.curFirst = nil
	return nil
}

// writeSection frames an auxiliary section like a data block (crc +
// codec) and returns its offset and stored length.
func (w *Writer) writeSection(raw []byte, codec uint8) (uint64, uint32, error) {
	if len(raw) == 0 {
		return 0, 0, nil
	}
	stored, err := encodeBlock(raw, codec)
	if err != nil {
		return 0, 0, err
	}
	off := uint64(w.offset)
	if _, err := w.buf.Write(stored); err != nil {
		return 0, 0, fmt.Errorf("%w: write section: %v", dberrors.ErrIO, err)
	}
	w.offset += int64(len(stored))
	return off, uint32(len(stored)), nil
}

// Finish writes the meta, index, bloom filter, vector segment and
// footer, in that order, then fsyncs and closes the file.
func (w *Writer) Finish() error {
	if w.numEntries == 0 {
		w.file.Close()
		os.Remove(w.path)
		return fmt.Errorf("%w: empty table", dberrors.ErrInvalidArgument)
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	w.maxKey = append([]byte{}, w.lastKey...)

	bloom := newBloom(len(w.keyHashes), w.opts.BloomFP)
	for _, h := range w.keyHashes {
		bloom.addHashes(h[0], h[1])
	}

	var ftr footer
	ftr.version = FormatVersion

	meta := tableMeta{
		minKey:     w.minKey,
		maxKey:     w.maxKey,
		numEntries: w.numEntries,
		maxVer:     w.maxVer,
	}

	var err error
	if ftr.metaOff, ftr.metaLen, err = w.writeSection(encodeMeta(meta), CodecNone); err != nil {
		return err
	}
	if ftr.indexOff, ftr.indexLen, err = w.writeSection(encodeIndex(w.index), CodecNone); err != nil {
		return err
	}
	if ftr.bloomOff, ftr.bloomLen, err = w.writeSection(bloom.encode(), CodecNone); err != nil {
		return err
	}
	if ftr.vecOff, ftr.vecLen, err = w.writeSection(w.vecSegment, w.opts.Codec); err != nil {
		return err
	}

	if _, err := w.buf.Write(ftr.encode()); err != nil {
		return fmt.Errorf("%w: write footer: %v", dberrors.ErrIO, err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("%w: flush table: %v", dberrors.ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync table: %v", dberrors.ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close table: %v", dberrors.ErrIO, err)
	}
	return nil
}

// Abort discards a partially written table.
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.path)
}
