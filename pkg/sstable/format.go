// Package sstable implements the immutable on-disk table format: data
// blocks holding versioned entries, an index block, a serialized bloom
// filter, an optional vector segment, and a fixed-size footer.
package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

const (
	// FormatVersion is bumped on any layout change; readers refuse
	// files written with a different version.
	FormatVersion = 1

	tableMagic = uint64(0x76657864622e7374) // "vexdb.st"

	footerSize = 64

	// block header: codec byte, checksum over the stored payload,
	// uncompressed length
	blockHeaderSize = 1 + 4 + 4
)

// Block codecs.
const (
	CodecNone uint8 = iota
	CodecS2
	CodecLZ4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32Checksum(b []byte) uint32 { return crc32.Checksum(b, castagnoli) }

// footer is the last 64 bytes of a table file. All offsets are absolute.
type footer struct {
	metaOff  uint64
	metaLen  uint32
	indexOff uint64
	indexLen uint32
	bloomOff uint64
	bloomLen uint32
	vecOff   uint64
	vecLen   uint32
	version  uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.metaOff)
	binary.LittleEndian.PutUint32(buf[8:12], f.metaLen)
	binary.LittleEndian.PutUint64(buf[12:20], f.indexOff)
	binary.LittleEndian.PutUint32(buf[20:24], f.indexLen)
	binary.LittleEndian.PutUint64(buf[24:32], f.bloomOff)
	binary.LittleEndian.PutUint32(buf[32:36], f.bloomLen)
	binary.LittleEndian.PutUint64(buf[36:44], f.vecOff)
	binary.LittleEndian.PutUint32(buf[44:48], f.vecLen)
	binary.LittleEndian.PutUint32(buf[48:52], f.version)
	binary.LittleEndian.PutUint64(buf[56:64], tableMagic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, fmt.Errorf("%w: short footer (%d bytes)", dberrors.ErrCorruptData, len(buf))
	}
	if magic := binary.LittleEndian.Uint64(buf[56:64]); magic != tableMagic {
		return footer{}, fmt.Errorf("%w: bad table magic %#x", dberrors.ErrCorruptData, magic)
	}
	f := footer{
		metaOff:  binary.LittleEndian.Uint64(buf[0:8]),
		metaLen:  binary.LittleEndian.Uint32(buf[8:12]),
		indexOff: binary.LittleEndian.Uint64(buf[12:20]),
		indexLen: binary.LittleEndian.Uint32(buf[20:24]),
		bloomOff: binary.LittleEndian.Uint64(buf[24:32]),
		bloomLen: binary.LittleEndian.Uint32(buf[32:36]),
		vecOff:   binary.LittleEndian.Uint64(buf[36:44]),
		vecLen:   binary.LittleEndian.Uint32(buf[44:48]),
		version:  binary.LittleEndian.Uint32(buf[48:52]),
	}
	if f.version != FormatVersion {
		return footer{}, fmt.Errorf("%w: table format %d, supported %d",
			dberrors.ErrFormatVersionMismatch, f.version, FormatVersion)
	}
	return f, nil
}

// appendEntry encodes one versioned entry into a data block:
// {klen u32}{key}{ver u64}{kind u8}{vlen u32}{value}.
func appendEntry(buf []byte, e types.Entry) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint64(buf, e.Ver)
	buf = append(buf, byte(e.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	return buf
}

func entrySize(e types.Entry) int {
	return 4 + len(e.Key) + 8 + 1 + 4 + len(e.Value)
}

// decodeEntries parses all entries in a decoded data block.
func decodeEntries(block []byte) ([]types.Entry, error) {
	var out []types.Entry
	for len(block) > 0 {
		e, n, err := decodeEntry(block)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		block = block[n:]
	}
	return out, nil
}

func decodeEntry(buf []byte) (types.Entry, int, error) {
	corrupt := func() (types.Entry, int, error) {
		return types.Entry{}, 0, fmt.Errorf("%w: truncated block entry", dberrors.ErrCorruptData)
	}
	if len(buf) < 4 {
		return corrupt()
	}
	klen := binary.LittleEndian.Uint32(buf)
	pos := 4
	if len(buf) < pos+int(klen)+8+1+4 {
		return corrupt()
	}
	key := buf[pos : pos+int(klen)]
	pos += int(klen)
	ver := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	kind := types.Kind(buf[pos])
	pos++
	vlen := binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	if len(buf) < pos+int(vlen) {
		return corrupt()
	}
	val := buf[pos : pos+int(vlen)]
	pos += int(vlen)

	e := types.Entry{Key: key, Ver: ver, Kind: kind}
	if vlen > 0 {
		e.Value = val
	}
	return e, pos, nil
}

// indexEntry points at one data block. Blocks are cut at key boundaries
// so every version of a key lives in a single block.
type indexEntry struct {
	firstKey []byte
	offset   int64
	length   uint32
}

func encodeIndex(idx []indexEntry) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(idx)))
	for _, ie := range idx {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ie.firstKey)))
		buf = append(buf, ie.firstKey...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(ie.offset))
		buf = binary.LittleEndian.AppendUint32(buf, ie.length)
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	corrupt := func() ([]indexEntry, error) {
		return nil, fmt.Errorf("%w: truncated index block", dberrors.ErrCorruptData)
	}
	if len(buf) < 4 {
		return corrupt()
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]

	idx := make([]indexEntry, 0, count)
	for range count {
		if len(buf) < 4 {
			return corrupt()
		}
		klen := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if len(buf) < int(klen)+12 {
			return corrupt()
		}
		key := make([]byte, klen)
		copy(key, buf[:klen])
		buf = buf[klen:]
		off := int64(binary.LittleEndian.Uint64(buf))
		length := binary.LittleEndian.Uint32(buf[8:])
		buf = buf[12:]
		idx = append(idx, indexEntry{firstKey: key, offset: off, length: length})
	}
	return idx, nil
}

// tableMeta describes the table's key range and contents.
type tableMeta struct {
	minKey     []byte
	maxKey     []byte
	numEntries uint64
	maxVer     types.SeqN
}

func encodeMeta(m tableMeta) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(m.minKey)))
	buf = append(buf, m.minKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.maxKey)))
	buf = append(buf, m.maxKey...)
	buf = binary.LittleEndian.AppendUint64(buf, m.numEntries)
	buf = binary.LittleEndian.AppendUint64(buf, m.maxVer)
	return buf
}

func decodeMeta(buf []byte) (tableMeta, error) {
	corrupt := func() (tableMeta, error) {
		return tableMeta{}, fmt.Errorf("%w: truncated meta section", dberrors.ErrCorruptData)
	}
	if len(buf) < 4 {
		return corrupt()
	}
	klen := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if len(buf) < int(klen)+4 {
		return corrupt()
	}
	minKey := make([]byte, klen)
	copy(minKey, buf[:klen])
	buf = buf[klen:]

	klen = binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if len(buf) < int(klen)+16 {
		return corrupt()
	}
	maxKey := make([]byte, klen)
	copy(maxKey, buf[:klen])
	buf = buf[klen:]

	return tableMeta{
		minKey:     minKey,
		maxKey:     maxKey,
		numEntries: binary.LittleEndian.Uint64(buf),
		maxVer:     binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}
