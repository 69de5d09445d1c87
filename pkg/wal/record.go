package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

// Record framing, bit-exact:
//
//	{length:4}{checksum:4}{type:1}{payload:variable}
//
// length counts the type byte plus the payload; the checksum is CRC-32C
// over the same bytes. A record that fails either check is treated as a
// torn tail: everything before it is the durable prefix.
const (
	recordBatch      byte = 1
	recordCheckpoint byte = 2

	recordHeaderSize = 8
	maxRecordSize    = 1 << 30
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Batch is one transaction's write-set stamped with its commit version.
// Logging the whole set as a single record keeps commits atomic on
// replay: a torn tail never exposes half a transaction.
type Batch struct {
	Ver     types.SeqN
	Entries []types.Entry
}

func encodeBatch(b Batch) []byte {
	size := 8 + 4
	for _, e := range b.Entries {
		size += 1 + 4 + len(e.Key) + 4 + len(e.Value)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, b.Ver)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		buf = append(buf, byte(e.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

func decodeBatch(payload []byte) (Batch, error) {
	var b Batch
	if len(payload) < 12 {
		return b, fmt.Errorf("%w: short batch payload", dberrors.ErrCorruptData)
	}
	b.Ver = binary.LittleEndian.Uint64(payload)
	count := binary.LittleEndian.Uint32(payload[8:])
	payload = payload[12:]

	b.Entries = make([]types.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(payload) < 5 {
			return b, fmt.Errorf("%w: truncated batch entry", dberrors.ErrCorruptData)
		}
		kind := types.Kind(payload[0])
		klen := binary.LittleEndian.Uint32(payload[1:])
		payload = payload[5:]
		if uint32(len(payload)) < klen+4 {
			return b, fmt.Errorf("%w: truncated batch key", dberrors.ErrCorruptData)
		}
		key := append([]byte(nil), payload[:klen]...)
		vlen := binary.LittleEndian.Uint32(payload[klen:])
		payload = payload[klen+4:]
		if uint32(len(payload)) < vlen {
			return b, fmt.Errorf("%w: truncated batch value", dberrors.ErrCorruptData)
		}
		val := append([]byte(nil), payload[:vlen]...)
		payload = payload[vlen:]

		b.Entries = append(b.Entries, types.Entry{Key: key, Ver: b.Ver, Kind: kind, Value: val})
	}
	return b, nil
}

func writeRecord(w io.Writer, typ byte, payload []byte) (int64, error) {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(1+len(payload)))

	crc := crc32.Checksum([]byte{typ}, crcTable)
	crc = crc32.Update(crc, crcTable, payload)
	binary.LittleEndian.PutUint32(hdr[4:8], crc)

	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write([]byte{typ}); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return int64(recordHeaderSize + 1 + len(payload)), nil
}

// readRecord returns io.EOF on a clean end of log and ErrCorruptData on
// a torn or damaged record.
func readRecord(r *bufio.Reader) (byte, []byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("%w: torn record header", dberrors.ErrCorruptData)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	want := binary.LittleEndian.Uint32(hdr[4:8])
	if length == 0 || length > maxRecordSize {
		return 0, nil, fmt.Errorf("%w: implausible record length %d", dberrors.ErrCorruptData, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("%w: torn record body", dberrors.ErrCorruptData)
	}

	if crc32.Checksum(body, crcTable) != want {
		return 0, nil, fmt.Errorf("%w: record checksum mismatch", dberrors.ErrCorruptData)
	}
	return body[0], body[1:], nil
}
