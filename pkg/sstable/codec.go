package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"

	"vexdb/pkg/dberrors"
)

// CodecByName maps the config compression name to a codec byte.
func CodecByName(name string) (uint8, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "s2":
		return CodecS2, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return 0, fmt.Errorf("%w: unknown compression codec %q", dberrors.ErrInvalidArgument, name)
}

// encodeBlock frames a raw data block for storage:
// {codec u8}{crc u32 over stored payload}{uncompressedLen u32}{payload}.
// Falls back to CodecNone when compression does not shrink the block.
func encodeBlock(raw []byte, codec uint8) ([]byte, error) {
	payload := raw
	used := CodecNone

	switch codec {
	case CodecNone:
	case CodecS2:
		if c := s2.Encode(nil, raw); len(c) < len(raw) {
			payload, used = c, CodecS2
		}
	case CodecLZ4:
		var compressor lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := compressor.CompressBlock(raw, dst)
		if err == nil && n > 0 && n < len(raw) {
			payload, used = dst[:n], CodecLZ4
		}
	default:
		return nil, fmt.Errorf("%w: unknown block codec %d", dberrors.ErrInvalidArgument, codec)
	}

	out := make([]byte, 0, blockHeaderSize+len(payload))
	out = append(out, used)
	out = binary.LittleEndian.AppendUint32(out, crc32Checksum(payload))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(raw)))
	out = append(out, payload...)
	return out, nil
}

// decodeBlock verifies the checksum and decompresses a stored block.
func decodeBlock(stored []byte) ([]byte, error) {
	if len(stored) < blockHeaderSize {
		return nil, fmt.Errorf("%w: short block (%d bytes)", dberrors.ErrCorruptData, len(stored))
	}
	codec := stored[0]
	sum := binary.LittleEndian.Uint32(stored[1:5])
	rawLen := binary.LittleEndian.Uint32(stored[5:9])
	payload := stored[blockHeaderSize:]

	if got := crc32Checksum(payload); got != sum {
		return nil, fmt.Errorf("%w: block checksum mismatch (want %#x, got %#x)",
			dberrors.ErrCorruptData, sum, got)
	}

	switch codec {
	case CodecNone:
		if uint32(len(payload)) != rawLen {
			return nil, fmt.Errorf("%w: block length mismatch", dberrors.ErrCorruptData)
		}
		return payload, nil
	case CodecS2:
		raw, err := s2.Decode(make([]byte, 0, rawLen), payload)
		if err != nil {
			return nil, fmt.Errorf("%w: s2 decode: %v", dberrors.ErrCorruptData, err)
		}
		return raw, nil
	case CodecLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decode: %v", dberrors.ErrCorruptData, err)
		}
		return raw[:n], nil
	}
	return nil, fmt.Errorf("%w: unknown block codec %d", dberrors.ErrCorruptData, codec)
}
