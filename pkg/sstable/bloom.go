package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"vexdb/pkg/dberrors"
)

// Bloom is a serializable bloom filter over keys. It uses double
// hashing over two FNV-1a variants, so membership checks are cheap and
// the on-disk form is just (k, m, bits).
type Bloom struct {
	k    uint32
	m    uint64
	bits []byte
}

// newBloom sizes a filter for n keys at the given false positive rate.
func newBloom(n int, fpRate float64) *Bloom {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Bloom{
		k:    k,
		m:    m,
		bits: make([]byte, (m+7)/8),
	}
}

func bloomHashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	a := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	b := h2.Sum64() | 1 // keep the step odd

	return a, b
}

func (bf *Bloom) Add(key []byte) {
	a, b := bloomHashes(key)
	bf.addHashes(a, b)
}

func (bf *Bloom) addHashes(a, b uint64) {
	for i := uint32(0); i < bf.k; i++ {
		pos := (a + uint64(i)*b) % bf.m
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (bf *Bloom) MayContain(key []byte) bool {
	a, b := bloomHashes(key)
	for i := uint32(0); i < bf.k; i++ {
		pos := (a + uint64(i)*b) % bf.m
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

func (bf *Bloom) encode() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, bf.k)
	buf = binary.LittleEndian.AppendUint64(buf, bf.m)
	buf = append(buf, bf.bits...)
	return buf
}

func decodeBloom(buf []byte) (*Bloom, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("%w: truncated bloom filter", dberrors.ErrCorruptData)
	}
	bf := &Bloom{
		k: binary.LittleEndian.Uint32(buf[0:4]),
		m: binary.LittleEndian.Uint64(buf[4:12]),
	}
	bf.bits = make([]byte, len(buf)-12)
	copy(bf.bits, buf[12:])
	if uint64(len(bf.bits))*8 < bf.m || bf.k == 0 {
		return nil, fmt.Errorf("%w: inconsistent bloom parameters", dberrors.ErrCorruptData)
	}
	return bf, nil
}
