package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"vexdb/pkg/cache"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

func buildTable(t *testing.T, path string, opts WriterOptions, entries []types.Entry, vec []byte) {
	t.Helper()
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, types.CompareEntries)

	w, err := NewWriter(path, opts)
	require.NoError(t, err)
	for _, e := range sorted {
		require.NoError(t, w.Add(e))
	}
	if vec != nil {
		w.SetVectorSegment(vec)
	}
	require.NoError(t, w.Finish())
}

func testEntries(n int) []types.Entry {
	var out []types.Entry
	for i := range n {
		key := fmt.Appendf(nil, "key-%04d", i)
		out = append(out, types.Entry{Key: key, Ver: types.SeqN(i + 1), Kind: types.KindPut, Value: fmt.Appendf(nil, "val-%04d", i)})
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, codec := range []string{"none", "s2", "lz4"} {
		t.Run(codec, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "0001.sst")
			c, err := CodecByName(codec)
			require.NoError(t, err)

			entries := testEntries(500)
			buildTable(t, path, WriterOptions{BlockSize: 512, Codec: c, BloomFP: 0.01}, entries, nil)

			r, err := Open(path, 1, cache.NewBlockCache(16))
			require.NoError(t, err)
			defer r.Close()

			require.Equal(t, uint64(500), r.NumEntries())
			require.Equal(t, []byte("key-0000"), r.MinKey())
			require.Equal(t, []byte("key-0499"), r.MaxKey())
			require.Equal(t, types.SeqN(500), r.MaxVer())

			for _, want := range entries {
				got, ok, err := r.Get(want.Key, 1000)
				require.NoError(t, err)
				require.True(t, ok, "key %s", want.Key)
				require.Equal(t, want.Value, got.Value)
				require.Equal(t, want.Ver, got.Ver)
			}

			_, ok, err := r.Get([]byte("nope"), 1000)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestGetHonorsVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	key := []byte("acct/7")
	entries := []types.Entry{
		{Key: key, Ver: 10, Kind: types.KindDelete},
		{Key: key, Ver: 6, Kind: types.KindPut, Value: []byte("six")},
		{Key: key, Ver: 2, Kind: types.KindPut, Value: []byte("two")},
	}
	buildTable(t, path, WriterOptions{BloomFP: 0.01}, entries, nil)

	r, err := Open(path, 1, nil)
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.Get(key, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.SeqN(6), got.Ver)
	require.Equal(t, []byte("six"), got.Value)

	got, ok, err = r.Get(key, 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Tombstone())

	_, ok, err = r.Get(key, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIteratorSeekAndOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	entries := testEntries(200)
	buildTable(t, path, WriterOptions{BlockSize: 256, BloomFP: 0.01}, entries, nil)

	r, err := Open(path, 1, cache.NewBlockCache(8))
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator()
	it.SeekFirst()
	var count int
	var prev types.Entry
	for ; it.Valid(); it.Next() {
		if count > 0 {
			require.Negative(t, types.CompareEntries(prev, it.Entry()))
		}
		prev = it.Entry()
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 200, count)

	it.Seek([]byte("key-0150"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("key-0150"), it.Entry().Key)

	it.Seek([]byte("key-0150x"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("key-0151"), it.Entry().Key)

	it.Seek([]byte("zzz"))
	require.False(t, it.Valid())
	require.NoError(t, it.Err())
}

func TestVectorSegmentRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	seg := []byte("opaque vector segment payload")
	buildTable(t, path, WriterOptions{Codec: CodecS2, BloomFP: 0.01}, testEntries(10), seg)

	r, err := Open(path, 1, nil)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.VectorSegment()
	require.NoError(t, err)
	require.Equal(t, seg, got)
}

func TestNoVectorSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	buildTable(t, path, WriterOptions{BloomFP: 0.01}, testEntries(3), nil)

	r, err := Open(path, 1, nil)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.VectorSegment()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSectionOrderOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	buildTable(t, path, WriterOptions{BloomFP: 0.01}, testEntries(10), []byte("segment"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ftr, err := decodeFooter(data[len(data)-footerSize:])
	require.NoError(t, err)

	// data blocks, then meta, index, bloom, vector segment, footer
	require.Positive(t, ftr.metaOff)
	require.Less(t, ftr.metaOff, ftr.indexOff)
	require.Less(t, ftr.indexOff, ftr.bloomOff)
	require.Less(t, ftr.bloomOff, ftr.vecOff)
	require.Equal(t, uint64(len(data)-footerSize), ftr.vecOff+uint64(ftr.vecLen))
}

func TestFormatVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	buildTable(t, path, WriterOptions{BloomFP: 0.01}, testEntries(3), nil)

	// flip the format version field in the footer
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-footerSize+48] = 99
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path, 1, nil)
	require.ErrorIs(t, err, dberrors.ErrFormatVersionMismatch)
}

func TestCorruptBlockDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	buildTable(t, path, WriterOptions{BloomFP: 0.01}, testEntries(3), nil)

	r, err := Open(path, 1, nil)
	require.NoError(t, err)
	off := r.index[0].offset
	require.NoError(t, r.Close())

	// corrupt one payload byte of the first data block
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, off+blockHeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err = Open(path, 1, nil)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Get([]byte("key-0000"), 100)
	require.ErrorIs(t, err, dberrors.ErrCorruptData)
}

func TestOutOfOrderAddRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.sst")
	w, err := NewWriter(path, WriterOptions{BloomFP: 0.01})
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Add(types.Entry{Key: []byte("b"), Ver: 1, Kind: types.KindPut}))
	err = w.Add(types.Entry{Key: []byte("a"), Ver: 2, Kind: types.KindPut})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestBloomFilter(t *testing.T) {
	bf := newBloom(1000, 0.01)
	for i := range 1000 {
		bf.Add(fmt.Appendf(nil, "member-%d", i))
	}
	for i := range 1000 {
		require.True(t, bf.MayContain(fmt.Appendf(nil, "member-%d", i)))
	}
	var falsePositives int
	for i := range 1000 {
		if bf.MayContain(fmt.Appendf(nil, "other-%d", i)) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 50)

	decoded, err := decodeBloom(bf.encode())
	require.NoError(t, err)
	require.True(t, decoded.MayContain([]byte("member-0")))
}
