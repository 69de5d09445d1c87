package iterator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vexdb/pkg/types"
)

func entries(kvs ...types.Entry) []types.Entry { return kvs }

func put(key string, ver types.SeqN, val string) types.Entry {
	return types.Entry{Key: []byte(key), Ver: ver, Kind: types.KindPut, Value: []byte(val)}
}

func del(key string, ver types.SeqN) types.Entry {
	return types.Entry{Key: []byte(key), Ver: ver, Kind: types.KindDelete}
}

func TestMergeOrdersAcrossSources(t *testing.T) {
	newer := NewSliceIterator(entries(
		put("a", 5, "a5"),
		put("c", 7, "c7"),
	))
	older := NewSliceIterator(entries(
		put("a", 2, "a2"),
		put("b", 3, "b3"),
		put("c", 1, "c1"),
	))

	m := NewMergeIterator([]EntryIterator{newer, older})
	m.SeekFirst()

	var got []types.Entry
	for ; m.Valid(); m.Next() {
		got = append(got, m.Entry())
	}
	require.NoError(t, m.Err())

	want := entries(
		put("a", 5, "a5"),
		put("a", 2, "a2"),
		put("b", 3, "b3"),
		put("c", 7, "c7"),
		put("c", 1, "c1"),
	)
	require.Equal(t, want, got)
}

func TestMergeSkipsDuplicateVersions(t *testing.T) {
	// same key+version in both sources: newer source wins, once
	a := NewSliceIterator(entries(put("k", 4, "new")))
	b := NewSliceIterator(entries(put("k", 4, "old")))

	m := NewMergeIterator([]EntryIterator{a, b})
	m.SeekFirst()

	require.True(t, m.Valid())
	require.Equal(t, []byte("new"), m.Entry().Value)
	require.Equal(t, 0, m.Source())
	m.Next()
	require.False(t, m.Valid())
}

func TestMergeSeek(t *testing.T) {
	a := NewSliceIterator(entries(put("a", 1, "x"), put("m", 2, "y")))
	b := NewSliceIterator(entries(put("f", 3, "z")))

	m := NewMergeIterator([]EntryIterator{a, b})
	m.Seek([]byte("b"))

	require.True(t, m.Valid())
	require.Equal(t, []byte("f"), m.Entry().Key)
	m.Next()
	require.True(t, m.Valid())
	require.Equal(t, []byte("m"), m.Entry().Key)
}

func TestVisibleIteratorSnapshotView(t *testing.T) {
	src := NewSliceIterator(entries(
		put("a", 9, "a9"),
		put("a", 3, "a3"),
		del("b", 8),
		put("b", 2, "b2"),
		put("c", 10, "c10"),
		put("d", 1, "d1"),
	))

	t.Run("latest view hides deleted key", func(t *testing.T) {
		it := NewVisibleIterator(src, 100)
		it.First()

		var keys []string
		var vals []string
		for ; it.Valid(); it.Next() {
			keys = append(keys, string(it.Key()))
			vals = append(vals, string(it.Value()))
		}
		require.NoError(t, it.Err())
		require.Equal(t, []string{"a", "c", "d"}, keys)
		require.Equal(t, []string{"a9", "c10", "d1"}, vals)
	})

	t.Run("old snapshot sees pre-delete state", func(t *testing.T) {
		it := NewVisibleIterator(src, 5)
		it.First()

		var keys []string
		for ; it.Valid(); it.Next() {
			keys = append(keys, string(it.Key()))
		}
		require.Equal(t, []string{"a", "b", "d"}, keys)
	})

	t.Run("seek lands on visible key", func(t *testing.T) {
		it := NewVisibleIterator(src, 100)
		it.Seek([]byte("b"))
		require.True(t, it.Valid())
		require.Equal(t, []byte("c"), it.Key())
	})
}
