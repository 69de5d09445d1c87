package vector

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"vexdb/pkg/config"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

func TestMetricByName(t *testing.T) {
	for name, want := range map[string]Metric{"": Cosine, "cosine": Cosine, "l2": L2, "dot": Dot} {
		got, err := MetricByName(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := MetricByName("hamming")
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	require.InDelta(t, 0.6, v[0], 1e-6)
	require.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	Normalize(zero)
	require.Equal(t, []float32{0, 0}, zero)
}

func TestDistanceKernels(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	require.InDelta(t, 1.0, Cosine.distance(a, b), 1e-6)
	require.InDelta(t, 0.0, Cosine.distance(a, a), 1e-6)
	require.InDelta(t, 2.0, L2.distance(a, b), 1e-6)
	require.InDelta(t, 0.0, Dot.distance(a, b), 1e-6)
	require.InDelta(t, -1.0, Dot.distance(a, a), 1e-6)
}

func TestVectorCodec(t *testing.T) {
	vec := []float32{1.5, -2.25, 0, 3.125}
	got, err := DecodeVector(EncodeVector(vec))
	require.NoError(t, err)
	require.Equal(t, vec, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

// Insert [1,0,0], [0,1,0], [0.9,0.1,0] under cosine; querying [1,0,0]
// with k=2 must return the first vector (score 1.0) then the third
// (score ~0.994), never the orthogonal one.
func TestFlatCosineOrdering(t *testing.T) {
	f := NewFlat(Cosine, false)
	require.NoError(t, f.Insert(0, []float32{1, 0, 0}))
	require.NoError(t, f.Insert(1, []float32{0, 1, 0}))
	require.NoError(t, f.Insert(2, []float32{0.9, 0.1, 0}))

	got := f.Search([]float32{1, 0, 0}, 2, nil)
	require.Len(t, got, 2)
	require.Equal(t, uint32(0), got[0].ID)
	require.Equal(t, uint32(2), got[1].ID)
	require.InDelta(t, 1.0, Cosine.score(got[0].Dist), 1e-6)
	require.InDelta(t, 0.994, Cosine.score(got[1].Dist), 1e-3)
}

func TestFlatPreFilterIsExact(t *testing.T) {
	f := NewFlat(L2, false)
	for i := 0; i < 100; i++ {
		require.NoError(t, f.Insert(uint32(i), []float32{float32(i), 0}))
	}

	// only even ids pass; the closest even id to 51 is 50 or 52
	got := f.Search([]float32{51, 0}, 3, func(id uint32) bool { return id%2 == 0 })
	require.Len(t, got, 3)
	for _, c := range got {
		require.Zero(t, c.ID%2)
	}
	require.ElementsMatch(t, []uint32{50, 52, 48}, []uint32{got[0].ID, got[1].ID, got[2].ID})
}

func TestFlatDelete(t *testing.T) {
	f := NewFlat(L2, false)
	require.NoError(t, f.Insert(1, []float32{1, 1}))
	require.NoError(t, f.Insert(2, []float32{2, 2}))
	f.Delete(1)

	require.Equal(t, 1, f.Len())
	got := f.Search([]float32{1, 1}, 5, nil)
	require.Len(t, got, 1)
	require.Equal(t, uint32(2), got[0].ID)
}

func TestFlatHalfPrecision(t *testing.T) {
	f := NewFlat(L2, true)
	require.NoError(t, f.Insert(1, []float32{1, 2, 3}))
	require.NoError(t, f.Insert(2, []float32{10, 20, 30}))

	got := f.Search([]float32{1, 2, 3}, 1, nil)
	require.Len(t, got, 1)
	require.Equal(t, uint32(1), got[0].ID)
}

func TestHNSWExactMatchIsTop(t *testing.T) {
	h := NewHNSW(Cosine, 16, 200, 50)
	rng := rand.New(rand.NewSource(7))
	vecs := make([][]float32, 200)
	for i := range vecs {
		vecs[i] = randomVec(rng, 16)
		require.NoError(t, h.Insert(uint32(i), vecs[i]))
	}

	got := h.Search(vecs[42], 1, nil)
	require.Len(t, got, 1)
	require.Equal(t, uint32(42), got[0].ID)
	require.InDelta(t, 1.0, Cosine.score(got[0].Dist), 1e-5)
}

func TestHNSWDeleteAndRepair(t *testing.T) {
	h := NewHNSW(L2, 8, 100, 50)
	for i := 0; i < 50; i++ {
		require.NoError(t, h.Insert(uint32(i), []float32{float32(i), 0}))
	}

	h.Delete(7)
	require.Equal(t, 49, h.Len())
	require.Equal(t, 1, h.Tombstones())

	got := h.Search([]float32{7, 0}, 3, nil)
	for _, c := range got {
		require.NotEqual(t, uint32(7), c.ID)
	}

	h.Repair()
	require.Equal(t, 0, h.Tombstones())
	got = h.Search([]float32{7, 0}, 3, nil)
	require.Len(t, got, 3)
	for _, c := range got {
		require.NotEqual(t, uint32(7), c.ID)
	}
}

func TestHNSWReinsertRevivesTombstone(t *testing.T) {
	h := NewHNSW(L2, 8, 100, 50)
	require.NoError(t, h.Insert(1, []float32{1, 0}))
	require.NoError(t, h.Insert(2, []float32{2, 0}))
	h.Delete(1)
	require.NoError(t, h.Insert(1, []float32{5, 0}))

	require.Equal(t, 2, h.Len())
	got := h.Search([]float32{5, 0}, 1, nil)
	require.Len(t, got, 1)
	require.Equal(t, uint32(1), got[0].ID)
}

func TestHNSWFilteredSearchKeepsRecall(t *testing.T) {
	h := NewHNSW(L2, 8, 100, 60)
	for i := 0; i < 300; i++ {
		require.NoError(t, h.Insert(uint32(i), []float32{float32(i), 0}))
	}

	got := h.Search([]float32{150, 0}, 5, func(id uint32) bool { return id%10 == 0 })
	require.Len(t, got, 5)
	for _, c := range got {
		require.Zero(t, c.ID%10)
	}
	require.Equal(t, uint32(150), got[0].ID)
}

// Top-10 overlap between HNSW and the exact flat index must stay at or
// above 90% on a random dataset.
func TestHNSWRecallAgainstFlat(t *testing.T) {
	const (
		n   = 1000
		dim = 128
		k   = 10
	)
	rng := rand.New(rand.NewSource(1))

	f := NewFlat(Cosine, false)
	h := NewHNSW(Cosine, 16, 200, 200)
	for i := 0; i < n; i++ {
		v := randomVec(rng, dim)
		require.NoError(t, f.Insert(uint32(i), v))
		require.NoError(t, h.Insert(uint32(i), v))
	}

	var hits, total int
	for q := 0; q < 10; q++ {
		query := randomVec(rng, dim)
		exact := f.Search(query, k, nil)
		approx := h.Search(query, k, nil)

		exactSet := make(map[uint32]struct{}, len(exact))
		for _, c := range exact {
			exactSet[c.ID] = struct{}{}
		}
		for _, c := range approx {
			if _, ok := exactSet[c.ID]; ok {
				hits++
			}
		}
		total += k
	}
	recall := float64(hits) / float64(total)
	require.GreaterOrEqual(t, recall, 0.9, "recall %.2f", recall)
}

func randomVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func testEngineCfg() []config.VectorIndexConfig {
	return []config.VectorIndexConfig{{
		Name:      "emb",
		KeyPrefix: "vec/",
		Dimension: 3,
		Metric:    "cosine",
		Kind:      "flat",
	}}
}

func vecPut(key string, ver types.SeqN, vec []float32) types.Entry {
	return types.Entry{Key: []byte(key), Ver: ver, Kind: types.KindPut, Value: EncodeVector(vec)}
}

func vecDel(key string, ver types.SeqN) types.Entry {
	return types.Entry{Key: []byte(key), Ver: ver, Kind: types.KindDelete}
}

func TestEngineApplyAndSearch(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	e.Apply([]types.Entry{
		vecPut("vec/a", 1, []float32{1, 0, 0}),
		vecPut("vec/b", 2, []float32{0, 1, 0}),
		vecPut("vec/c", 3, []float32{0.9, 0.1, 0}),
		{Key: []byte("kv/plain"), Ver: 4, Kind: types.KindPut, Value: []byte("ignored")},
	})

	got, err := e.Search("emb", []float32{1, 0, 0}, 2, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "vec/a", string(got[0].Key))
	require.InDelta(t, 1.0, got[0].Score, 1e-6)
	require.Equal(t, "vec/c", string(got[1].Key))
}

func TestEngineStats(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	e.Apply([]types.Entry{
		vecPut("vec/a", 1, []float32{1, 0, 0}),
		vecPut("vec/b", 2, []float32{0, 1, 0}),
	})

	stats := e.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, "emb", stats[0].Name)
	require.Equal(t, "flat", stats[0].Kind)
	require.Equal(t, 2, stats[0].Size)
	require.Equal(t, int64(2*3*4), stats[0].MemoryBytes)
}

func TestEngineDeleteAndVersionShadowing(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	e.Apply([]types.Entry{vecPut("vec/a", 5, []float32{1, 0, 0})})
	e.Apply([]types.Entry{vecDel("vec/a", 6)})

	// stale replays must not resurrect the key
	e.Apply([]types.Entry{vecPut("vec/a", 5, []float32{1, 0, 0})})

	got, err := e.Search("emb", []float32{1, 0, 0}, 1, nil, nil)
	require.NoError(t, err)
	require.Empty(t, got)

	e.Apply([]types.Entry{vecPut("vec/a", 7, []float32{0, 1, 0})})
	got, err = e.Search("emb", []float32{0, 1, 0}, 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, types.SeqN(7), got[0].Ver)
}

func TestEngineTieBreakByOwnerKey(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	e.Apply([]types.Entry{
		vecPut("vec/b", 1, []float32{1, 0, 0}),
		vecPut("vec/a", 2, []float32{1, 0, 0}),
	})

	got, err := e.Search("emb", []float32{1, 0, 0}, 2, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "vec/a", string(got[0].Key))
	require.Equal(t, "vec/b", string(got[1].Key))
}

func TestEngineValidate(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	require.NoError(t, e.Validate("emb", []float32{1, 2, 3}))

	err = e.Validate("emb", []float32{1, 2})
	var dim *dberrors.DimensionMismatchError
	require.ErrorAs(t, err, &dim)
	require.Equal(t, 3, dim.Want)
	require.Equal(t, 2, dim.Got)

	require.ErrorIs(t, e.Validate("nope", []float32{1, 2, 3}), dberrors.ErrInvalidArgument)
}

func TestEngineSearchRejectsBadInput(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	_, err = e.Search("nope", []float32{1, 0, 0}, 1, nil, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, err = e.Search("emb", []float32{1, 0}, 1, nil, nil)
	var dim *dberrors.DimensionMismatchError
	require.ErrorAs(t, err, &dim)

	_, err = e.Search("emb", []float32{1, 0, 0}, 0, nil, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestEngineSnapshotVisibility(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	e.Apply([]types.Entry{
		vecPut("vec/a", 1, []float32{1, 0, 0}),
		vecPut("vec/b", 10, []float32{0.9, 0.1, 0}),
	})

	// read snapshot at version 5: vec/b was indexed after it
	asOf := types.SeqN(5)
	got, err := e.Search("emb", []float32{1, 0, 0}, 2, nil, func(key types.Key, ver types.SeqN) (bool, error) {
		return ver <= asOf, nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "vec/a", string(got[0].Key))
}

func TestEnginePredicateFilters(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("vec/%02d", i)
		e.Apply([]types.Entry{vecPut(key, types.SeqN(i+1), []float32{float32(i), 1, 0})})
	}

	got, err := e.Search("emb", []float32{5, 1, 0}, 3, func(key types.Key) bool {
		return string(key) >= "vec/10"
	}, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, r := range got {
		require.GreaterOrEqual(t, string(r.Key), "vec/10")
	}
}

// Segment roundtrip: the builder sees a flush-ordered entry stream
// (key ascending, version descending), keeps the newest record per key,
// and a fresh engine rebuilt from the segment answers like the source.
func TestSegmentRoundTrip(t *testing.T) {
	src, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	b := src.NewSegmentBuilder()
	b.Add(vecPut("vec/a", 3, []float32{1, 0, 0}))
	b.Add(vecPut("vec/a", 1, []float32{0, 0, 1})) // older version, skipped
	b.Add(vecDel("vec/b", 4))
	b.Add(vecPut("vec/b", 2, []float32{0, 1, 0})) // shadowed by the tombstone
	b.Add(vecPut("vec/c", 5, []float32{0.5, 0.5, 0}))
	b.Add(types.Entry{Key: []byte("kv/x"), Ver: 6, Kind: types.KindPut, Value: []byte("ignored")})

	data, err := b.Finish()
	require.NoError(t, err)
	require.NotNil(t, data)

	dst, err := NewEngine(testEngineCfg())
	require.NoError(t, err)
	require.NoError(t, dst.LoadSegment(data))

	got, err := dst.Search("emb", []float32{1, 0, 0}, 3, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "vec/a", string(got[0].Key))
	require.Equal(t, types.SeqN(3), got[0].Ver)
	require.Equal(t, "vec/c", string(got[1].Key))
}

func TestSegmentEmptyWhenNoIndexedKeys(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	b := e.NewSegmentBuilder()
	b.Add(types.Entry{Key: []byte("kv/only"), Ver: 1, Kind: types.KindPut, Value: []byte("v")})
	data, err := b.Finish()
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestLoadSegmentRejectsCorruptData(t *testing.T) {
	e, err := NewEngine(testEngineCfg())
	require.NoError(t, err)

	require.ErrorIs(t, e.LoadSegment([]byte{1, 2, 3, 4, 5, 6}), dberrors.ErrCorruptData)
}
