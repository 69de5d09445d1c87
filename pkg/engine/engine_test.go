package engine

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"vexdb/pkg/config"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

func testDBConfig(dir string) config.DBConfig {
	cfg := config.Default().DB
	cfg.DataDir = dir
	cfg.WAL.SyncEveryCommit = true
	cfg.Memtable.FlushThresholdBytes = 1 << 20
	cfg.SSTable.Compression = "none"
	cfg.SSTable.CompactThreshold = 4
	return cfg
}

func openEngine(t *testing.T, cfg config.DBConfig) *Engine {
	t.Helper()
	e, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	return e
}

func putEntry(key string, ver types.SeqN, val string) types.Entry {
	return types.Entry{Key: []byte(key), Ver: ver, Kind: types.KindPut, Value: []byte(val)}
}

func delEntry(key string, ver types.SeqN) types.Entry {
	return types.Entry{Key: []byte(key), Ver: ver, Kind: types.KindDelete}
}

func TestApplyAndGetVersioned(t *testing.T) {
	e := openEngine(t, testDBConfig(t.TempDir()))
	defer e.Close()

	require.NoError(t, e.ApplyBatch(1, []types.Entry{putEntry("k", 1, "v1")}))
	require.NoError(t, e.ApplyBatch(2, []types.Entry{putEntry("k", 2, "v2")}))
	require.NoError(t, e.ApplyBatch(3, []types.Entry{delEntry("k", 3)}))

	v, ok, err := e.Get([]byte("k"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	v, ok, err = e.Get([]byte("k"), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)

	_, ok, err = e.Get([]byte("k"), 3)
	require.NoError(t, err)
	require.False(t, ok, "tombstone hides the key")

	require.Equal(t, types.SeqN(3), e.LastVersion())
}

func TestRecoverFromWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := testDBConfig(dir)

	e := openEngine(t, cfg)
	require.NoError(t, e.ApplyBatch(1, []types.Entry{putEntry("a", 1, "1")}))
	require.NoError(t, e.ApplyBatch(2, []types.Entry{putEntry("b", 2, "2"), delEntry("a", 2)}))
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	defer e.Close()

	require.Equal(t, types.SeqN(2), e.LastVersion())

	_, ok, err := e.Get([]byte("a"), 2)
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := e.Get([]byte("b"), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	v, ok, err = e.Get([]byte("a"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestFlushMovesDataToTables(t *testing.T) {
	dir := t.TempDir()
	cfg := testDBConfig(dir)

	e := openEngine(t, cfg)
	for i := range 100 {
		ver := types.SeqN(i + 1)
		require.NoError(t, e.ApplyBatch(ver, []types.Entry{putEntry(fmt.Sprintf("key-%03d", i), ver, "v")}))
	}
	require.NoError(t, e.Flush())

	stats := e.Stats()
	require.Positive(t, stats.Tables)
	require.Equal(t, types.SeqN(100), stats.FlushedVer)
	require.Zero(t, stats.ImmTables)

	// data still visible after the memtable emptied
	v, ok, err := e.Get([]byte("key-050"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, e.Close())

	// reopen: everything comes from tables, WAL checkpointed away
	e = openEngine(t, cfg)
	defer e.Close()
	v, ok, err = e.Get([]byte("key-050"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
	require.Equal(t, types.SeqN(100), e.LastVersion())
}

func TestIteratorRange(t *testing.T) {
	e := openEngine(t, testDBConfig(t.TempDir()))
	defer e.Close()

	for i := range 10 {
		ver := types.SeqN(i + 1)
		require.NoError(t, e.ApplyBatch(ver, []types.Entry{putEntry(fmt.Sprintf("k%02d", i), ver, fmt.Sprintf("v%d", i))}))
	}
	// delete one key inside the range
	require.NoError(t, e.ApplyBatch(11, []types.Entry{delEntry("k05", 11)}))

	it, err := e.NewIterator([]byte("k03"), []byte("k08"), 100)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"k03", "k04", "k06", "k07"}, keys)

	// at an older read version the deleted key is still there
	it2, err := e.NewIterator([]byte("k03"), []byte("k08"), 10)
	require.NoError(t, err)
	defer it2.Close()

	keys = nil
	for ; it2.Valid(); it2.Next() {
		keys = append(keys, string(it2.Key()))
	}
	require.Equal(t, []string{"k03", "k04", "k05", "k06", "k07"}, keys)
}

func TestIteratorMergesMemtableAndTables(t *testing.T) {
	e := openEngine(t, testDBConfig(t.TempDir()))
	defer e.Close()

	require.NoError(t, e.ApplyBatch(1, []types.Entry{putEntry("disk", 1, "d")}))
	require.NoError(t, e.Flush())
	require.NoError(t, e.ApplyBatch(2, []types.Entry{putEntry("mem", 2, "m")}))

	it, err := e.NewIterator(nil, nil, 100)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"disk", "mem"}, keys)
}

func TestCompactionPreservesReads(t *testing.T) {
	cfg := testDBConfig(t.TempDir())
	e := openEngine(t, cfg)
	defer e.Close()

	// several flush cycles to populate L0, then compact
	ver := types.SeqN(0)
	for round := range 5 {
		for i := range 20 {
			ver++
			key := fmt.Sprintf("key-%02d", i)
			require.NoError(t, e.ApplyBatch(ver, []types.Entry{putEntry(key, ver, fmt.Sprintf("r%d", round))}))
		}
		require.NoError(t, e.Flush())
	}
	require.NoError(t, e.Compact())

	for i := range 20 {
		v, ok, err := e.Get([]byte(fmt.Sprintf("key-%02d", i)), ver)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("r4"), v)
	}
}

func TestFlushFailureStopsPipelineAndKeepsData(t *testing.T) {
	dir := t.TempDir()
	cfg := testDBConfig(dir)

	e := openEngine(t, cfg)

	// occupy the next table paths with directories so every write
	// attempt fails until the obstruction is removed
	var blocked []string
	for id := uint64(1); id <= 3; id++ {
		p := e.lvl.TablePath(id)
		require.NoError(t, os.Mkdir(p, 0o755))
		blocked = append(blocked, p)
	}

	require.NoError(t, e.ApplyBatch(1, []types.Entry{putEntry("k1", 1, "v1")}))
	require.ErrorIs(t, e.Flush(), dberrors.ErrIO)

	// the sealed table stays readable and the WAL keeps its batches
	v, ok, err := e.Get([]byte("k1"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	stats := e.Stats()
	require.Equal(t, types.SeqN(0), stats.FlushedVer)
	require.Positive(t, stats.WALBytes)

	// new writes are rejected while the pipeline is stuck
	require.ErrorIs(t, e.ApplyBatch(2, []types.Entry{putEntry("k2", 2, "v2")}), dberrors.ErrIO)

	require.NoError(t, e.Close())

	// clear the obstruction; reopen recovers the committed write
	for _, p := range blocked {
		require.NoError(t, os.Remove(p))
	}
	e = openEngine(t, cfg)
	defer e.Close()

	require.Equal(t, types.SeqN(1), e.LastVersion())
	v, ok, err = e.Get([]byte("k1"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestClosedEngineRejectsOps(t *testing.T) {
	e := openEngine(t, testDBConfig(t.TempDir()))
	require.NoError(t, e.Close())

	err := e.ApplyBatch(1, []types.Entry{putEntry("k", 1, "v")})
	require.Error(t, err)
	_, _, err = e.Get([]byte("k"), 1)
	require.Error(t, err)
}
