package vector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"vexdb/pkg/config"
	"vexdb/pkg/dberrors"
	"vexdb/pkg/levels"
	"vexdb/pkg/types"
)

// Predicate filters search candidates by their owner key.
type Predicate func(key types.Key) bool

// VisibleFunc checks a candidate against the caller's read snapshot.
// Candidates it rejects are dropped from the result set.
type VisibleFunc func(key types.Key, ver types.SeqN) (bool, error)

// SearchResult is one vector search hit, ordered by descending score
// with ties broken by ascending owner key.
type SearchResult struct {
	Key   types.Key
	Score float32
	Ver   types.SeqN
}

// indexState binds one configured index to its key prefix and the
// owner-key <-> node-id mapping. Node ids are dense uint32s private to
// the index; a key keeps its id across delete and re-insert so version
// shadowing survives.
type indexState struct {
	cfg    config.VectorIndexConfig
	metric Metric
	prefix []byte
	idx    Index

	idByKey map[string]uint32
	keyByID map[uint32]string
	verByID map[uint32]types.SeqN
	nextID  uint32

	overBudget bool
}

// bytesPerVector approximates the storage cost of one indexed vector.
func (st *indexState) bytesPerVector() int64 {
	width := 4
	if st.cfg.HalfPrecision && st.cfg.Kind != "hnsw" {
		width = 2
	}
	return int64(st.cfg.Dimension * width)
}

// memoryBytes estimates the index's live vector footprint.
func (st *indexState) memoryBytes() int64 {
	return int64(st.idx.Len()) * st.bytesPerVector()
}

// checkBudget logs once when the configured memory budget is crossed
// and again when usage falls back under it.
func (st *indexState) checkBudget() {
	if st.cfg.MemoryBudget <= 0 {
		return
	}
	used := st.memoryBytes()
	if used > st.cfg.MemoryBudget && !st.overBudget {
		st.overBudget = true
		slog.Warn("vector index exceeds its memory budget",
			"index", st.cfg.Name, "used_bytes", used, "budget_bytes", st.cfg.MemoryBudget)
	} else if used <= st.cfg.MemoryBudget && st.overBudget {
		st.overBudget = false
	}
}

// Engine maintains every configured vector index from the committed
// entry stream: puts under an index's key prefix become inserts,
// tombstones become deletes. Entries carry versions, and an index only
// moves forward: a replayed older version never overwrites a newer one.
type Engine struct {
	mu     sync.RWMutex
	states []*indexState
	byName map[string]*indexState
}

func NewEngine(cfgs []config.VectorIndexConfig) (*Engine, error) {
	e := &Engine{byName: make(map[string]*indexState, len(cfgs))}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("%w: vector index without a name", dberrors.ErrInvalidArgument)
		}
		if _, ok := e.byName[cfg.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate vector index %q", dberrors.ErrInvalidArgument, cfg.Name)
		}
		if cfg.Dimension < 1 {
			return nil, fmt.Errorf("%w: vector index %q needs a positive dimension", dberrors.ErrInvalidArgument, cfg.Name)
		}
		metric, err := MetricByName(cfg.Metric)
		if err != nil {
			return nil, err
		}

		var idx Index
		switch cfg.Kind {
		case "", "flat":
			idx = NewFlat(metric, cfg.HalfPrecision)
		case "hnsw":
			idx = NewHNSW(metric, cfg.M, cfg.EfConstruction, cfg.EfSearch)
		default:
			return nil, fmt.Errorf("%w: unknown vector index kind %q", dberrors.ErrInvalidArgument, cfg.Kind)
		}

		st := &indexState{
			cfg:     cfg,
			metric:  metric,
			prefix:  []byte(cfg.KeyPrefix),
			idx:     idx,
			idByKey: make(map[string]uint32),
			keyByID: make(map[uint32]string),
			verByID: make(map[uint32]types.SeqN),
		}
		e.states = append(e.states, st)
		e.byName[cfg.Name] = st
	}
	return e, nil
}

// EncodeVector serializes a vector as little-endian float32s, the value
// format indexed keys must carry.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// DecodeVector parses a little-endian float32 value.
func DecodeVector(value []byte) ([]float32, error) {
	if len(value)%4 != 0 {
		return nil, fmt.Errorf("%w: vector value length %d is not a multiple of 4", dberrors.ErrInvalidArgument, len(value))
	}
	out := make([]float32, len(value)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(value[4*i:]))
	}
	return out, nil
}

// Validate checks a vector against an index before it is written.
func (e *Engine) Validate(name string, vec []float32) error {
	st, ok := e.byName[name]
	if !ok {
		return fmt.Errorf("%w: unknown vector index %q", dberrors.ErrInvalidArgument, name)
	}
	if len(vec) != st.cfg.Dimension {
		return &dberrors.DimensionMismatchError{Index: name, Want: st.cfg.Dimension, Got: len(vec)}
	}
	return nil
}

// IndexFor returns the index whose key prefix covers the key, if any.
func (e *Engine) IndexFor(key types.Key) (string, bool) {
	if st := e.route(key); st != nil {
		return st.cfg.Name, true
	}
	return "", false
}

func (e *Engine) route(key types.Key) *indexState {
	for _, st := range e.states {
		if bytes.HasPrefix(key, st.prefix) {
			return st
		}
	}
	return nil
}

// Apply folds committed entries into the indexes. Entries under no
// configured prefix are ignored. Malformed vector values are logged and
// skipped: the write itself is already durable, only the index entry is
// lost.
func (e *Engine) Apply(entries []types.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range entries {
		st := e.route(entry.Key)
		if st == nil {
			continue
		}
		e.applyLocked(st, entry.Key, entry.Ver, entry.Kind, entry.Value)
	}
}

func (e *Engine) applyLocked(st *indexState, key types.Key, ver types.SeqN, kind types.Kind, value []byte) {
	id, known := st.idByKey[string(key)]
	if known && ver <= st.verByID[id] {
		return
	}

	if kind == types.KindDelete {
		if known {
			st.idx.Delete(id)
			st.verByID[id] = ver
		}
		return
	}

	vec, err := DecodeVector(value)
	if err != nil {
		slog.Warn("skipping malformed vector value", "index", st.cfg.Name, "key", string(key), "error", err)
		return
	}
	if len(vec) != st.cfg.Dimension {
		slog.Warn("skipping vector with wrong dimension",
			"index", st.cfg.Name, "key", string(key),
			"want", st.cfg.Dimension, "got", len(vec))
		return
	}

	if !known {
		id = st.nextID
		st.nextID++
		st.idByKey[string(key)] = id
		st.keyByID[id] = string(key)
	}
	if err := st.idx.Insert(id, vec); err != nil {
		slog.Warn("vector insert failed", "index", st.cfg.Name, "key", string(key), "error", err)
		return
	}
	st.verByID[id] = ver
	st.checkBudget()
}

// Search runs a top-k query against one index. The predicate filters by
// owner key during traversal; visible drops candidates the caller's
// snapshot cannot see, re-searching wider until k survive or the index
// is exhausted.
func (e *Engine) Search(name string, query []float32, k int, pred Predicate, visible VisibleFunc) ([]SearchResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be positive", dberrors.ErrInvalidArgument)
	}
	st, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vector index %q", dberrors.ErrInvalidArgument, name)
	}
	if len(query) != st.cfg.Dimension {
		return nil, &dberrors.DimensionMismatchError{Index: name, Want: st.cfg.Dimension, Got: len(query)}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var filter Filter
	if pred != nil {
		filter = func(id uint32) bool {
			return pred(types.Key(st.keyByID[id]))
		}
	}

	want := k
	for {
		candidates := st.idx.Search(query, want, filter)

		out := make([]SearchResult, 0, len(candidates))
		for _, cand := range candidates {
			key := types.Key(st.keyByID[cand.ID])
			ver := st.verByID[cand.ID]
			if visible != nil {
				ok, err := visible(key, ver)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			out = append(out, SearchResult{Key: key, Score: st.metric.score(cand.Dist), Ver: ver})
		}

		if len(out) >= k || len(candidates) < want {
			sort.Slice(out, func(i, j int) bool {
				if out[i].Score != out[j].Score {
					return out[i].Score > out[j].Score
				}
				return bytes.Compare(out[i].Key, out[j].Key) < 0
			})
			if len(out) > k {
				out = out[:k]
			}
			return out, nil
		}
		want *= 2
	}
}

// Repair detaches tombstoned nodes from every HNSW index. Cheap when
// there is nothing to do; meant to run on a timer.
func (e *Engine) Repair() {
	for _, st := range e.states {
		if h, ok := st.idx.(*HNSW); ok {
			h.Repair()
		}
	}
}

// IndexStats describes one index for the debug surface.
type IndexStats struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Metric      string `json:"metric"`
	Dimension   int    `json:"dimension"`
	Size        int    `json:"size"`
	Tombstones  int    `json:"tombstones"`
	MemoryBytes int64  `json:"memory_bytes"`
}

func (e *Engine) Stats() []IndexStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]IndexStats, 0, len(e.states))
	for _, st := range e.states {
		s := IndexStats{
			Name:        st.cfg.Name,
			Kind:        st.cfg.Kind,
			Metric:      st.cfg.Metric,
			Dimension:   st.cfg.Dimension,
			Size:        st.idx.Len(),
			MemoryBytes: st.memoryBytes(),
		}
		if s.Kind == "" {
			s.Kind = "flat"
		}
		if s.Metric == "" {
			s.Metric = "cosine"
		}
		if h, ok := st.idx.(*HNSW); ok {
			s.Tombstones = h.Tombstones()
		}
		out = append(out, s)
	}
	return out
}

// NewSegmentBuilder starts a vector segment for one SSTable. The entry
// stream arrives sorted by key ascending, version descending, so the
// first entry seen per key is the newest and the rest are skipped.
func (e *Engine) NewSegmentBuilder() levels.SegmentBuilder {
	return &segmentBuilder{eng: e, perIndex: make(map[string][]segmentRecord)}
}

type segmentRecord struct {
	key   []byte
	ver   types.SeqN
	kind  types.Kind
	value []byte
}

type segmentBuilder struct {
	eng      *Engine
	perIndex map[string][]segmentRecord
	lastKey  map[string][]byte
}

func (b *segmentBuilder) Add(entry types.Entry) {
	st := b.eng.route(entry.Key)
	if st == nil {
		return
	}
	name := st.cfg.Name
	if b.lastKey == nil {
		b.lastKey = make(map[string][]byte)
	}
	if bytes.Equal(b.lastKey[name], entry.Key) {
		return // older version of a key already recorded
	}
	b.lastKey[name] = append([]byte{}, entry.Key...)

	rec := segmentRecord{
		key:  append([]byte{}, entry.Key...),
		ver:  entry.Ver,
		kind: entry.Kind,
	}
	if entry.Kind == types.KindPut {
		rec.value = append([]byte{}, entry.Value...)
	}
	b.perIndex[name] = append(b.perIndex[name], rec)
}

const segmentMagic uint32 = 0x76736731 // "vsg1"

// Finish encodes the collected records, or returns nil when no indexed
// key appeared in the table.
func (b *segmentBuilder) Finish() ([]byte, error) {
	if len(b.perIndex) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(b.perIndex))
	for name := range b.perIndex {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	writeU32(&buf, segmentMagic)
	writeU16(&buf, uint16(len(names)))
	for _, name := range names {
		records := b.perIndex[name]
		writeU16(&buf, uint16(len(name)))
		buf.WriteString(name)
		writeU32(&buf, uint32(len(records)))
		for _, rec := range records {
			writeU16(&buf, uint16(len(rec.key)))
			buf.Write(rec.key)
			var ver [8]byte
			binary.LittleEndian.PutUint64(ver[:], rec.ver)
			buf.Write(ver[:])
			buf.WriteByte(byte(rec.kind))
			writeU32(&buf, uint32(len(rec.value)))
			buf.Write(rec.value)
		}
	}
	return buf.Bytes(), nil
}

// LoadSegment folds a stored segment back in. Records for indexes no
// longer configured are skipped. Version shadowing makes the load order
// requirement (oldest table first) safe against duplicates.
func (e *Engine) LoadSegment(data []byte) error {
	rd := &segmentReader{data: data}
	if magic, err := rd.u32(); err != nil || magic != segmentMagic {
		return fmt.Errorf("%w: bad vector segment header", dberrors.ErrCorruptData)
	}
	numIndexes, err := rd.u16()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < int(numIndexes); i++ {
		nameLen, err := rd.u16()
		if err != nil {
			return err
		}
		name, err := rd.bytes(int(nameLen))
		if err != nil {
			return err
		}
		count, err := rd.u32()
		if err != nil {
			return err
		}
		st := e.byName[string(name)]
		for j := 0; j < int(count); j++ {
			keyLen, err := rd.u16()
			if err != nil {
				return err
			}
			key, err := rd.bytes(int(keyLen))
			if err != nil {
				return err
			}
			verBytes, err := rd.bytes(8)
			if err != nil {
				return err
			}
			kindByte, err := rd.bytes(1)
			if err != nil {
				return err
			}
			valLen, err := rd.u32()
			if err != nil {
				return err
			}
			value, err := rd.bytes(int(valLen))
			if err != nil {
				return err
			}
			if st != nil {
				e.applyLocked(st, key, binary.LittleEndian.Uint64(verBytes), types.Kind(kindByte[0]), value)
			}
		}
	}
	return nil
}

type segmentReader struct {
	data []byte
	off  int
}

func (r *segmentReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated vector segment", dberrors.ErrCorruptData)
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *segmentReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *segmentReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
