package levels

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"vexdb/pkg/config"
	"vexdb/pkg/iterator"
	"vexdb/pkg/sstable"
	"vexdb/pkg/types"
)

// SegmentBuilder accumulates vector data for one output table. The
// compactor feeds it every retained entry; Finish returns the encoded
// segment, or nil when the table holds no vectors.
type SegmentBuilder interface {
	Add(e types.Entry)
	Finish() ([]byte, error)
}

// SegmentFactory produces a fresh builder per output table. A nil
// factory disables vector segments.
type SegmentFactory func() SegmentBuilder

// Compactor merges tables down the hierarchy, garbage-collecting
// versions no live snapshot can see. One merge runs at a time; the
// errgroup bounds how many triggers may queue behind it.
type Compactor struct {
	mgr     *Manager
	cfg     config.CompactionConfig
	minSnap func() types.SeqN
	segment SegmentFactory
	limiter *rate.Limiter

	group *errgroup.Group
	runMu sync.Mutex
}

func NewCompactor(mgr *Manager, cfg config.CompactionConfig, minSnap func() types.SeqN, segment SegmentFactory) *Compactor {
	c := &Compactor{
		mgr:     mgr,
		cfg:     cfg,
		minSnap: minSnap,
		segment: segment,
		group:   &errgroup.Group{},
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	c.group.SetLimit(cfg.MaxConcurrent)
	if cfg.RateLimitBytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytesPerSec), cfg.RateLimitBytesPerSec)
	}
	return c
}

// MaybeCompact schedules a compaction pass if any level is over its
// threshold. Returns immediately; errors are logged.
func (c *Compactor) MaybeCompact() {
	c.group.TryGo(func() error {
		if err := c.Compact(); err != nil {
			slog.Error("compaction failed", "error", err)
		}
		return nil
	})
}

// Wait blocks until all scheduled passes finish.
func (c *Compactor) Wait() {
	c.group.Wait()
}

// Compact runs passes until no level is over its threshold.
func (c *Compactor) Compact() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	for {
		level, ok := c.pickLevel()
		if !ok {
			return nil
		}
		if err := c.compactLevel(level); err != nil {
			return err
		}
	}
}

func (c *Compactor) levelTarget(level int) int64 {
	target := c.mgr.cfg.TargetSizeBytes
	for i := 0; i < level; i++ {
		target *= int64(c.mgr.cfg.SizeMultiplier)
	}
	return target
}

func (c *Compactor) pickLevel() (int, bool) {
	c.mgr.mu.RLock()
	defer c.mgr.mu.RUnlock()

	if len(c.mgr.levels) == 0 {
		return 0, false
	}
	if len(c.mgr.levels[0]) >= c.mgr.cfg.CompactThreshold {
		return 0, true
	}
	for level := 1; level < len(c.mgr.levels); level++ {
		var size int64
		for _, h := range c.mgr.levels[level] {
			size += h.reader.Size()
		}
		if size > c.levelTarget(level) && len(c.mgr.levels[level]) > 0 {
			return level, true
		}
	}
	return 0, false
}

// compactLevel merges every table of level and level+1 into new tables
// at level+1.
func (c *Compactor) compactLevel(level int) error {
	c.mgr.mu.RLock()
	var inputs []*TableHandle
	// newer sources first: L0 newest last on disk order
	src := c.mgr.levels[level]
	for i := len(src) - 1; i >= 0; i-- {
		inputs = append(inputs, src[i].Retain())
	}
	if level+1 < len(c.mgr.levels) {
		for _, h := range c.mgr.levels[level+1] {
			inputs = append(inputs, h.Retain())
		}
	}
	// the output level is the bottom when nothing lives below it
	bottom := true
	for li := level + 2; li < len(c.mgr.levels); li++ {
		if len(c.mgr.levels[li]) > 0 {
			bottom = false
			break
		}
	}
	c.mgr.mu.RUnlock()

	if len(inputs) == 0 {
		return nil
	}
	defer func() {
		for _, h := range inputs {
			h.Release()
		}
	}()

	sources := make([]iterator.EntryIterator, len(inputs))
	for i, h := range inputs {
		sources[i] = h.reader.NewIterator()
	}
	merged := iterator.NewMergeIterator(sources)
	merged.SeekFirst()

	outputs, err := c.writeOutputs(merged, level+1, bottom)
	if err != nil {
		for _, r := range outputs {
			path := r.Path()
			r.Close()
			// best effort cleanup of half-installed outputs
			os.Remove(path)
		}
		return err
	}
	if err := merged.Err(); err != nil {
		return err
	}

	if err := c.mgr.replace(inputs, outputs, level+1); err != nil {
		return err
	}
	slog.Info("compacted level",
		"level", level,
		"inputs", len(inputs),
		"outputs", len(outputs),
		"min_snapshot", c.minSnap())
	return nil
}

// writeOutputs streams the merged entries through the retention filter
// into size-bounded output tables.
func (c *Compactor) writeOutputs(merged *iterator.MergeIterator, outLevel int, bottom bool) ([]*sstable.Reader, error) {
	minSnap := c.minSnap()
	codec, err := sstable.CodecByName(c.mgr.cfg.Compression)
	if err != nil {
		return nil, err
	}
	opts := sstable.WriterOptions{
		BlockSize: c.mgr.cfg.BlockSizeBytes,
		Codec:     codec,
		BloomFP:   c.mgr.bloomFP,
	}

	var (
		outputs []*sstable.Reader
		w       *sstable.Writer
		wID     uint64
		wBytes  int64
		seg     SegmentBuilder

		curKey        []byte
		keptBelowSnap bool
	)

	finishTable := func() error {
		if w == nil {
			return nil
		}
		if seg != nil {
			segData, err := seg.Finish()
			if err != nil {
				w.Abort()
				return err
			}
			w.SetVectorSegment(segData)
		}
		if err := w.Finish(); err != nil {
			return err
		}
		r, err := sstable.Open(c.mgr.TablePath(wID), wID, c.mgr.blocks)
		if err != nil {
			return err
		}
		outputs = append(outputs, r)
		w, seg, wBytes = nil, nil, 0
		return nil
	}

	for ; merged.Valid(); merged.Next() {
		e := merged.Entry()

		newKey := !bytes.Equal(e.Key, curKey)
		if newKey {
			curKey = append(curKey[:0], e.Key...)
			keptBelowSnap = false

			// split between keys once the table is large enough
			if w != nil && wBytes >= c.mgr.cfg.TargetSizeBytes {
				if err := finishTable(); err != nil {
					return outputs, err
				}
			}
		}

		// retention: keep everything a live snapshot can still see,
		// plus the newest version at or below the horizon
		if e.Ver <= minSnap {
			if keptBelowSnap {
				continue
			}
			keptBelowSnap = true
			if e.Tombstone() && bottom {
				// nothing below can resurrect the key
				continue
			}
		}

		if w == nil {
			wID = c.mgr.NextTableID()
			if w, err = sstable.NewWriter(c.mgr.TablePath(wID), opts); err != nil {
				return outputs, err
			}
			if c.segment != nil {
				seg = c.segment()
			}
		}

		n := int64(len(e.Key) + len(e.Value) + 16)
		if c.limiter != nil {
			c.limiter.WaitN(context.Background(), int(n))
		}
		if err := w.Add(e); err != nil {
			w.Abort()
			return outputs, err
		}
		if seg != nil {
			seg.Add(e)
		}
		wBytes += n
	}

	if err := finishTable(); err != nil {
		return outputs, err
	}
	return outputs, nil
}
