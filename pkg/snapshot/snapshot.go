package snapshot

import (
	"vexdb/pkg/iterator"
	"vexdb/pkg/types"
)

// Snapshot is a consistent read view at one version. It stays valid
// until released; the engine's garbage collection never removes
// versions a live snapshot can still see.
type Snapshot interface {
	// Version returns the read version the snapshot was taken at.
	Version() types.SeqN
	// Get returns the value visible at the snapshot version.
	Get(key types.Key) (types.Value, bool, error)
	// NewIterator scans [lo, hi) as of the snapshot version.
	NewIterator(lo, hi types.Key) (iterator.Iterator, error)
	// Release unpins the snapshot.
	Release()
}
