package iterator

import "vexdb/pkg/types"

// Iterator iterates over a sorted sequence of key-value pairs as seen
// at one read version. Forward-only: the merge machinery underneath
// streams entries in ascending key order.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Err returns the first error the iterator hit, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// EntryIterator walks raw versioned entries in key-ascending,
// version-descending order. It is the contract between the memtable,
// the SSTables and the merge machinery.
type EntryIterator interface {
	Seek(key types.Key)
	SeekFirst()
	Next()
	Valid() bool
	Entry() types.Entry
	Err() error
	Close() error
}
