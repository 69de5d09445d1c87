package types

import "bytes"

// Key is an ordered byte sequence. Keys are compared lexicographically
// over raw bytes everywhere in the engine.
type Key = []byte

// Value is an opaque byte sequence.
type Value = []byte

// SeqN is a monotonically increasing sequence number used for MVCC
// versioning and WAL ordering.
type SeqN = uint64

// Kind marks an entry as a regular write or a tombstone.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindDelete
)

// Entry is a single versioned record. Entries for the same key are
// totally ordered by Ver; the engine never reorders or drops versions.
type Entry struct {
	Key   Key
	Ver   SeqN
	Kind  Kind
	Value Value
}

// Tombstone reports whether the entry marks a deletion.
func (e Entry) Tombstone() bool { return e.Kind == KindDelete }

// CompareEntries orders entries by key ascending, then version
// descending, so the newest version of a key always sorts first.
func CompareEntries(a, b Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Ver > b.Ver:
		return -1
	case a.Ver < b.Ver:
		return 1
	}
	return 0
}
