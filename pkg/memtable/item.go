package memtable

import (
	"sync/atomic"

	"vexdb/pkg/types"
)

// Item is one version of a key held in memory.
type Item struct {
	Ver   types.SeqN
	Kind  types.Kind
	Value types.Value
}

// chain holds the versions of a single key, newest first. Concurrent
// writers publish a fresh slice via CAS so readers never observe a
// half-updated list.
type chain struct {
	items atomic.Pointer[[]Item]
}

func (c *chain) add(it Item) {
	for {
		old := c.items.Load()
		var cur []Item
		if old != nil {
			cur = *old
		}

		next := make([]Item, 0, len(cur)+1)
		inserted := false
		for _, v := range cur {
			if !inserted && it.Ver >= v.Ver {
				next = append(next, it)
				inserted = true
			}
			next = append(next, v)
		}
		if !inserted {
			next = append(next, it)
		}

		if c.items.CompareAndSwap(old, &next) {
			return
		}
	}
}

// visible returns the newest version at or below asOf.
func (c *chain) visible(asOf types.SeqN) (Item, bool) {
	ptr := c.items.Load()
	if ptr == nil {
		return Item{}, false
	}
	for _, it := range *ptr {
		if it.Ver <= asOf {
			return it, true
		}
	}
	return Item{}, false
}

// all returns every version, newest first.
func (c *chain) all() []Item {
	ptr := c.items.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}
