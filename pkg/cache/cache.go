// Package cache implements a simple LRU cache for decoded SSTable
// blocks, keyed by table id and block offset.
package cache

import "sync"

type BlockKey struct {
	Table  uint64
	Offset int64
}

type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[BlockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key   BlockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

func NewBlockCache(capacity int) *BlockCache {
	if capacity < 1 {
		capacity = 1
	}
	return &BlockCache{
		capacity: capacity,
		items:    make(map[BlockKey]*cacheItem, capacity),
	}
}

// Get retrieves a cached block and marks it recently used.
func (bc *BlockCache) Get(key BlockKey) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		return nil, false
	}
	bc.moveToHead(item)
	return item.value, true
}

// Set stores a block, evicting the least recently used one when over
// capacity.
func (bc *BlockCache) Set(key BlockKey, value []byte) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// DropTable removes every cached block belonging to a table, called
// when the table file is deleted after compaction.
func (bc *BlockCache) DropTable(table uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.Table != table {
			continue
		}
		bc.unlink(item)
		delete(bc.items, key)
	}
}

func (bc *BlockCache) Len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
