package offgate

import (
	"strings"
	"sync"
)

// ramCache is a size-bounded LRU front for the generation store. Entries are
// keyed "<generation>:<uri>", same as the store index. Evicted entries are
// simply dropped: write-through already persisted them.

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes    int64
	overflowLog *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, overflowLog: overflowLog, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

// DropPrefix removes every entry whose key starts with prefix. Activation uses
// it to purge a retired generation from RAM.
func (c *ramCache) DropPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.remove(it)
			delete(c.items, k)
			c.total -= it.size
		}
	}
}

func (c *ramCache) Put(key string, ent CacheEntry) {
	b, err := encodeGob(ent)
	if err != nil {
		return
	}
	sz := int64(len(b))

	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big for RAM; the store still has it
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return
	}

	if c.maxBytes > 0 && c.total+sz > c.maxBytes {
		c.evictLocked(c.total + sz - c.maxBytes)
		if c.overflowLog != nil {
			c.overflowLog.Printf("RAM cache overflow, evicting")
		}
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

// evictLocked drops least-recently-used items until at least need bytes were
// reclaimed. Caller holds the lock.
func (c *ramCache) evictLocked(need int64) {
	var freed int64
	for freed < need && c.tail != nil {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
		freed += it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
