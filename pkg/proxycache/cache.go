// Package proxycache holds rewritten HTML documents keyed by request
// method and encoded target, bounded by entry count and freshness TTL.
package proxycache

import (
	"sync"
	"time"
)

// Key identifies a cached response. Only GET responses are ever stored,
// but the method participates in the key so no other variant can collide
// with one.
type Key struct {
	Method string
	Token  string
}

// Entry is one rewritten document ready to serve. Entries belong to the
// cache once inserted; callers must not retain or mutate them.
type Entry struct {
	TargetURL   string
	ContentType string
	Body        []byte
	InsertedAt  time.Time
}

// Cache is a bounded TTL cache with insertion-order eviction. Eviction is
// FIFO on purpose: a read does not promote an entry, so the oldest
// inserted key always goes first regardless of access pattern.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[Key]*Entry
	order    []Key // insertion order, oldest first

	now func() time.Time
}

// New creates a cache bounded to capacity entries, each fresh for ttl.
func New(capacity int, ttl time.Duration) *Cache {
	return NewWithClock(capacity, ttl, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(capacity int, ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[Key]*Entry),
		now:      now,
	}
}

// Get returns the entry for key if present and fresh. An entry past its
// TTL is deleted lazily and reported as a miss.
func (c *Cache) Get(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.InsertedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry, true
}

// Put inserts or replaces an entry and stamps its insertion time. When
// the cache grows past capacity, the oldest-inserted entry is evicted.
// The whole read-modify-write sequence runs under one critical section,
// so there is exactly one eviction decision per insertion.
func (c *Cache) Put(key Key, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.InsertedAt = c.now()
	// Lazy expiry in Get removes the entry but leaves its order slot, so
	// the slot must always be dropped here: a leftover front slot for a
	// re-inserted key would make eviction delete the newest insertion
	// instead of the oldest.
	c.dropFromOrder(key)
	c.entries[key] = entry
	c.order = append(c.order, key)

	for len(c.entries) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		// Keys lazily expired on read may linger in the order slice;
		// skipping them costs nothing.
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
		}
	}
}

// dropFromOrder removes the first occurrence of key from the insertion
// order, if present. Replacements and re-inserts after lazy expiry are
// rare, so the scan is fine.
func (c *Cache) dropFromOrder(key Key) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Clear empties the cache and returns how many entries were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[Key]*Entry)
	c.order = nil
	return n
}

// Len reports the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
