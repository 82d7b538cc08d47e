// Package ttlcache provides a bounded in-memory cache with per-entry expiry.
//
// It backs idempotency keys (processed payment identifiers, job dedup keys)
// and short-lived deduplication windows. Capacity is enforced at insert time
// by evicting the oldest-inserted entry, so memory stays bounded even when
// no sweep is scheduled.
package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a thread-safe key/value store with TTL expiry and a hard
// capacity bound. Eviction is insertion-ordered: reads do not extend or
// reorder entries.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[V]
	order      *list.List // front = oldest inserted
	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time

	onEvict func(key string, reason string)
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	expiresAt  time.Time
	elem       *list.Element
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithNow sets the time function for testing.
func WithNow[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// WithEvictionHook sets a callback invoked after an entry is removed.
// Reason is "capacity" or "expired". Called with the cache lock held, so
// the hook must not call back into the cache.
func WithEvictionHook[V any](fn func(key string, reason string)) Option[V] {
	return func(c *Cache[V]) {
		c.onEvict = fn
	}
}

// New creates a cache with the given default TTL and capacity.
// maxEntries <= 0 means unbounded.
func New[V any](defaultTTL time.Duration, maxEntries int, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries:    make(map[string]*entry[V]),
		order:      list.New(),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores a value with the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores a value with absolute expiry now+ttl. Overwriting an
// existing key refreshes its insertion position, so the entry is treated
// as freshly inserted for eviction ordering.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		ent.value = value
		ent.insertedAt = now
		ent.expiresAt = now.Add(ttl)
		c.order.MoveToBack(ent.elem)
		return
	}

	// Evict the oldest-inserted entry before admitting a new one at capacity.
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*entry[V]), "capacity")
		}
	}

	ent := &entry[V]{
		key:        key,
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	ent.elem = c.order.PushBack(ent)
	c.entries[key] = ent
}

// Get returns the value for key if present and unexpired. An expired
// entry is lazily deleted and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !now.Before(ent.expiresAt) {
		c.removeLocked(ent, "expired")
		return zero, false
	}
	return ent.value, true
}

// Has reports whether key is present and unexpired. It never mutates the
// cache; expired entries are left for Get or Cleanup to remove.
func (c *Cache[V]) Has(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	return ok && now.Before(ent.expiresAt)
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		c.removeLocked(ent, "deleted")
	}
}

// Cleanup removes all expired entries and returns the count removed.
// Intended to be driven by an external Sweeper on a fixed period.
func (c *Cache[V]) Cleanup() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		ent := elem.Value.(*entry[V])
		if !now.Before(ent.expiresAt) {
			c.removeLocked(ent, "expired")
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the current entry count, including entries that have
// expired but not yet been swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) removeLocked(ent *entry[V], reason string) {
	delete(c.entries, ent.key)
	c.order.Remove(ent.elem)
	if c.onEvict != nil {
		c.onEvict(ent.key, reason)
	}
}
