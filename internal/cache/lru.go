package cache

import (
	"container/list"
	"sync"
	"time"
)

const defaultCapacity = 128

// LRU is a generic LRU cache with per-entry TTL expiration. A zero TTL keeps
// entries until they are evicted by capacity.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	nowFn    func() time.Time

	onHit  func()
	onMiss func()

	hits   int64
	misses int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

type Option func(*options)

type options struct {
	onHit  func()
	onMiss func()
}

// WithHitMissHooks registers callbacks run on every lookup, typically metric
// counters. They run under the cache lock and must not call back into it.
func WithHitMissHooks(onHit, onMiss func()) Option {
	return func(o *options) {
		o.onHit = onHit
		o.onMiss = onMiss
	}
}

// NewLRU creates a cache holding at most capacity entries. Non-positive
// capacities fall back to a small default.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *LRU[K, V] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
		onHit:    o.onHit,
		onMiss:   o.onMiss,
	}
}

// Get returns the live value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if ok {
		e := elem.Value.(*entry[K, V])
		if !c.expired(e) {
			c.order.MoveToFront(elem)
			c.recordHit()
			return e.value, true
		}
		c.removeElement(elem)
	}

	c.recordMiss()
	var zero V
	return zero, false
}

// Put adds or replaces key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = c.expiry()
		return
	}

	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Back())
	}

	elem := c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: c.expiry()})
	c.items[key] = elem
}

// Delete drops key if present.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// DeleteFunc drops every entry whose key matches and returns how many went.
func (c *LRU[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if match(elem.Value.(*entry[K, V]).key) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Purge empties the cache. Hit and miss counts are kept.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.capacity)
	c.order.Init()
}

// Len includes expired entries that have not been touched since expiring.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.nowFn().Add(c.ttl)
}

func (c *LRU[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && c.nowFn().After(e.expiresAt)
}

func (c *LRU[K, V]) recordHit() {
	c.hits++
	if c.onHit != nil {
		c.onHit()
	}
}

func (c *LRU[K, V]) recordMiss() {
	c.misses++
	if c.onMiss != nil {
		c.onMiss()
	}
}

func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
