// Package cache provides a bounded, TTL-aware in-process cache.
//
// Caches here are acceleration only, never truth: callers write entries
// after a successful commit and fall back to the store on any miss. Every
// entry expires, and the cache is bounded, so a missed eviction can cost a
// store read but never correctness.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries bounds a cache when the caller passes zero.
	DefaultMaxEntries = 1024
	// DefaultTTL applies when the caller passes a non-positive TTL.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval drives the background expiry sweep.
	DefaultSweepInterval = time.Minute
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache is a bounded LRU cache with per-entry expiry. The zero value is not
// usable; construct with New.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List
	items      map[K]*list.Element

	now func() time.Time
}

// New returns a cache holding at most maxEntries entries, each expiring ttl
// after its last write. Non-positive arguments fall back to the defaults.
func New[K comparable, V any](maxEntries int, ttl time.Duration) *Cache[K, V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		items:      make(map[K]*list.Element),
		now:        time.Now,
	}
}

// Get returns the live value for key. Expired entries are removed on read.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return zero, false
	}
	item := element.Value.(*entry[K, V])
	if !c.now().Before(item.expiresAt) {
		c.removeLocked(element)
		return zero, false
	}
	c.order.MoveToFront(element)
	return item.value, true
}

// Put writes key with a fresh TTL, evicting the least recently used entry
// when the cache is full.
func (c *Cache[K, V]) Put(key K, value V) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if element, ok := c.items[key]; ok {
		item := element.Value.(*entry[K, V])
		item.value = value
		item.expiresAt = expiresAt
		c.order.MoveToFront(element)
		return
	}

	if c.order.Len() >= c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
}

// Delete evicts key if present.
func (c *Cache[K, V]) Delete(key K) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		c.removeLocked(element)
	}
}

// Len reports the number of entries, expired or not.
func (c *Cache[K, V]) Len() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Snapshot returns a copy of every live entry. Expired entries are skipped
// but left for the sweep.
func (c *Cache[K, V]) Snapshot() map[K]V {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[K]V, len(c.items))
	for key, element := range c.items {
		item := element.Value.(*entry[K, V])
		if now.Before(item.expiresAt) {
			out[key] = item.value
		}
	}
	return out
}

// Sweep removes every expired entry and reports how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for element := c.order.Back(); element != nil; {
		prev := element.Prev()
		item := element.Value.(*entry[K, V])
		if !now.Before(item.expiresAt) {
			c.removeLocked(element)
			removed++
		}
		element = prev
	}
	return removed
}

func (c *Cache[K, V]) removeLocked(element *list.Element) {
	item := element.Value.(*entry[K, V])
	c.order.Remove(element)
	delete(c.items, item.key)
}

// StartSweepWorker runs Sweep on the given interval until the returned
// cancel fires or ctx ends. The done channel closes once the loop exits. A
// non-positive interval falls back to DefaultSweepInterval.
func (c *Cache[K, V]) StartSweepWorker(ctx context.Context, interval time.Duration) (context.CancelFunc, chan struct{}) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()

	return cancel, done
}
