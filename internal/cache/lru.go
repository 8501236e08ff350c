// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package cache

import (
	"sync"
	"time"
)

// lruEntry is a node of the recency list.
type lruEntry struct {
	key       string
	claimedAt time.Time
	prev      *lruEntry
	next      *lruEntry
	expiresAt time.Time
}

// LRUCache is a bounded set of claimed keys with TTL, used to make side
// effects idempotent: the first Claim of a key wins until the key expires,
// is removed, or is evicted as least recently used.
//
// All operations are O(1) apart from CleanupExpired. A doubly-linked list
// keeps recency order and a map gives lookup.
type LRUCache struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*lruEntry

	// head.next is the most recently used, tail.prev the least.
	head *lruEntry
	tail *lruEntry

	hits   int64
	misses int64
}

// NewLRUCache creates a claim set holding at most capacity keys for ttl each.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	c := &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// SetClock replaces the time source.
func (c *LRUCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Claim records key and reports true if it was not already held. A held,
// unexpired key returns false and is refreshed as most recently used.
func (c *LRUCache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.items[key]; ok {
		if !now.After(e.expiresAt) {
			c.moveToFront(e)
			c.hits++
			return false
		}
		c.removeEntry(e)
	}

	e := &lruEntry{key: key, claimedAt: now, expiresAt: now.Add(c.ttl)}
	c.addToFront(e)
	c.items[key] = e
	for len(c.items) > c.capacity {
		c.evictOldest()
	}

	c.misses++
	return true
}

// ClaimedAt returns when key was claimed, if it is held.
func (c *LRUCache) ClaimedAt(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		return time.Time{}, false
	}
	return e.claimedAt, true
}

// Remove releases key. It reports whether the key was held.
func (c *LRUCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.removeEntry(e)
		return true
	}
	return false
}

// Len returns the number of held keys.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes expired keys and returns how many were removed.
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if now.After(e.expiresAt) {
			c.removeEntry(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Stats returns duplicate hits, first claims and the current size.
func (c *LRUCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

// The helpers below must be called with c.mu held.

func (c *LRUCache) addToFront(e *lruEntry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *LRUCache) moveToFront(e *lruEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *LRUCache) removeEntry(e *lruEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}

func (c *LRUCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
}
