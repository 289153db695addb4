// Package expiring provides a sharded in-memory map whose entries carry an
// absolute expiry. Expired entries are evicted lazily on read and in bulk by
// Sweep.
//
// Each key hashes to one shard and every operation on that key runs under the
// shard mutex only, so independent keys never contend on a global lock.
// Update exposes that per-key critical section for read-modify-write steps.
package expiring

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const defaultShards = 32

// Action tells Update what to do with the entry returned by the callback.
type Action int

const (
	// Store writes the returned entry.
	Store Action = iota
	// Delete removes the key.
	Delete
	// Skip leaves the current state untouched.
	Skip
)

// Entry is a value together with its expiry. A zero ExpiresAt never expires.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

func (e Entry[V]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type shard[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]Entry[V]
}

type options struct {
	shards int
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*options)

// WithShards sets the shard count. Values below 1 fall back to the default.
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Cache maps keys to expiring values.
type Cache[K comparable, V any] struct {
	shards []*shard[K, V]
	seed   maphash.Seed
	now    func() time.Time
}

// New returns an empty cache.
func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	o := options{shards: defaultShards, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards < 1 {
		o.shards = defaultShards
	}
	if o.now == nil {
		o.now = time.Now
	}

	c := &Cache[K, V]{
		shards: make([]*shard[K, V], o.shards),
		seed:   maphash.MakeSeed(),
		now:    o.now,
	}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{items: make(map[K]Entry[V])}
	}
	return c
}

// Now returns the cache clock reading. Update callbacks use it to compute
// expiries consistent with eviction.
func (c *Cache[K, V]) Now() time.Time {
	return c.now()
}

func (c *Cache[K, V]) shardFor(key K) *shard[K, V] {
	h := maphash.Comparable(c.seed, key)
	return c.shards[h%uint64(len(c.shards))]
}

// Set stores value under key. A ttl <= 0 stores the value without expiry.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	entry := Entry[V]{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = c.now().Add(ttl)
	}

	s := c.shardFor(key)
	s.mu.Lock()
	s.items[key] = entry
	s.mu.Unlock()
}

// Get returns the live value for key. An expired entry is removed and
// reported as absent.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	entry, ok := c.Lookup(key)
	return entry.Value, ok
}

// Lookup is Get that also returns the expiry.
func (c *Cache[K, V]) Lookup(key K) (Entry[V], bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	if entry.expired(c.now()) {
		delete(s.items, key)
		return Entry[V]{}, false
	}
	return entry, true
}

// Delete removes key. Missing keys are ignored.
func (c *Cache[K, V]) Delete(key K) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Update runs fn inside the critical section of key. fn receives the live
// entry (ok is false when the key is absent or expired) and decides what to
// persist. fn must not block: it holds the shard lock.
func (c *Cache[K, V]) Update(key K, fn func(cur Entry[V], ok bool) (Entry[V], Action)) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[key]
	if ok && cur.expired(c.now()) {
		delete(s.items, key)
		cur, ok = Entry[V]{}, false
	}

	next, action := fn(cur, ok)
	switch action {
	case Store:
		s.items[key] = next
	case Delete:
		delete(s.items, key)
	}
}

// Len reports stored entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, entry := range s.items {
			if entry.expired(now) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
