// Package cache implements the recursor's response cache: a plain,
// FNV-sharded bounded map with expire-on-access semantics and no LRU
// eviction. On a full cache, the new entry is simply dropped once expired
// entries have been swept.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShards = 32

// entry is one cached response: verbatim wire bytes, insertion time (for
// monotonic expiry comparison) and the TTL it was cached with.
type entry struct {
	bytes    []byte
	insertAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertAt) >= e.ttl
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// ShardedCache is a thread-safe, bounded, TTL-expiring cache of raw DNS
// response bytes keyed by (qname, qtype, qclass).
type ShardedCache struct {
	shards    []*shard
	numShards uint32
	maxSize   int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewShardedCache creates a cache with the given total entry budget spread
// across shards (shard count defaults to 32 when numShards <= 0).
func NewShardedCache(maxSize int, numShards int) *ShardedCache {
	if numShards <= 0 {
		numShards = defaultShards
	}
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return &ShardedCache{shards: shards, numShards: uint32(numShards), maxSize: maxSize}
}

func (c *ShardedCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%c.numShards]
}

// Get returns a clone of the cached bytes for key, or (nil, false) if
// absent or expired. Expired entries are evicted lazily on access.
func (c *ShardedCache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)
	return out, true
}

// Insert stores bytes under key with the given ttl. If the cache's total
// size is at max, all currently-expired entries across shards are swept
// first; if it is still full, the new entry is dropped (no LRU eviction).
func (c *ShardedCache) Insert(key string, data []byte, ttl time.Duration) {
	full := c.maxSize > 0 && c.Len() >= c.maxSize
	if full {
		c.evictExpired()
		full = c.Len() >= c.maxSize
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && full {
		return
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.entries[key] = &entry{bytes: stored, insertAt: time.Now(), ttl: ttl}
}

// Len returns the current total entry count across all shards.
func (c *ShardedCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

func (c *ShardedCache) evictExpired() {
	now := time.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Hits returns the cumulative hit counter.
func (c *ShardedCache) Hits() int64 { return c.hits.Load() }

// Misses returns the cumulative miss counter.
func (c *ShardedCache) Misses() int64 { return c.misses.Load() }
