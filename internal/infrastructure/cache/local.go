package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShardCount = 16

// LocalCache is a bounded in-process cache with recency-weighted LFU
// eviction. The eviction score is access_count / (seconds_since_last_
// access + 1); the lowest-scoring entry goes first. Keys are sharded
// across buckets, each guarded by its own lock.
type LocalCache struct {
	shards     []*localShard
	maxEntries int
	size       int64
	hits       int64
	misses     int64
	evictions  int64

	// nowFunc is swappable for deterministic eviction tests.
	nowFunc func() time.Time
}

type localShard struct {
	mu      sync.RWMutex
	entries map[string]*localEntry
}

type localEntry struct {
	value        interface{}
	accessCount  int64
	lastAccessed time.Time
	storedAt     time.Time
}

// NewLocalCache creates a cache bounded to maxEntries.
func NewLocalCache(maxEntries int) *LocalCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	shards := make([]*localShard, defaultShardCount)
	for i := range shards {
		shards[i] = &localShard{entries: make(map[string]*localEntry)}
	}
	return &LocalCache{
		shards:     shards,
		maxEntries: maxEntries,
		nowFunc:    time.Now,
	}
}

func (c *LocalCache) shardFor(key string) *localShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the cached value and records the access.
func (c *LocalCache) Get(key string) (interface{}, bool) {
	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	entry.accessCount++
	entry.lastAccessed = c.nowFunc()
	atomic.AddInt64(&c.hits, 1)
	return entry.value, true
}

// Put inserts or replaces a value, evicting the lowest-scoring entry
// when the cache is full.
func (c *LocalCache) Put(key string, value interface{}) {
	shard := c.shardFor(key)

	shard.mu.Lock()
	if existing, ok := shard.entries[key]; ok {
		existing.value = value
		existing.storedAt = c.nowFunc()
		shard.mu.Unlock()
		return
	}
	shard.mu.Unlock()

	if atomic.LoadInt64(&c.size) >= int64(c.maxEntries) {
		c.evictOne()
	}

	now := c.nowFunc()
	shard.mu.Lock()
	shard.entries[key] = &localEntry{
		value:        value,
		accessCount:  1,
		lastAccessed: now,
		storedAt:     now,
	}
	shard.mu.Unlock()
	atomic.AddInt64(&c.size, 1)
}

// Remove deletes a key if present.
func (c *LocalCache) Remove(key string) {
	shard := c.shardFor(key)
	shard.mu.Lock()
	_, ok := shard.entries[key]
	if ok {
		delete(shard.entries, key)
	}
	shard.mu.Unlock()
	if ok {
		atomic.AddInt64(&c.size, -1)
	}
}

// Len returns the current number of cached entries.
func (c *LocalCache) Len() int {
	return int(atomic.LoadInt64(&c.size))
}

// Contains reports key presence without counting an access.
func (c *LocalCache) Contains(key string) bool {
	shard := c.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	_, ok := shard.entries[key]
	return ok
}

// Stats returns hit/miss/eviction counters.
func (c *LocalCache) Stats() (hits, misses, evictions int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses), atomic.LoadInt64(&c.evictions)
}

// evictOne removes the entry with the lowest recency-weighted frequency
// score across all shards.
func (c *LocalCache) evictOne() {
	now := c.nowFunc()

	var victimShard *localShard
	var victimKey string
	victimScore := -1.0

	for _, shard := range c.shards {
		shard.mu.RLock()
		for key, entry := range shard.entries {
			age := now.Sub(entry.lastAccessed).Seconds()
			score := float64(entry.accessCount) / (age + 1)
			if victimScore < 0 || score < victimScore {
				victimScore = score
				victimShard = shard
				victimKey = key
			}
		}
		shard.mu.RUnlock()
	}

	if victimShard == nil {
		return
	}

	victimShard.mu.Lock()
	_, ok := victimShard.entries[victimKey]
	if ok {
		delete(victimShard.entries, victimKey)
	}
	victimShard.mu.Unlock()
	if ok {
		atomic.AddInt64(&c.size, -1)
		atomic.AddInt64(&c.evictions, 1)
	}
}
