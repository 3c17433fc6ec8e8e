// cache.go implements the loader's per-segment key cache. Entries carry
// only key material that has already passed proof verification and expire
// after a fixed TTL. Eviction is lazy: expired entries are dropped when
// the next lookup or insert touches the cache, not by a background timer.
//
// The cache is owned by one Loader instance. Nothing here is process-wide,
// so concurrent sessions for different videos cannot see each other's keys.
package client

import (
	"sync"
	"sync/atomic"
	"time"
)

// CacheStats holds hit/miss statistics for a key cache.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries uint64
}

type cacheEntry struct {
	key       []byte
	iv        []byte
	expiresAt time.Time
}

// keyCache is a thread-safe TTL cache of verified segment keys, keyed by
// segment index.
type keyCache struct {
	mu  sync.RWMutex
	ttl time.Duration

	entries map[uint32]cacheEntry

	// Atomic counters for lock-free stats reads.
	hits   atomic.Uint64
	misses atomic.Uint64

	// now is replaceable in tests.
	now func() time.Time
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{
		ttl:     ttl,
		entries: make(map[uint32]cacheEntry),
		now:     time.Now,
	}
}

// lookup returns the cached key material for a segment if present and not
// expired. An expired entry is removed on the spot.
func (c *keyCache) lookup(segmentIndex uint32) (key, iv []byte, found bool) {
	c.mu.RLock()
	entry, ok := c.entries[segmentIndex]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: another goroutine may have
		// refreshed the entry between the two lock acquisitions.
		if current, ok := c.entries[segmentIndex]; ok && c.now().After(current.expiresAt) {
			delete(c.entries, segmentIndex)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, nil, false
	}

	c.hits.Add(1)
	return entry.key, entry.iv, true
}

// add stores verified key material for a segment, replacing any previous
// entry and restarting its TTL. Expired siblings found along the way are
// dropped so the map does not accumulate dead entries between lookups.
func (c *keyCache) add(segmentIndex uint32, key, iv []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for idx, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, idx)
		}
	}
	c.entries[segmentIndex] = cacheEntry{
		key:       key,
		iv:        iv,
		expiresAt: now.Add(c.ttl),
	}
}

// remove invalidates the cache entry for a segment.
func (c *keyCache) remove(segmentIndex uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, segmentIndex)
}

// len returns the number of entries currently held, expired or not.
func (c *keyCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// stats returns a snapshot of the cache statistics.
func (c *keyCache) stats() CacheStats {
	c.mu.RLock()
	entries := uint64(len(c.entries))
	c.mu.RUnlock()
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}
