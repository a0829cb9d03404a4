package vision

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// ResultCache memoizes inspection results by image content hash, so a
// retried job does not pay for photos that already analyzed cleanly.
// Constructed once at process start and injected; Clear gives tests and
// operators an explicit reset instead of process-global state.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
}

type cacheEntry struct {
	result  *Result
	addedAt time.Time
}

// NewResultCache creates a cache with the given entry TTL and size cap.
func NewResultCache(ttl time.Duration, maxSize int) *ResultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 512
	}
	return &ResultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Key derives the cache key for an image's bytes.
func Key(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for the key, or nil.
func (c *ResultCache) Get(key string) *Result {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil
	}
	if time.Since(entry.addedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil
	}
	return entry.result
}

// Set stores a result. When the cache is full the oldest entry is evicted.
func (c *ResultCache) Set(key string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.addedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.addedAt
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[key] = cacheEntry{result: result, addedAt: time.Now()}
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
