package resolve

import (
	"time"

	"github.com/coocood/freecache"
)

const cacheSizeBytes = 32 * 1024 * 1024

// Cache is the TTL-keyed store of resolved final documents. It is shared by
// every request; freecache shards and locks internally and validates expiry
// on read, so no entry outlives its TTL.
type Cache struct {
	inner *freecache.Cache
	ttl   time.Duration
}

// NewCache builds a cache whose entries live for ttl. A non-positive ttl
// disables storage entirely.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		inner: freecache.NewCache(cacheSizeBytes),
		ttl:   ttl,
	}
}

// Get returns the cached document for key, if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c == nil || c.ttl <= 0 || key == "" {
		return nil, false
	}
	value, err := c.inner.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return value, true
}

// Set stores a resolved document under key for the configured TTL.
func (c *Cache) Set(key string, value []byte) {
	if c == nil || c.ttl <= 0 || key == "" {
		return
	}
	// freecache expiry has second granularity; round up so a sub-second TTL
	// still stores.
	seconds := int((c.ttl + time.Second - 1) / time.Second)
	if err := c.inner.Set([]byte(key), value, seconds); err != nil {
		// Oversize entries simply stay uncached.
		return
	}
}
