// Package cache implements the derivative cache: a two-layer
// abstraction over a commodity key/value store. Layer 1 chunks values
// across fixed-size slots; layer 2 keeps a small searchable index of
// the cached derivatives so the image manager can find reusable base
// images with a range query.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

// Client is the key/value store contract the cache is built on. The
// production deployment points this at a shared memcached pool; the
// in-process implementation below serves tests and single-host
// installs. Add is the only compare-and-set style primitive required:
// it succeeds only when the key is absent.
type Client interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	// Add stores the value only if the key does not already exist and
	// reports whether this call won.
	Add(key string, value []byte, ttl time.Duration) (bool, error)
	Delete(key string) error
	DeleteMulti(keys []string) error
	GetMulti(keys []string) map[string][]byte
	Flush() error
	// Stats returns total capacity and current usage in bytes.
	Stats() (capacity int64, used int64)
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// memClient is a byte-capacity LRU implementation of Client. Eviction
// happens on write: the least recently used entries are dropped until
// the new value fits.
type memClient struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, memEntry]
	capacity int64
	used     int64
	now      func() time.Time
}

// NewMemoryClient returns an in-process Client bounded to capacity
// bytes.
func NewMemoryClient(capacity int64) (Client, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("cache capacity must be positive: %d", capacity)
	}
	c := &memClient{capacity: capacity, now: time.Now}
	// the entry-count bound is a formality; the byte bound below is
	// what actually evicts
	lru, err := simplelru.NewLRU[string, memEntry](1 << 20, func(key string, e memEntry) {
		c.used -= int64(len(key) + len(e.value))
	})
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

func (c *memClient) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (c *memClient) Set(key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value, ttl)
	return nil
}

func (c *memClient) Add(key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Get(key); ok {
		if e.expires.IsZero() || c.now().Before(e.expires) {
			return false, nil
		}
		c.lru.Remove(key)
	}
	c.put(key, value, ttl)
	return true, nil
}

// put inserts and evicts to capacity. Caller holds the lock.
func (c *memClient) put(key string, value []byte, ttl time.Duration) {
	size := int64(len(key) + len(value))
	if size > c.capacity {
		return // silently refuse values that can never fit
	}
	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key) // onEvict rebalances used
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
	c.used += size
	for c.used > c.capacity && c.lru.Len() > 0 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *memClient) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	return nil
}

func (c *memClient) DeleteMulti(keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.lru.Remove(k)
	}
	return nil
}

func (c *memClient) GetMulti(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

func (c *memClient) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.used = 0
	return nil
}

func (c *memClient) Stats() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity, c.used
}
