package store

import (
	"context"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nidhogg/agency/internal/orchestrator"
)

// missing is passed to the backing store so a cache miss can be told apart
// from a stored value equal to the caller's default.
const missing = "\x00agency:missing\x00"

const lockStripes = 64

// CachedMemory is a write-through, read-through LRU cache over another
// memory. Writes and cache fills for one key are serialized so the cache
// never holds an older value than the backing store.
type CachedMemory struct {
	inner orchestrator.Memory
	cache *lru.Cache[string, string]
	locks [lockStripes]sync.Mutex
}

// NewCachedMemory caches up to size entries of inner.
func NewCachedMemory(inner orchestrator.Memory, size int) (*CachedMemory, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &CachedMemory{inner: inner, cache: c}, nil
}

// Save writes through. The cache is only updated after the write succeeds.
func (c *CachedMemory) Save(ctx context.Context, key, value string) error {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if err := c.inner.Save(ctx, key, value); err != nil {
		c.cache.Remove(key)
		return err
	}
	c.cache.Add(key, value)
	return nil
}

func (c *CachedMemory) Get(ctx context.Context, key, def string) (string, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Get(ctx, key, missing)
	if err != nil {
		return def, err
	}
	if v == missing {
		return def, nil
	}
	c.cache.Add(key, v)
	return v, nil
}

func (c *CachedMemory) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.locks[h.Sum32()%lockStripes]
}

// Len returns the number of cached entries.
func (c *CachedMemory) Len() int { return c.cache.Len() }
