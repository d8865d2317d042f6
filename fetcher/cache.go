// Package fetcher holds the thin clients for external data: the energy
// tariff, crypto spot prices, network difficulty and pool statistics. Each
// client exposes a Fetch method returning a decoded record or an error, and
// caches results per key with a short TTL to respect upstream rate limits.
package fetcher

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultHTTPTimeout bounds every upstream HTTP call.
const DefaultHTTPTimeout = 15 * time.Second

// cache is a per-key TTL cache shared by the clients. A missing or expired
// entry is fetched through the loader under a per-cache lock, so concurrent
// callers do not stampede the upstream.
type cache[V any] struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, V]
}

func newCache[V any](size int, ttl time.Duration) *cache[V] {
	return &cache[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// getOrFetch returns the cached value for key, loading and storing it on a
// miss. A loader error is returned without poisoning the cache.
func (c *cache[V]) getOrFetch(key string, load func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// invalidate drops one key, forcing the next get to refetch.
func (c *cache[V]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}
