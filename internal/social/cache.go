package social

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"doclib/internal/store"
)

// finderCache holds the results of period counter queries.
type finderCache struct {
	cache *expirable.LRU[string, []store.ActivityCounter]
}

func newFinderCache(size int, ttl time.Duration) *finderCache {
	if size <= 0 {
		size = 1024
	}
	return &finderCache{cache: expirable.NewLRU[string, []store.ActivityCounter](size, nil, ttl)}
}

func (c *finderCache) Get(key string) ([]store.ActivityCounter, bool) {
	counters, ok := c.cache.Get(key)
	if ok {
		finderCacheHitsTotal.Inc()
		return counters, true
	}
	finderCacheMissesTotal.Inc()
	return nil, false
}

func (c *finderCache) Set(key string, counters []store.ActivityCounter) {
	c.cache.Add(key, counters)
}

func (c *finderCache) Clear() {
	c.cache.Purge()
}
