package zimi

import (
	"fmt"
	"time"
)

const (
	searchCacheMaxEntries = 100
	searchCacheTTL        = 5 * time.Minute
)

// SearchCache holds complete search responses keyed by the query signature.
// It is purged wholesale whenever the archive set changes.
type SearchCache struct {
	cache   *lruTTLCache
	metrics *Metrics
}

// NewSearchCache constructs the result cache.
func NewSearchCache(metrics *Metrics) *SearchCache {
	return &SearchCache{
		cache:   newLRUTTLCache(searchCacheMaxEntries, searchCacheTTL),
		metrics: metrics,
	}
}

// searchCacheKey builds the signature of a search. Snippets are filled in
// after the cache, so include_snippets is deliberately not part of the key.
func searchCacheKey(normQuery, zimID, collection string, limit int, fast bool) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%t", normQuery, zimID, collection, limit, fast)
}

// Get returns the cached response for the signature.
func (c *SearchCache) Get(key string) (*SearchResponse, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.get(key)
	if !ok {
		c.metrics.IncSearchCacheMisses()
		return nil, false
	}
	c.metrics.IncSearchCacheHits()
	return v.(*SearchResponse), true
}

// Put stores a response under the signature.
func (c *SearchCache) Put(key string, resp *SearchResponse) {
	if c == nil {
		return
	}
	c.cache.put(key, resp)
}

// Purge drops all cached responses.
func (c *SearchCache) Purge() {
	if c == nil {
		return
	}
	c.cache.purge()
}

// Len reports the current entry count, for /manage/stats.
func (c *SearchCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.len()
}
