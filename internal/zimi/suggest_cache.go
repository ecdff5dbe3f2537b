package zimi

import (
	"fmt"
	"time"
)

const (
	suggestCacheMaxEntries = 500
	suggestCacheTTL        = 15 * time.Minute
)

// SuggestCache holds per-archive autocomplete results keyed by
// (archive, folded prefix, limit). Cleared on archive refresh.
type SuggestCache struct {
	cache   *lruTTLCache
	metrics *Metrics
}

// NewSuggestCache constructs the suggestion cache.
func NewSuggestCache(metrics *Metrics) *SuggestCache {
	return &SuggestCache{
		cache:   newLRUTTLCache(suggestCacheMaxEntries, suggestCacheTTL),
		metrics: metrics,
	}
}

func suggestCacheKey(archiveID, prefixLower string, limit int) string {
	return fmt.Sprintf("%s\x00%s\x00%d", archiveID, prefixLower, limit)
}

// Get returns the cached suggestions for the key.
func (c *SuggestCache) Get(key string) ([]Suggestion, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.get(key)
	if !ok {
		c.metrics.IncSuggestCacheMisses()
		return nil, false
	}
	c.metrics.IncSuggestCacheHits()
	return v.([]Suggestion), true
}

// Put stores suggestions under the key.
func (c *SuggestCache) Put(key string, hits []Suggestion) {
	if c == nil {
		return
	}
	c.cache.put(key, hits)
}

// Purge drops all cached suggestions.
func (c *SuggestCache) Purge() {
	if c == nil {
		return
	}
	c.cache.purge()
}

// Len reports the current entry count, for /manage/stats.
func (c *SuggestCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.len()
}
