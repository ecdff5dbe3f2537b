package zimi

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUTTLCache_PutGet(t *testing.T) {
	t.Parallel()
	c := newLRUTTLCache(64, time.Minute)
	c.put("a", 1)
	c.put("b", 2)

	if v, ok := c.get("a"); !ok || v.(int) != 1 {
		t.Errorf("get(a) = %v, %v", v, ok)
	}
	if _, ok := c.get("missing"); ok {
		t.Error("get(missing) reported a hit")
	}
	if c.len() != 2 {
		t.Errorf("len = %d, want 2", c.len())
	}

	c.put("a", 3)
	if v, _ := c.get("a"); v.(int) != 3 {
		t.Errorf("overwritten value = %v, want 3", v)
	}
	if c.len() != 2 {
		t.Errorf("len after overwrite = %d, want 2", c.len())
	}
}

func TestLRUTTLCache_TTLExpiry(t *testing.T) {
	t.Parallel()
	c := newLRUTTLCache(64, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.put("a", 1)
	now = now.Add(59 * time.Second)
	if _, ok := c.get("a"); !ok {
		t.Error("entry expired before its TTL")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.get("a"); ok {
		t.Error("entry survived past its TTL")
	}
	if c.len() != 0 {
		t.Errorf("len after expiry read = %d, want 0", c.len())
	}
}

func TestLRUTTLCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	// Capacity below the shard count gives one slot per shard, so any two
	// keys landing in the same shard exercise eviction.
	c := newLRUTTLCache(1, time.Minute)

	var first, second string
	shard := c.shardFor("seed-0")
	for i := 1; ; i++ {
		k := fmt.Sprintf("seed-%d", i)
		if c.shardFor(k) == shard {
			first, second = "seed-0", k
			break
		}
	}

	c.put(first, 1)
	c.put(second, 2)
	if _, ok := c.get(first); ok {
		t.Error("oldest entry survived eviction in a full shard")
	}
	if v, ok := c.get(second); !ok || v.(int) != 2 {
		t.Error("newest entry was evicted")
	}
}

func TestLRUTTLCache_Purge(t *testing.T) {
	t.Parallel()
	c := newLRUTTLCache(64, time.Minute)
	for i := 0; i < 10; i++ {
		c.put(fmt.Sprintf("k%d", i), i)
	}
	c.purge()
	if c.len() != 0 {
		t.Errorf("len after purge = %d, want 0", c.len())
	}
}

func TestSearchCache_RoundTrip(t *testing.T) {
	t.Parallel()
	c := NewSearchCache(nil)
	key := searchCacheKey("water", "", "", 20, false)
	if _, ok := c.Get(key); ok {
		t.Error("empty cache reported a hit")
	}
	resp := &SearchResponse{Phase: "full"}
	c.Put(key, resp)
	got, ok := c.Get(key)
	if !ok || got != resp {
		t.Error("cached response not returned")
	}

	// Different fast flag is a different signature.
	if _, ok := c.Get(searchCacheKey("water", "", "", 20, true)); ok {
		t.Error("fast variant shared a cache slot")
	}

	c.Purge()
	if c.Len() != 0 {
		t.Error("purge left entries behind")
	}
}

func TestSuggestCache_RoundTrip(t *testing.T) {
	t.Parallel()
	c := NewSuggestCache(nil)
	key := suggestCacheKey("wikipedia_en_test", "wat", 10)
	c.Put(key, []Suggestion{{Archive: "wikipedia_en_test", Path: "A/Water", Title: "Water"}})
	hits, ok := c.Get(key)
	if !ok || len(hits) != 1 || hits[0].Title != "Water" {
		t.Errorf("Get = %+v, %v", hits, ok)
	}
}
