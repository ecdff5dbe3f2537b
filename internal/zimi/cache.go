package zimi

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// cacheShards is the number of internal shards used to reduce lock contention.
const cacheShards = 16

// lruTTLCache is a sharded, count-bounded LRU with per-entry TTL. Entries
// expire on read; Purge drops everything at once (archive set changes).
//
// All operations are safe for concurrent use.
type lruTTLCache struct {
	shards []cacheShard
	ttl    time.Duration
	now    func() time.Time
}

type cacheShard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used
	max   int
}

type cacheItem struct {
	key     string
	value   any
	addedAt time.Time
}

// newLRUTTLCache constructs a cache holding at most maxEntries values for at
// most ttl each. maxEntries is distributed across shards.
func newLRUTTLCache(maxEntries int, ttl time.Duration) *lruTTLCache {
	perShard := maxEntries / cacheShards
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]cacheShard, cacheShards)
	for i := range shards {
		shards[i] = cacheShard{
			items: make(map[string]*list.Element),
			lru:   list.New(),
			max:   perShard,
		}
	}
	return &lruTTLCache{shards: shards, ttl: ttl, now: time.Now}
}

func (c *lruTTLCache) shardFor(key string) *cacheShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key)) // fnv hash.Write never returns an error
	return &c.shards[h.Sum64()%uint64(len(c.shards))]
}

func (c *lruTTLCache) get(key string) (any, bool) {
	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	elem, ok := shard.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if c.now().Sub(item.addedAt) > c.ttl {
		shard.lru.Remove(elem)
		delete(shard.items, key)
		return nil, false
	}
	shard.lru.MoveToFront(elem)
	return item.value, true
}

func (c *lruTTLCache) put(key string, value any) {
	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, ok := shard.items[key]; ok {
		item := elem.Value.(*cacheItem)
		item.value = value
		item.addedAt = c.now()
		shard.lru.MoveToFront(elem)
		return
	}

	for shard.lru.Len() >= shard.max {
		back := shard.lru.Back()
		if back == nil {
			break
		}
		shard.lru.Remove(back)
		delete(shard.items, back.Value.(*cacheItem).key)
	}

	elem := shard.lru.PushFront(&cacheItem{key: key, value: value, addedAt: c.now()})
	shard.items[key] = elem
}

// purge drops every entry.
func (c *lruTTLCache) purge() {
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		shard.items = make(map[string]*list.Element)
		shard.lru.Init()
		shard.mu.Unlock()
	}
}

// len reports the total entry count across shards.
func (c *lruTTLCache) len() int {
	n := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		n += shard.lru.Len()
		shard.mu.Unlock()
	}
	return n
}
