package dedup

import (
	"container/list"
	"sync"
)

const hotShards = 256

// hotLRU is a sharded recent-key set with per-shard LRU eviction. Keys
// shard by their first byte; event IDs are sha256 output, so the spread
// is uniform and distinct keys rarely contend.
type hotLRU struct {
	shards   [hotShards]lruShard
	perShard int
}

type lruShard struct {
	mu    sync.Mutex
	order *list.List
	items map[[32]byte]*list.Element
}

func newHotLRU(capacity int) *hotLRU {
	per := capacity / hotShards
	if per < 1 {
		per = 1
	}
	c := &hotLRU{perShard: per}
	for i := range c.shards {
		c.shards[i].order = list.New()
		c.shards[i].items = make(map[[32]byte]*list.Element)
	}
	return c
}

func (c *hotLRU) shard(key [32]byte) *lruShard {
	return &c.shards[key[0]]
}

// Contains reports membership and refreshes the key's recency.
func (c *hotLRU) Contains(key [32]byte) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

// Add inserts the key as most recent, evicting the shard's oldest entry
// when the shard is full.
func (c *hotLRU) Add(key [32]byte) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.items[key] = s.order.PushFront(key)

	if len(s.items) > c.perShard {
		back := s.order.Back()
		if back != nil {
			delete(s.items, back.Value.([32]byte))
			s.order.Remove(back)
		}
	}
}

func (c *hotLRU) Len() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}
