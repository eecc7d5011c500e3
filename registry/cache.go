package registry

import (
	"sync"
	"time"

	"github.com/c360/relaygate/fanout"
)

// followerCache is a small TTL cache over follower lists. Negative
// results (no followers) are cached too; most routed events belong to
// bots with no subscribers and must not each cost a query.
type followerCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	followers []fanout.Follower
	expires   time.Time
}

func newFollowerCache(ttl time.Duration) *followerCache {
	return &followerCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *followerCache) get(botPubkey string) ([]fanout.Follower, bool) {
	c.mu.RLock()
	entry, ok := c.entries[botPubkey]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.followers, true
}

func (c *followerCache) put(botPubkey string, followers []fanout.Follower) {
	c.mu.Lock()
	c.entries[botPubkey] = cacheEntry{
		followers: followers,
		expires:   time.Now().Add(c.ttl),
	}
	// Expired entries are swept opportunistically on write so the map
	// stays bounded by the set of recently active bots.
	if len(c.entries) > 4096 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()
}

func (c *followerCache) invalidate(botPubkey string) {
	c.mu.Lock()
	delete(c.entries, botPubkey)
	c.mu.Unlock()
}
