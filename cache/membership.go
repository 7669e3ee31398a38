// Package cache memoizes chat membership lookups so the realtime layer does
// not hit the store on every event. It is pure memoization, never the source
// of truth: a membership revoked mid-TTL stays falsely allowed for up to the
// TTL.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// LookupFunc resolves a membership question against the store.
type LookupFunc func(userId, chatId string) (bool, error)

// Membership caches (user, chat) -> bool with a per-entry TTL implemented as
// a deferred eviction callback, not a sweep. The backing store is LRU-bounded
// so a busy server cannot grow it without limit.
type Membership struct {
	ttl    time.Duration
	lookup LookupFunc

	mu      sync.Mutex
	entries *lru.Cache
	timers  map[string]*time.Timer
}

func New(maxEntries int, ttl time.Duration, lookup LookupFunc) (*Membership, error) {
	c := &Membership{
		ttl:    ttl,
		lookup: lookup,
		timers: make(map[string]*time.Timer),
	}
	// the eviction callback runs synchronously under c.mu (Add/Remove are
	// only ever called with the lock held), so it may touch c.timers directly
	l, err := lru.NewWithEvict(maxEntries, func(key, _ interface{}) {
		if t, ok := c.timers[key.(string)]; ok {
			t.Stop()
			delete(c.timers, key.(string))
		}
	})
	if err != nil {
		return nil, err
	}
	c.entries = l
	return c, nil
}

// HasAccess reports whether userId belongs to chatId, from cache if a live
// entry exists, otherwise from the store (memoizing the answer).
func (c *Membership) HasAccess(userId, chatId string) (bool, error) {
	key := userId + ":" + chatId
	c.mu.Lock()
	if v, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		return v.(bool), nil
	}
	c.mu.Unlock()

	ok, err := c.lookup(userId, chatId)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries.Add(key, ok)
	if t, exists := c.timers[key]; exists {
		t.Stop()
	}
	c.timers[key] = time.AfterFunc(c.ttl, func() { c.evict(key) })
	c.mu.Unlock()
	return ok, nil
}

func (c *Membership) evict(key string) {
	c.mu.Lock()
	c.entries.Remove(key)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *Membership) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
