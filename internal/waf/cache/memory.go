package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sentryguard/waf/internal/waf/model"
)

// MemoryCache is an in-process fallback used when cache.enabled is false
// or a Redis backend could not be reached at startup. It is never a hard
// dependency: the Judge treats a cache miss the same way regardless of
// which backend produced it.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stop    chan struct{}
}

type memoryEntry struct {
	decision model.JudgeDecision
	expireAt time.Time
}

// NewMemoryCache starts a background janitor that evicts expired entries
// every 30 seconds.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) Get(_ context.Context, fingerprint string) (model.JudgeDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey(fingerprint)]
	if !ok || time.Now().After(entry.expireAt) {
		return model.JudgeDecision{}, false
	}
	return entry.decision, true
}

func (c *MemoryCache) Put(_ context.Context, fingerprint string, decision model.JudgeDecision, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(fingerprint)] = memoryEntry{decision: decision, expireAt: time.Now().Add(ttl)}
}

func (c *MemoryCache) Close() error {
	close(c.stop)
	return nil
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expireAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
