package consume

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
)

// patternCache is a short-TTL in-memory cache of current patterns keyed by
// (tenant, type). A nil pattern is a valid cached value meaning "no usable
// pattern". Entries never outlive the pattern's valid_until.
//
// Each key carries a generation that invalidate bumps. A store read captures
// the generation before it starts and set discards its result if the key was
// invalidated in the meantime.
type patternCache struct {
	mu        sync.RWMutex
	entries   map[cacheKey]cachedEntry
	gens      map[cacheKey]uint64
	ttl       time.Duration
	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

type cacheKey struct {
	tenantID uuid.UUID
	typ      model.PatternType
}

type cachedEntry struct {
	pattern   *model.ConversionPattern
	expiresAt time.Time
}

// newPatternCache creates a cache with the given TTL.
// Call close to stop the background eviction goroutine.
func newPatternCache(ttl time.Duration, now func() time.Time) *patternCache {
	c := &patternCache{
		entries: make(map[cacheKey]cachedEntry),
		gens:    make(map[cacheKey]uint64),
		ttl:     ttl,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// get returns the cached pattern and true if a live entry exists.
func (c *patternCache) get(k cacheKey) (*model.ConversionPattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[k]
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.pattern, true
}

// generation returns the current generation of k.
func (c *patternCache) generation(k cacheKey) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[k]
}

// set stores p under k if k is still at generation gen. It reports whether
// the entry was stored.
func (c *patternCache) set(k cacheKey, gen uint64, p *model.ConversionPattern) bool {
	expiresAt := c.now().Add(c.ttl)
	if p != nil && p.ValidUntil.Before(expiresAt) {
		expiresAt = p.ValidUntil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[k] != gen {
		return false
	}
	c.entries[k] = cachedEntry{pattern: p, expiresAt: expiresAt}
	return true
}

func (c *patternCache) invalidate(k cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
	c.gens[k]++
}

func (c *patternCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *patternCache) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *patternCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *patternCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
