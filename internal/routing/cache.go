package routing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a rule edit can go unnoticed when the
// writer does not call Invalidate.
const DefaultCacheTTL = 60 * time.Second

// loadTimeout bounds a shared load, which outlives any single caller.
const loadTimeout = 5 * time.Second

// RuleSource is the persistent home of routing rules.
type RuleSource interface {
	ListRules(ctx context.Context, workspaceID string) ([]Rule, error)
}

// Cache holds each workspace's enabled rules in evaluation order.
//
// Rule edits become visible to alerts routed after the edit's Invalidate
// call (or after TTL). Evaluations already holding a rule slice finish
// with the rules they started with.
type Cache struct {
	src RuleSource
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	gens    map[string]uint64
	allGen  uint64

	flight singleflight.Group
}

type cacheEntry struct {
	rules   []Rule
	gen     uint64
	expires time.Time
}

// NewCache creates a cache over src. A non-positive ttl uses DefaultCacheTTL.
func NewCache(src RuleSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

// Rules returns the cached rule set, loading it on a miss. Concurrent
// misses for one workspace share a single load.
func (c *Cache) Rules(ctx context.Context, workspaceID string) ([]Rule, error) {
	c.mu.RLock()
	gen := c.gens[workspaceID] + c.allGen
	e, ok := c.entries[workspaceID]
	c.mu.RUnlock()
	if ok && e.gen == gen && c.now().Before(e.expires) {
		return e.rules, nil
	}

	key := workspaceID + "/" + strconv.FormatUint(gen, 10)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		c.mu.RLock()
		e, ok := c.entries[workspaceID]
		c.mu.RUnlock()
		if ok && e.gen == gen && c.now().Before(e.expires) {
			return e.rules, nil
		}

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		rules, err := c.src.ListRules(lctx, workspaceID)
		if err != nil {
			return nil, err
		}
		ordered := Ordered(rules)

		c.mu.Lock()
		// an Invalidate that raced the load wins; do not store stale rules
		if c.gens[workspaceID]+c.allGen == gen {
			c.entries[workspaceID] = cacheEntry{rules: ordered, gen: gen, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return ordered, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Rule), nil
}

// Invalidate drops the cached rules for one workspace.
func (c *Cache) Invalidate(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[workspaceID]++
	delete(c.entries, workspaceID)
}

// InvalidateAll drops every cached workspace.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allGen++
	clear(c.entries)
}
