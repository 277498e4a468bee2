package query

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/argoverify/internal/models"
)

// DepKey is the granularity at which ingested data invalidates cached results.
type DepKey struct {
	StationID string
	Variable  models.Variable
	IssueDate string
}

type cacheEntry struct {
	result  *Result
	expires time.Time
	deps    []DepKey
}

// Cache holds computed results keyed by request fingerprint. Each entry records
// the (station, variable, issue date) tuples it was computed from so ingest can
// drop exactly the entries it affects. Every tuple carries a version; a result
// computed while one of its tuples was invalidated is not stored.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	byDep      map[DepKey]map[string]struct{}
	versions   map[DepKey]uint64
	ttl        time.Duration
	maxEntries int
	clock      clockwork.Clock
}

func NewCache(ttl time.Duration, maxEntries int, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		byDep:      make(map[DepKey]map[string]struct{}),
		versions:   make(map[DepKey]uint64),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
	}
}

func (c *Cache) Get(key string) (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expires) {
		return nil, false
	}
	return e.result, true
}

// Snapshot returns the current versions of deps, to be handed back to Put.
func (c *Cache) Snapshot(deps []DepKey) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]uint64, len(deps))
	for i, d := range deps {
		out[i] = c.versions[d]
	}
	return out
}

// Put stores result unless any dependency changed since snapshot was taken.
// It reports whether the entry was stored.
func (c *Cache) Put(key string, result *Result, deps []DepKey, snapshot []uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, d := range deps {
		if c.versions[d] != snapshot[i] {
			return false
		}
	}

	c.removeLocked(key)
	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}

	c.entries[key] = cacheEntry{result: result, expires: c.clock.Now().Add(c.ttl), deps: deps}
	for _, d := range deps {
		set, ok := c.byDep[d]
		if !ok {
			set = make(map[string]struct{})
			c.byDep[d] = set
		}
		set[key] = struct{}{}
	}
	return true
}

// Invalidate drops every entry computed from dep and bumps its version so
// in-flight computations reading it are not stored. Returns the number of
// entries dropped.
func (c *Cache) Invalidate(dep DepKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions[dep]++
	keys := c.byDep[dep]
	n := len(keys)
	for key := range keys {
		c.removeLocked(key)
	}
	delete(c.byDep, dep)
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, d := range e.deps {
		if set, ok := c.byDep[d]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byDep, d)
			}
		}
	}
}

// evictLocked removes expired entries, or the one closest to expiry if none are.
func (c *Cache) evictLocked() {
	now := c.clock.Now()
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			c.removeLocked(key)
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = key, e.expires
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		c.removeLocked(oldestKey)
	}
}
