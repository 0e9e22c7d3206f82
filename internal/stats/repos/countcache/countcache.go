package countcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/livestats/internal/stats/domain"
)

// DefaultRetained is the number of unreferenced entries kept when New is
// given a non-positive size.
const DefaultRetained = 256

// countCache holds CountEntries. Entries for keys with active consumers are
// pinned; once a key is released its entry is retained in an LRU so a quick
// re-registration can paint the old value, and evicted entries are dropped.
type countCache struct {
	mu       sync.Mutex
	entries  map[domain.StatKey]domain.CountEntry
	pinned   map[domain.StatKey]struct{}
	retained *lru.Cache[domain.StatKey, struct{}]
}

// New returns a cache retaining up to size released entries.
func New(size int) (*countCache, error) {
	if size <= 0 {
		size = DefaultRetained
	}
	c := &countCache{
		entries: make(map[domain.StatKey]domain.CountEntry),
		pinned:  make(map[domain.StatKey]struct{}),
	}
	retained, err := lru.NewWithEvict(size, func(key domain.StatKey, _ struct{}) {
		// Runs with c.mu held: every retained mutation happens under it.
		if _, ok := c.pinned[key]; !ok {
			delete(c.entries, key)
		}
	})
	if err != nil {
		return nil, err
	}
	c.retained = retained
	return c, nil
}

// Pin marks key as referenced, creating an unresolved entry if none exists.
// It reports whether an entry existed before the call.
func (c *countCache) Pin(key domain.StatKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[key] = struct{}{}
	c.retained.Remove(key)
	if _, ok := c.entries[key]; ok {
		return true
	}
	c.entries[key] = domain.CountEntry{Key: key}
	return false
}

// Unpin moves key from the pinned set into the retained LRU.
func (c *countCache) Unpin(key domain.StatKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pinned[key]; !ok {
		return
	}
	delete(c.pinned, key)
	if _, ok := c.entries[key]; ok {
		c.retained.Add(key, struct{}{})
	}
}

// Seed sets the count only when the entry is still unresolved.
func (c *countCache) Seed(key domain.StatKey, count int64, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.Loaded() {
		return false
	}
	c.entries[key] = domain.CountEntry{Key: key, Count: &count, UpdatedAt: at}
	return true
}

// Set overwrites the count for a pinned or retained key. Writes for keys
// that were evicted are dropped and Set reports false.
func (c *countCache) Set(key domain.StatKey, count int64, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.entries[key] = domain.CountEntry{Key: key, Count: &count, UpdatedAt: at}
	return true
}

// Get returns a copy of the entry for key.
func (c *countCache) Get(key domain.StatKey) (domain.CountEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && e.Count != nil {
		n := *e.Count
		e.Count = &n
	}
	return e, ok
}

// Len returns the number of entries, pinned and retained.
func (c *countCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns every key with an entry.
func (c *countCache) Keys() []domain.StatKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]domain.StatKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Purge drops every retained entry; pinned entries stay.
func (c *countCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retained.Purge()
}
