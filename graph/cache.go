package graph

import (
	"container/list"
	"sync"
	"time"
)

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits        int64
	Misses      int64
	Size        int
	Capacity    int
	Utilization float64
}

// HitRate returns hits / (hits + misses), 0 with no lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// cacheKey identifies one entry: a node id paired with the signature its
// value was computed under.
type cacheKey struct {
	nodeID string
	sig    Signature
}

// cacheEntry is the stored value plus bookkeeping for LRU and expiry.
type cacheEntry struct {
	key        cacheKey
	value      any
	insertedAt time.Time
	lastAccess time.Time
}

// Cache is a bounded (node id, signature) -> value store with
// least-recently-used eviction on insert overflow and idle-time expiry on
// access. All operations are O(1) amortized and internally synchronized;
// callers need no external lock.
//
// The cache is never authoritative over the dirty flag: it may hold stale
// entries for old signatures, which simply never match again.
type Cache struct {
	mu sync.Mutex

	capacity int
	maxIdle  time.Duration
	entries  map[cacheKey]*list.Element
	lru      *list.List // front = most recently used

	// byNode indexes live keys per node for O(deg) invalidation.
	byNode map[string]map[cacheKey]struct{}

	hits   int64
	misses int64
}

const (
	defaultCacheCapacity = 4096
	defaultCacheMaxIdle  = 10 * time.Minute
)

// NewCache returns a cache bounded to capacity entries, expiring entries
// idle longer than maxIdle. Non-positive arguments select the defaults.
func NewCache(capacity int, maxIdle time.Duration) *Cache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if maxIdle <= 0 {
		maxIdle = defaultCacheMaxIdle
	}
	return &Cache{
		capacity: capacity,
		maxIdle:  maxIdle,
		entries:  make(map[cacheKey]*list.Element),
		lru:      list.New(),
		byNode:   make(map[string]map[cacheKey]struct{}),
	}
}

// Get returns the cached value for (nodeID, sig). A hit refreshes the
// entry's recency; an entry idle past the expiry window is dropped and
// reported as a miss.
func (c *Cache) Get(nodeID string, sig Signature) (any, bool) {
	key := cacheKey{nodeID: nodeID, sig: sig}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.lastAccess) > c.maxIdle {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	entry.lastAccess = time.Now()
	c.lru.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Put inserts or replaces the value for (nodeID, sig), evicting the least
// recently used entry on overflow.
func (c *Cache) Put(nodeID string, sig Signature, value any) {
	key := cacheKey{nodeID: nodeID, sig: sig}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.lastAccess = now
		c.lru.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	entry := &cacheEntry{key: key, value: value, insertedAt: now, lastAccess: now}
	elem := c.lru.PushFront(entry)
	c.entries[key] = elem
	if c.byNode[nodeID] == nil {
		c.byNode[nodeID] = make(map[cacheKey]struct{})
	}
	c.byNode[nodeID][key] = struct{}{}
}

// InvalidateNode drops every entry for nodeID regardless of signature.
func (c *Cache) InvalidateNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byNode[nodeID] {
		if elem, ok := c.entries[key]; ok {
			c.removeLocked(elem)
		}
	}
}

// InvalidateAll drops every entry. Counters are preserved.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*list.Element)
	c.byNode = make(map[string]map[cacheKey]struct{})
	c.lru.Init()
}

// Stats returns a snapshot of the effectiveness counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Size:        len(c.entries),
		Capacity:    c.capacity,
		Utilization: float64(len(c.entries)) / float64(c.capacity),
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.key)
	if keys, ok := c.byNode[entry.key.nodeID]; ok {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(c.byNode, entry.key.nodeID)
		}
	}
}
