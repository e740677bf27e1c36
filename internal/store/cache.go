package store

import "sync"

// cacheEntry is a process-local projection of a durable embedding row. It
// owns no unique state and can always be rebuilt from the backing store.
type cacheEntry struct {
	vector       []float32
	text         string
	documentID   string
	metadata     map[string]string
	lastAccessed uint64
}

// lruCache is a bounded cache with strict least-recently-used eviction.
// Recency is tracked with a monotonic counter rather than wall-clock time
// so eviction order is deterministic even under rapid successive access.
//
// All methods are safe for concurrent use.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	clock   uint64
	entries map[string]*cacheEntry

	hits      uint64
	misses    uint64
	evictions uint64
}

func newLRUCache(maxSize int) *lruCache {
	return &lruCache{
		maxSize: maxSize,
		entries: make(map[string]*cacheEntry, maxSize),
	}
}

// get returns the entry for id, refreshing its access time. Counts a hit
// or a miss.
func (c *lruCache) get(id string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.clock++
	e.lastAccessed = c.clock
	c.hits++
	return e, true
}

// put inserts or refreshes an entry. When the cache is full, exactly one
// entry — the globally oldest-accessed — is evicted before inserting, so
// the size bound is never exceeded.
func (c *lruCache) put(id string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[id]; ok {
		c.clock++
		existing.lastAccessed = c.clock
		existing.vector = e.vector
		existing.text = e.text
		existing.documentID = e.documentID
		existing.metadata = e.metadata
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.clock++
	e.lastAccessed = c.clock
	c.entries[id] = e
}

// evictOldest removes the entry with the smallest lastAccessed value.
// Caller must hold c.mu.
func (c *lruCache) evictOldest() {
	var oldestID string
	var oldest uint64
	first := true
	for id, e := range c.entries {
		if first || e.lastAccessed < oldest {
			oldestID = id
			oldest = e.lastAccessed
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestID)
		c.evictions++
	}
}

// invalidateByDocument removes every entry belonging to the document and
// returns the number removed. Invalidations are not counted as evictions.
func (c *lruCache) invalidateByDocument(documentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if e.documentID == documentID {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) counters() (hits, misses, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}
