package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/weekijie/sturgeon/internal/service"
)

const (
	defaultRAGCacheTTL        = 15 * time.Minute
	defaultRAGCacheMaxEntries = 256
)

// RAGCache is a TTL+LRU cache of retrieval results, implementing
// service.RAGCache. Entries expire on TTL and the oldest-touched entry is
// evicted once the cache is full, so the cache is bounded in both age and
// size.
type RAGCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	ttl        time.Duration
	maxEntries int
}

type ragCacheEntry struct {
	key       string
	chunks    []service.RankedChunk
	expiresAt time.Time
}

// NewRAGCache creates a RAGCache with the given TTL and entry cap.
func NewRAGCache(ttl time.Duration, maxEntries int) *RAGCache {
	if ttl <= 0 {
		ttl = defaultRAGCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultRAGCacheMaxEntries
	}
	return &RAGCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns the cached chunks for key if present and unexpired, moving the
// entry to the front of the LRU order.
func (c *RAGCache) Get(key string) ([]service.RankedChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*ragCacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.chunks, true
}

// Set stores chunks for key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *RAGCache) Set(key string, chunks []service.RankedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*ragCacheEntry)
		entry.chunks = chunks
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	entry := &ragCacheEntry{key: key, chunks: chunks, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(entry)
	c.entries[key] = el

	for c.order.Len() > c.maxEntries {
		c.evictOldest()
	}
}

func (c *RAGCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*ragCacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
	slog.Info("[RAG-CACHE] evicted", "remaining", c.order.Len())
}

// Len returns the number of entries currently cached.
func (c *RAGCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
