package client

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
)

// TemplateCache keeps compiled query templates with LRU eviction. Entries
// are keyed by the xxhash of the template text; the text is compared on
// lookup so hash collisions only cost a recompile.
type TemplateCache struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	stats   CacheStats
}

// CacheStats tracks template cache performance.
type CacheStats struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
}

// CacheSnapshot is a point-in-time copy of CacheStats.
type CacheSnapshot struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// NewTemplateCache creates a cache holding at most maxSize templates.
func NewTemplateCache(maxSize int) *TemplateCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &TemplateCache{
		entries: make(map[uint64]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func templateKey(text string) uint64 {
	return xxhash.Sum64([]byte(text))
}

// Get returns the compiled template for text.
func (c *TemplateCache) Get(text string) (*QueryTemplate, bool) {
	key := templateKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok || elem.Value.(*QueryTemplate).text != text {
		c.stats.Misses.Add(1)
		return nil, false
	}
	c.stats.Hits.Add(1)
	c.order.MoveToFront(elem)
	return elem.Value.(*QueryTemplate), true
}

// Add stores tmpl, evicting the least recently used entry when full.
func (c *TemplateCache) Add(tmpl *QueryTemplate) {
	key := templateKey(tmpl.text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = tmpl
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.maxSize {
		c.evictLRU()
	}
	c.entries[key] = c.order.PushFront(tmpl)
}

// Remove drops the template for text.
func (c *TemplateCache) Remove(text string) {
	key := templateKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Clear removes every template.
func (c *TemplateCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element, c.maxSize)
	c.order.Init()
	return nil
}

// Len returns the number of cached templates.
func (c *TemplateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a copy of the cache statistics.
func (c *TemplateCache) Stats() CacheSnapshot {
	return CacheSnapshot{
		Hits:      c.stats.Hits.Load(),
		Misses:    c.stats.Misses.Load(),
		Evictions: c.stats.Evictions.Load(),
		Size:      c.Len(),
	}
}

// evictLRU must be called with c.mu held.
func (c *TemplateCache) evictLRU() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.order.Remove(oldest)
	delete(c.entries, templateKey(oldest.Value.(*QueryTemplate).text))
	c.stats.Evictions.Add(1)
}
