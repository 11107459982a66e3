// Package history loads the message history of a session when the engine
// switches to it, with a bounded cache and retrying fetches.
package history

import (
	"container/list"
	"sync"

	"github.com/opencode-ai/chatsync/pkg/types"
)

// DefaultCacheSize is the number of sessions kept when no size is given.
const DefaultCacheSize = 32

// Cache is a bounded, least-recently-used map from session id to its
// history. It is owned by whoever constructs it and passed in explicitly.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	sessionID string
	items     types.Items
}

// NewCache creates a cache holding at most size sessions.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		max:     size,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns a copy of the cached history for sessionID.
func (c *Cache) Get(sessionID string) (types.Items, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return copyItems(el.Value.(*cacheEntry).items), true
}

// Put stores items for sessionID, evicting the least recently used
// session when full.
func (c *Cache) Put(sessionID string, items types.Items) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[sessionID]; ok {
		el.Value.(*cacheEntry).items = copyItems(items)
		c.order.MoveToFront(el)
		return
	}

	c.entries[sessionID] = c.order.PushFront(&cacheEntry{sessionID: sessionID, items: copyItems(items)})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).sessionID)
	}
}

// Invalidate drops sessionID from the cache.
func (c *Cache) Invalidate(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, sessionID)
	return true
}

// Clear drops every cached session.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sessions returns the cached session ids, most recently used first.
func (c *Cache) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry).sessionID)
	}
	return out
}

func copyItems(items types.Items) types.Items {
	if items == nil {
		return nil
	}
	out := make(types.Items, len(items))
	copy(out, items)
	return out
}
