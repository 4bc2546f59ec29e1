package cache

import (
	"sync"

	"appforge/pkg/domain"
)

// Cache holds live conversation snapshots keyed by trace id. A hit is
// authoritative and fresher than the database; a miss means callers must fall
// back to persisted prompt history. The two sources are never merged.
type Cache interface {
	Get(traceID string) (domain.ConversationSnapshot, bool)
	Set(traceID string, snapshot domain.ConversationSnapshot)
	Rekey(oldTraceID, newTraceID string)
	Delete(traceID string)
}

// MemoryCache is the process-local implementation. It is never persisted and
// vanishes on restart, which is exactly the cache-miss path the resolver
// handles.
type MemoryCache struct {
	mu        sync.RWMutex
	snapshots map[string]domain.ConversationSnapshot
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snapshots: make(map[string]domain.ConversationSnapshot)}
}

func (c *MemoryCache) Get(traceID string) (domain.ConversationSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[traceID]
	return snap, ok
}

func (c *MemoryCache) Set(traceID string, snapshot domain.ConversationSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[traceID] = snapshot
}

func (c *MemoryCache) Rekey(oldTraceID, newTraceID string) {
	if oldTraceID == newTraceID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap, ok := c.snapshots[oldTraceID]; ok {
		c.snapshots[newTraceID] = snap
		delete(c.snapshots, oldTraceID)
	}
}

func (c *MemoryCache) Delete(traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, traceID)
}
