package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"flowqueue/backend/pkg/models"
)

// DefinitionCache is a read-through cache of workflows in front of a
// WorkflowStore. Concurrent misses for the same id share one load.
type DefinitionCache struct {
	store WorkflowStore
	ttl   time.Duration
	now   func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[uuid.UUID]cacheEntry
	// generations is bumped by Invalidate; a load started under an older
	// generation does not store its result.
	generations map[uuid.UUID]uint64
}

type cacheEntry struct {
	wf      *models.Workflow
	expires time.Time
}

// NewDefinitionCache wraps store. A non-positive ttl disables caching.
func NewDefinitionCache(store WorkflowStore, ttl time.Duration) *DefinitionCache {
	return &DefinitionCache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]cacheEntry),

		generations: make(map[uuid.UUID]uint64),
	}
}

// Get returns the workflow, loading it on a miss or after expiry. Callers
// must not mutate the result.
func (c *DefinitionCache) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	if c.ttl <= 0 {
		return c.store.GetWorkflow(ctx, id)
	}

	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.wf, nil
	}

	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		c.mu.RLock()
		gen := c.generations[id]
		c.mu.RUnlock()

		wf, err := c.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generations[id] == gen {
			c.entries[id] = cacheEntry{wf: wf, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return wf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Workflow), nil
}

// GetWorkflow is Get under the WorkflowStore method name, so the cache can
// stand in for the store wherever only reads are needed.
func (c *DefinitionCache) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return c.Get(ctx, id)
}

// Invalidate drops id from the cache. A load already in flight for id
// still answers its callers but is not cached.
func (c *DefinitionCache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.generations[id]++
	c.mu.Unlock()
	c.group.Forget(id.String())
}

// Len reports the number of cached entries.
func (c *DefinitionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
