package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowqueue/backend/pkg/models"
)

type countingStore struct {
	WorkflowStore
	loads atomic.Int32
}

func (c *countingStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	c.loads.Add(1)
	return c.WorkflowStore.GetWorkflow(ctx, id)
}

func TestDefinitionCache(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemoryStore()
	wf := &models.Workflow{OrganizationID: uuid.New(), Name: "cached"}
	require.NoError(t, mem.PutWorkflow(ctx, wf))

	store := &countingStore{WorkflowStore: mem}
	cache := NewDefinitionCache(store, time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.Get(ctx, wf.ID)
			assert.NoError(t, err)
			assert.Equal(t, "cached", got.Name)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, store.loads.Load(), int32(10))
	loads := store.loads.Load()

	_, err := cache.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, loads, store.loads.Load(), "hit served from cache")

	wf.Name = "updated"
	require.NoError(t, mem.PutWorkflow(ctx, wf))
	cache.Invalidate(wf.ID)
	got, err := cache.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Name)
	assert.Equal(t, loads+1, store.loads.Load())

	now = now.Add(2 * time.Minute)
	_, err = cache.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, loads+2, store.loads.Load(), "expired entry reloaded")

	_, err = cache.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, cache.Len())
}

// gatedStore blocks the first load until release is closed.
type gatedStore struct {
	WorkflowStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	loads   atomic.Int32
}

func (g *gatedStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	g.loads.Add(1)
	wf, err := g.WorkflowStore.GetWorkflow(ctx, id)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return wf, err
}

func TestDefinitionCacheInvalidateDuringLoad(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemoryStore()
	wf := &models.Workflow{OrganizationID: uuid.New(), Name: "before"}
	require.NoError(t, mem.PutWorkflow(ctx, wf))

	store := &gatedStore{WorkflowStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	cache := NewDefinitionCache(store, time.Hour)

	done := make(chan *models.Workflow)
	go func() {
		got, err := cache.Get(ctx, wf.ID)
		assert.NoError(t, err)
		done <- got
	}()
	<-store.entered

	wf.Name = "after"
	require.NoError(t, mem.PutWorkflow(ctx, wf))
	cache.Invalidate(wf.ID)
	close(store.release)

	stale := <-done
	assert.Equal(t, "before", stale.Name, "in-flight caller keeps the value it loaded")
	assert.Zero(t, cache.Len(), "stale load is not cached")

	got, err := cache.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, int32(2), store.loads.Load())
}
