package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/pkg/models"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *recordingDispatcher) types() []EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]EventType, len(d.events))
	for i, e := range d.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	store     *repository.InMemoryStore
	registry  *nodes.Registry
	scheduler *GraphScheduler
	tracker   *RunTracker
	workflows *WorkflowService
	events    *recordingDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewInMemoryStore()
	registry := nodes.NewDefaultRegistry()
	scheduler := NewGraphScheduler(registry, logging.Nop())
	events := &recordingDispatcher{}
	return &testEnv{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		tracker:   NewRunTracker(store, store, scheduler, events, logging.Nop()),
		workflows: NewWorkflowService(store, registry, nil),
		events:    events,
	}
}

func (e *testEnv) saveWorkflow(t *testing.T, def models.Definition) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{OrganizationID: uuid.New(), Name: t.Name(), Definition: def}
	require.NoError(t, e.workflows.Save(context.Background(), wf))
	return wf
}

// claim claims the next message and checks it belongs to nodeID.
func (e *testEnv) claim(t *testing.T, nodeID string) *models.ClaimedMessage {
	t.Helper()
	m, err := e.store.Claim(context.Background(), models.DefaultQueueName, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, m, "expected a message for %s", nodeID)
	require.Equal(t, nodeID, m.Payload.Context.NodeID)
	return m
}

// complete runs the claimed node with its registered executor, then acks
// and propagates the way a worker does.
func (e *testEnv) complete(t *testing.T, wf *models.Workflow, m *models.ClaimedMessage) []int64 {
	t.Helper()
	ctx := context.Background()
	nt, ok := e.registry.Lookup(m.Payload.NodeType)
	require.True(t, ok)
	res, err := nt.Execute(ctx, m.Payload)
	require.NoError(t, err)

	require.NoError(t, e.store.Ack(ctx, m.ID, m.Receipt))
	ids, err := e.scheduler.OnNodeCompleted(ctx, e.store, wf, m.Payload.Context, res)
	require.NoError(t, err)
	require.NoError(t, e.tracker.OnNodeCompleted(ctx, m.Payload.Context))
	return ids
}

// fail dead-letters the claimed node and reports it.
func (e *testEnv) fail(t *testing.T, m *models.ClaimedMessage, code string) {
	t.Helper()
	ctx := context.Background()
	cause := repository.MessageError{Code: code, Message: "failed"}
	require.NoError(t, e.store.DeadLetter(ctx, m.ID, m.Receipt, cause))
	require.NoError(t, e.tracker.OnNodeFailed(ctx, m.Payload.Context, cause))
}

func (e *testEnv) runStatus(t *testing.T, runID uuid.UUID) *RunStatusView {
	t.Helper()
	view, err := e.tracker.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return view
}

func chainDefinition(ids ...string) models.Definition {
	var def models.Definition
	for i, id := range ids {
		typ := "passthrough"
		if i == 0 {
			typ = "trigger"
		}
		def.Nodes = append(def.Nodes, models.Node{ID: id, Type: typ})
		if i > 0 {
			def.Edges = append(def.Edges, models.Edge{Source: ids[i-1], Target: id})
		}
	}
	return def
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }
