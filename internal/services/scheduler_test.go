package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowqueue/backend/pkg/models"
)

func TestSchedulerJoinAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.saveWorkflow(t, models.Definition{
		Nodes: []models.Node{
			{ID: "t", Type: "trigger"},
			{ID: "b", Type: "passthrough"},
			{ID: "c", Type: "passthrough"},
			{ID: "j", Type: "passthrough"},
		},
		Edges: []models.Edge{
			{Source: "t", Target: "b"},
			{Source: "t", Target: "c"},
			{Source: "b", Target: "j"},
			{Source: "c", Target: "j"},
		},
	})
	run, err := env.tracker.StartRun(ctx, wf.ID, TriggerSpec{Type: models.TriggerManual, Input: raw(`{"x":1}`)})
	require.NoError(t, err)

	ids := env.complete(t, wf, env.claim(t, "t"))
	assert.Len(t, ids, 2, "fan-out to b and c")

	mb := env.claim(t, "b")
	mc := env.claim(t, "c")
	assert.JSONEq(t, `{"x":1}`, string(mb.Payload.Inputs["in"]))

	assert.Empty(t, env.complete(t, wf, mb), "j waits for c")
	ids = env.complete(t, wf, mc)
	assert.Len(t, ids, 1)

	// a redelivered completion of c enqueues nothing new
	again, err := env.scheduler.OnNodeCompleted(ctx, env.store, wf, mc.Payload.Context, models.NodeExecutionResult{
		Outputs: map[string]json.RawMessage{"out": raw(`{"other":true}`)},
	})
	require.NoError(t, err)
	assert.Empty(t, again)

	mj := env.claim(t, "j")
	assert.JSONEq(t, `{"x":1}`, string(mj.Payload.Inputs["in"]))
	env.complete(t, wf, mj)

	view := env.runStatus(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, view.Run.Status)
	assert.Equal(t, 4, view.Progress.Completed)
}

func TestSchedulerBranchAndMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.saveWorkflow(t, models.Definition{
		Nodes: []models.Node{
			{ID: "t", Type: "trigger"},
			{ID: "br", Type: "branch", Config: raw(`{"field":"paid","equals":true}`)},
			{ID: "yes", Type: "passthrough"},
			{ID: "no", Type: "passthrough"},
			{ID: "m", Type: "merge"},
		},
		Edges: []models.Edge{
			{Source: "t", Target: "br"},
			{Source: "br", SourcePin: "true", Target: "yes"},
			{Source: "br", SourcePin: "false", Target: "no"},
			{Source: "yes", Target: "m"},
			{Source: "no", Target: "m"},
		},
	})
	run, err := env.tracker.StartRun(ctx, wf.ID, TriggerSpec{Input: raw(`{"paid":true}`)})
	require.NoError(t, err)

	env.complete(t, wf, env.claim(t, "t"))
	env.complete(t, wf, env.claim(t, "br"))
	env.complete(t, wf, env.claim(t, "yes"))
	mm := env.claim(t, "m")
	assert.JSONEq(t, `{"paid":true}`, string(mm.Payload.Inputs["in"]))
	env.complete(t, wf, mm)

	msgs, err := env.store.ListMessages(ctx, run.ID)
	require.NoError(t, err)
	var nodesRun []string
	for _, m := range msgs {
		nodesRun = append(nodesRun, m.Payload.Context.NodeID)
	}
	assert.Equal(t, []string{"t", "br", "yes", "m"}, nodesRun, "untaken branch never enqueued")

	view := env.runStatus(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, view.Run.Status)
}

func TestEntryRequests(t *testing.T) {
	env := newTestEnv(t)
	def := chainDefinition("a", "b")
	def.Nodes[0].Priority = 2
	retries := 7
	def.Nodes[0].MaxRetries = &retries
	def.Settings.QueueName = "fast"
	wf := &models.Workflow{Definition: def}
	run := &models.Run{}

	params := env.scheduler.EntryRequests(wf, run, raw(`{"k":"v"}`))
	require.Len(t, params, 1)
	p := params[0]
	assert.Equal(t, "a", p.Payload.Context.NodeID)
	assert.Equal(t, "fast", p.QueueName)
	assert.Equal(t, 2, p.Priority)
	assert.Equal(t, 7, p.MaxRetries)
	assert.Equal(t, DedupeKey("a"), p.DedupeKey)
	assert.JSONEq(t, `{"k":"v"}`, string(p.Payload.Inputs["trigger"]))
	assert.NotEqual(t, uuid.Nil, p.Payload.Context.ExecutionID)
}

func TestSchedulerSkipsCancelledRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.saveWorkflow(t, chainDefinition("A", "B", "C"))
	run, err := env.tracker.StartRun(ctx, wf.ID, TriggerSpec{})
	require.NoError(t, err)
	env.complete(t, wf, env.claim(t, "A"))

	mb := env.claim(t, "B")
	require.NoError(t, env.store.Ack(ctx, mb.ID, mb.Receipt))
	_, err = env.tracker.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	ids, err := env.scheduler.OnNodeCompleted(ctx, env.store, wf, mb.Payload.Context, models.NodeExecutionResult{
		Outputs: map[string]json.RawMessage{"out": raw(`{}`)},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)

	msgs, err := env.store.ListMessages(ctx, run.ID)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, "C", m.Payload.Context.NodeID, "C must never be enqueued")
	}
	assert.Equal(t, models.RunStatusCancelled, env.runStatus(t, run.ID).Run.Status)
}
