package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
	"flowqueue/backend/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *models.Workflow) {
	t.Helper()
	store := repository.NewInMemoryStore()
	registry := nodes.NewDefaultRegistry()
	scheduler := services.NewGraphScheduler(registry, logging.Nop())
	tracker := services.NewRunTracker(store, store, scheduler, services.NewLogDispatcher(logging.Nop()), logging.Nop())

	wf := &models.Workflow{
		OrganizationID: uuid.New(),
		Definition: models.Definition{
			Nodes: []models.Node{{ID: "A", Type: "trigger"}, {ID: "B", Type: "passthrough"}},
			Edges: []models.Edge{{Source: "A", Target: "B"}},
		},
	}
	require.NoError(t, services.NewWorkflowService(store, registry, nil).Save(context.Background(), wf))
	return NewServer(tracker, "test"), wf
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestRunTools(t *testing.T) {
	s, wf := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleEnqueueRun(ctx, call("enqueue_run", map[string]any{
		"workflow_id":  wf.ID.String(),
		"input":        `{"ticket":7}`,
		"triggered_by": "assistant",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	var run models.Run
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &run))
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "assistant", run.TriggeredBy)
	assert.Equal(t, models.TriggerAPI, run.TriggerType)

	res, err = s.handleGetRunStatus(ctx, call("get_run_status", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	var view services.RunStatusView
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &view))
	assert.Equal(t, 1, view.Progress.Pending)

	res, err = s.handleCancelRun(ctx, call("cancel_run", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &run))
	assert.Equal(t, models.RunStatusCancelled, run.Status)

	res, err = s.handleCancelRun(ctx, call("cancel_run", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "cancelling a finished run is reported to the caller")
}

func TestToolArgumentErrors(t *testing.T) {
	s, wf := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (*mcp.CallToolResult, error)
		want string
	}{
		{"missing workflow", func() (*mcp.CallToolResult, error) {
			return s.handleEnqueueRun(ctx, call("enqueue_run", map[string]any{}))
		}, "workflow_id"},
		{"bad input", func() (*mcp.CallToolResult, error) {
			return s.handleEnqueueRun(ctx, call("enqueue_run", map[string]any{"workflow_id": wf.ID.String(), "input": "{"}))
		}, "JSON"},
		{"unknown workflow", func() (*mcp.CallToolResult, error) {
			return s.handleEnqueueRun(ctx, call("enqueue_run", map[string]any{"workflow_id": uuid.NewString()}))
		}, "not found"},
		{"malformed run id", func() (*mcp.CallToolResult, error) {
			return s.handleGetRunStatus(ctx, call("get_run_status", map[string]any{"run_id": "42"}))
		}, "not a UUID"},
		{"unknown run", func() (*mcp.CallToolResult, error) {
			return s.handleCancelRun(ctx, call("cancel_run", map[string]any{"run_id": uuid.NewString()}))
		}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.call()
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, text(t, res), tt.want)
		})
	}
}
