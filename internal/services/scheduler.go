package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/pkg/models"
)

// DedupeKey is the queue dedupe key of a node within a run. It makes every
// node enqueue at most once per run, whichever completion triggers it.
func DedupeKey(nodeID string) string { return "node:" + nodeID }

// GraphScheduler turns node completions into newly ready queue messages.
type GraphScheduler struct {
	registry *nodes.Registry
	log      *logging.Logger
}

// NewGraphScheduler creates a GraphScheduler resolving join semantics
// through registry.
func NewGraphScheduler(registry *nodes.Registry, log *logging.Logger) *GraphScheduler {
	return &GraphScheduler{registry: registry, log: log}
}

// EntryRequests builds the messages for the entry nodes of wf. input is
// delivered to each of them on the trigger pin.
func (s *GraphScheduler) EntryRequests(wf *models.Workflow, run *models.Run, input json.RawMessage) []repository.EnqueueParams {
	g := NewGraph(&wf.Definition)
	var inputs map[string]json.RawMessage
	if len(input) > 0 {
		inputs = map[string]json.RawMessage{nodes.TriggerInputPin: input}
	}

	var params []repository.EnqueueParams
	for _, n := range g.EntryNodes() {
		params = append(params, s.request(wf, run.ID, n, inputs))
	}
	return params
}

// StartEntries enqueues the entry nodes of a new run.
func (s *GraphScheduler) StartEntries(ctx context.Context, q repository.QueueStore, wf *models.Workflow, run *models.Run, input json.RawMessage) ([]int64, error) {
	params := s.EntryRequests(wf, run, input)
	if len(params) == 0 {
		return nil, fmt.Errorf("workflow %s has no entry nodes", wf.ID)
	}
	ids := make([]int64, 0, len(params))
	for _, p := range params {
		id, _, err := q.Enqueue(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("enqueue entry node %s: %w", p.Payload.Context.NodeID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// OnNodeCompleted records the outputs of a completed node and enqueues every
// downstream node that became ready. Outputs are persisted before readiness
// is evaluated, so of two predecessors of a join completing concurrently at
// least one sees both; the dedupe key absorbs the case where both do. The
// node is marked propagated last: until then its acked message keeps the
// run from completing. Nothing is enqueued for a run that already finished.
// Calling it again for the same node is harmless.
func (s *GraphScheduler) OnNodeCompleted(ctx context.Context, repo repository.Repository, wf *models.Workflow, ec models.ExecutionContext, result models.NodeExecutionResult) ([]int64, error) {
	if _, err := repo.SaveNodeOutput(ctx, &models.NodeOutput{
		RunID:       ec.RunID,
		NodeID:      ec.NodeID,
		ExecutionID: ec.ExecutionID,
		Outputs:     result.Outputs,
	}); err != nil {
		return nil, fmt.Errorf("record output of %s: %w", ec.NodeID, err)
	}

	outputs, err := repo.NodeOutputs(ctx, ec.RunID)
	if err != nil {
		return nil, fmt.Errorf("load outputs of run %s: %w", ec.RunID, err)
	}
	// on redelivery the first recorded result wins
	emitted := result.Outputs
	if recorded, ok := outputs[ec.NodeID]; ok {
		emitted = recorded.Outputs
	}

	g := NewGraph(&wf.Definition)
	var enqueued []int64
	visited := make(map[string]bool)
	for _, e := range g.Outgoing(ec.NodeID) {
		if _, fired := emitted[e.SourcePin]; !fired || visited[e.Target] {
			continue
		}
		visited[e.Target] = true

		target, ok := g.Node(e.Target)
		if !ok {
			continue
		}
		inputs, ready := s.readiness(g, target, outputs)
		if !ready {
			s.log.Debug("downstream node not ready", "run_id", ec.RunID, "node_id", target.ID)
			continue
		}

		id, created, err := repo.Enqueue(ctx, s.request(wf, ec.RunID, target, inputs))
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", target.ID, err)
		}
		switch {
		case created:
			s.log.Debug("enqueued downstream node", "run_id", ec.RunID, "node_id", target.ID, "message_id", id)
			enqueued = append(enqueued, id)
		case id == 0:
			s.log.Debug("run finished, downstream node not enqueued", "run_id", ec.RunID, "node_id", target.ID)
		}
	}

	if err := repo.MarkPropagated(ctx, ec.RunID, ec.NodeID); err != nil {
		return enqueued, fmt.Errorf("mark %s propagated: %w", ec.NodeID, err)
	}
	return enqueued, nil
}

// readiness collects the values delivered to target and decides whether
// its join condition holds.
func (s *GraphScheduler) readiness(g *Graph, target models.Node, outputs map[string]*models.NodeOutput) (map[string]json.RawMessage, bool) {
	schema := nodes.Schema{}
	if t, ok := s.registry.Lookup(target.Type); ok {
		schema = t.Schema()
	}

	inputs := make(map[string]json.RawMessage)
	for _, e := range g.Incoming(target.ID) {
		out, ok := outputs[e.Source]
		if !ok {
			continue
		}
		if v, fired := out.Outputs[e.SourcePin]; fired {
			if _, taken := inputs[e.TargetPin]; !taken {
				inputs[e.TargetPin] = v
			}
		}
	}

	if schema.JoinOrDefault() == nodes.JoinAny {
		return inputs, len(inputs) > 0
	}
	for _, pred := range g.Predecessors(target.ID) {
		if _, done := outputs[pred]; !done {
			return inputs, false
		}
	}
	for _, pin := range schema.RequiredInputs() {
		if _, ok := inputs[pin]; !ok {
			return inputs, false
		}
	}
	return inputs, len(inputs) > 0
}

func (s *GraphScheduler) request(wf *models.Workflow, runID uuid.UUID, n models.Node, inputs map[string]json.RawMessage) repository.EnqueueParams {
	return repository.EnqueueParams{
		WorkflowID: wf.ID,
		RunID:      runID,
		Payload: models.NodeExecutionRequest{
			Context: models.ExecutionContext{
				WorkflowID:  wf.ID,
				RunID:       runID,
				NodeID:      n.ID,
				ExecutionID: uuid.New(),
			},
			NodeType: n.Type,
			Config:   n.Config,
			Inputs:   inputs,
		},
		Priority:   n.Priority,
		QueueName:  wf.Definition.Settings.QueueNameOrDefault(),
		MaxRetries: wf.Definition.MaxRetriesFor(n),
		DedupeKey:  DedupeKey(n.ID),
	}
}
