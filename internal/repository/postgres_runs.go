package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"flowqueue/backend/pkg/models"
)

const runColumns = `uuid, workflow_id, organization_uuid, status, trigger_type, triggered_by,
	started_at, finished_at, error_message, error_code, metadata, created_at, updated_at`

func scanRun(row pgx.Row) (*models.Run, error) {
	var (
		run         models.Run
		status      string
		triggerType string
		metadata    []byte
	)
	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.OrganizationID, &status, &triggerType, &run.TriggeredBy,
		&run.StartedAt, &run.FinishedAt, &run.ErrorMessage, &run.ErrorCode, &metadata, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.TriggerType = models.TriggerType(triggerType)
	if len(metadata) > 0 {
		run.Metadata = json.RawMessage(metadata)
	}
	return &run, nil
}

// CreateRun inserts a new run. Zero ID and status are filled in.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusNotStarted
	}
	if run.TriggerType == "" {
		run.TriggerType = models.TriggerManual
	}
	metadata := []byte(run.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO runs (uuid, workflow_id, organization_uuid, status, trigger_type, triggered_by, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, run.ID, run.WorkflowID, run.OrganizationID, string(run.Status), string(run.TriggerType), run.TriggeredBy, metadata,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return wrapErr("create run", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, "SELECT "+runColumns+" FROM runs WHERE uuid = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get run", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs of a workflow.
func (s *PostgresStore) ListRuns(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+runColumns+" FROM runs WHERE workflow_id = $1 ORDER BY created_at DESC LIMIT $2",
		workflowID, limit)
	if err != nil {
		return nil, wrapErr("list runs", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrapErr("list runs", err)
		}
		runs = append(runs, run)
	}
	return runs, wrapErr("list runs", rows.Err())
}

// TransitionRun moves a run to `to` when its current status is one of the
// allowed sources. The check and the write are a single statement, so two
// racing transitions cannot both succeed.
func (s *PostgresStore) TransitionRun(ctx context.Context, id uuid.UUID, to models.RunStatus, patch models.RunPatch) (bool, error) {
	sources := models.SourcesFor(to)
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE runs
		SET status = $2,
			started_at = COALESCE(started_at, $4),
			finished_at = COALESCE($5, finished_at),
			error_code = COALESCE($6, error_code),
			error_message = COALESCE($7, error_message),
			updated_at = now()
		WHERE uuid = $1 AND status = ANY($3::text[])
	`, id, string(to), from, patch.StartedAt, patch.FinishedAt, patch.ErrorCode, patch.ErrorMessage)
	if err != nil {
		return false, wrapErr("transition run", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE uuid = $1)", id).Scan(&exists); err != nil {
		return false, wrapErr("transition run", err)
	}
	if !exists {
		return false, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return false, nil
}

// SaveNodeOutput records a node's outputs. Only the first write per run and
// node sticks.
func (s *PostgresStore) SaveNodeOutput(ctx context.Context, out *models.NodeOutput) (bool, error) {
	outputs, err := json.Marshal(out.Outputs)
	if err != nil {
		return false, fmt.Errorf("save node output: encoding outputs: %w", err)
	}
	if out.Outputs == nil {
		outputs = []byte("{}")
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO run_node_outputs (run_id, node_id, execution_id, outputs)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, node_id) DO NOTHING
	`, out.RunID, out.NodeID, out.ExecutionID, outputs)
	if err != nil {
		return false, wrapErr("save node output", err)
	}
	return tag.RowsAffected() > 0, nil
}

// NodeOutputs returns the recorded outputs of a run keyed by node id.
func (s *PostgresStore) NodeOutputs(ctx context.Context, runID uuid.UUID) (map[string]*models.NodeOutput, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, node_id, execution_id, outputs, completed_at, propagated_at
		FROM run_node_outputs
		WHERE run_id = $1
	`, runID)
	if err != nil {
		return nil, wrapErr("node outputs", err)
	}
	defer rows.Close()

	result := make(map[string]*models.NodeOutput)
	for rows.Next() {
		var (
			out  models.NodeOutput
			data []byte
		)
		if err := rows.Scan(&out.RunID, &out.NodeID, &out.ExecutionID, &data, &out.CompletedAt, &out.PropagatedAt); err != nil {
			return nil, wrapErr("node outputs", err)
		}
		if err := json.Unmarshal(data, &out.Outputs); err != nil {
			return nil, fmt.Errorf("node outputs: decoding %s: %w", out.NodeID, err)
		}
		result[out.NodeID] = &out
	}
	return result, wrapErr("node outputs", rows.Err())
}

// MarkPropagated stamps propagated_at on a node's output row. Marking an
// already propagated node is a no-op.
func (s *PostgresStore) MarkPropagated(ctx context.Context, runID uuid.UUID, nodeID string) error {
	var exists bool
	err := s.db.QueryRow(ctx, `
		WITH marked AS (
			UPDATE run_node_outputs
			SET propagated_at = COALESCE(propagated_at, now())
			WHERE run_id = $1 AND node_id = $2
			RETURNING 1
		)
		SELECT EXISTS (SELECT 1 FROM marked)
	`, runID, nodeID).Scan(&exists)
	if err != nil {
		return wrapErr("mark propagated", err)
	}
	if !exists {
		return fmt.Errorf("output of node %s in run %s: %w", nodeID, runID, ErrNotFound)
	}
	return nil
}
