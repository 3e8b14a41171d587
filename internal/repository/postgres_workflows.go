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

const workflowColumns = `uuid, organization_uuid, name, definition, status, version, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		wf     models.Workflow
		def    []byte
		status string
	)
	if err := row.Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &def, &status, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = models.WorkflowStatus(status)
	if err := json.Unmarshal(def, &wf.Definition); err != nil {
		return nil, fmt.Errorf("decoding definition of workflow %s: %w", wf.ID, err)
	}
	return &wf, nil
}

// PutWorkflow upserts a workflow. An existing workflow keeps its owner: a
// put from another organization is reported as not found.
func (s *PostgresStore) PutWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.Status == "" {
		wf.Status = models.WorkflowStatusActive
	}
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("put workflow: encoding definition: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO workflows (uuid, organization_uuid, name, definition, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uuid) DO UPDATE
		SET name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			status = EXCLUDED.status,
			version = workflows.version + 1,
			updated_at = now()
		WHERE workflows.organization_uuid = EXCLUDED.organization_uuid
		RETURNING version, created_at, updated_at
	`, wf.ID, wf.OrganizationID, wf.Name, def, string(wf.Status)).Scan(&wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrNotFound)
	}
	if err != nil {
		return wrapErr("put workflow", err)
	}

	if err := s.notify(ctx, WorkflowsChannel, wf.ID.String()); err != nil {
		return wrapErr("put workflow: notify", err)
	}
	return nil
}

// GetWorkflow loads a workflow by id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE uuid = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get workflow", err)
	}
	return wf, nil
}

// ListWorkflows lists workflows, optionally restricted to one organization.
func (s *PostgresStore) ListWorkflows(ctx context.Context, organizationID *uuid.UUID) ([]*models.Workflow, error) {
	query := "SELECT " + workflowColumns + " FROM workflows"
	var args []any
	if organizationID != nil {
		query += " WHERE organization_uuid = $1"
		args = append(args, *organizationID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, wrapErr("list workflows", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, wrapErr("list workflows", rows.Err())
}
