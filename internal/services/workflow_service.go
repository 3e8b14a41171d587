package services

import (
	"context"

	"github.com/google/uuid"

	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/pkg/models"
)

// WorkflowService validates and stores workflow definitions.
type WorkflowService struct {
	store    repository.WorkflowStore
	registry *nodes.Registry
	cache    *repository.DefinitionCache
}

// NewWorkflowService creates a WorkflowService. cache may be nil.
func NewWorkflowService(store repository.WorkflowStore, registry *nodes.Registry, cache *repository.DefinitionCache) *WorkflowService {
	return &WorkflowService{store: store, registry: registry, cache: cache}
}

// Save validates wf and upserts it. A malformed definition yields a
// *ConfigurationError and nothing is written.
func (s *WorkflowService) Save(ctx context.Context, wf *models.Workflow) error {
	if err := ValidateDefinition(&wf.Definition, s.registry); err != nil {
		return err
	}
	if err := s.store.PutWorkflow(ctx, wf); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(wf.ID)
	}
	return nil
}

// Get returns a workflow by id.
func (s *WorkflowService) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// List lists workflows, optionally for one organization.
func (s *WorkflowService) List(ctx context.Context, organizationID *uuid.UUID) ([]*models.Workflow, error) {
	return s.store.ListWorkflows(ctx, organizationID)
}

// NodeTypes describes the registered node types.
func (s *WorkflowService) NodeTypes() map[string]nodes.Schema {
	out := make(map[string]nodes.Schema)
	for _, name := range s.registry.Types() {
		t, _ := s.registry.Lookup(name)
		out[name] = t.Schema()
	}
	return out
}
