package api

import (
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/pkg/models"
)

// NodeTypeInfo describes one registered node type.
type NodeTypeInfo struct {
	Type   string       `json:"type"`
	Schema nodes.Schema `json:"schema"`
}

// ListNodeTypes returns the registered node types and their pin schemas.
// (GET /api/v1/node-types)
func (s *Server) ListNodeTypes(c echo.Context) error {
	types := s.workflows.NodeTypes()
	out := make([]NodeTypeInfo, 0, len(types))
	for name, schema := range types {
		out = append(out, NodeTypeInfo{Type: name, Schema: schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return c.JSON(http.StatusOK, out)
}

// ListWorkflows returns a list of all workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context, params ListWorkflowsParams) error {
	workflows, err := s.workflows.List(c.Request().Context(), params.OrganizationUuid)
	if err != nil {
		return err
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, workflows)
}

// PutWorkflow creates or updates a workflow. The definition is validated
// before anything is written.
// (PUT /api/v1/workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	var workflow models.Workflow
	if err := c.Bind(&workflow); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if workflow.OrganizationID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "organization_uuid is required")
	}
	switch workflow.Status {
	case "", models.WorkflowStatusDraft, models.WorkflowStatusActive, models.WorkflowStatusArchived:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown workflow status "+string(workflow.Status))
	}

	if err := s.workflows.Save(c.Request().Context(), &workflow); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflow)
}

// GetWorkflow returns one workflow.
// (GET /api/v1/workflows/{workflowId})
func (s *Server) GetWorkflow(c echo.Context, workflowId openapi_types.UUID) error {
	wf, err := s.workflows.Get(c.Request().Context(), workflowId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}
