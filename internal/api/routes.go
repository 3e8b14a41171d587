package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
)

// ListWorkflowsParams defines parameters for ListWorkflows.
type ListWorkflowsParams struct {
	OrganizationUuid *openapi_types.UUID `form:"organization_uuid,omitempty" json:"organization_uuid,omitempty"`
}

// ListWorkflowRunsParams defines parameters for ListWorkflowRuns.
type ListWorkflowRunsParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ServerInterface represents all server handlers of openapi.yaml.
type ServerInterface interface {
	// (GET /health)
	GetHealth(ctx echo.Context) error
	// (GET /node-types)
	ListNodeTypes(ctx echo.Context) error
	// (GET /workflows)
	ListWorkflows(ctx echo.Context, params ListWorkflowsParams) error
	// (PUT /workflows)
	PutWorkflow(ctx echo.Context) error
	// (GET /workflows/{workflowId})
	GetWorkflow(ctx echo.Context, workflowId openapi_types.UUID) error
	// (GET /workflows/{workflowId}/runs)
	ListWorkflowRuns(ctx echo.Context, workflowId openapi_types.UUID, params ListWorkflowRunsParams) error
	// (POST /workflows/{workflowId}/runs)
	EnqueueRun(ctx echo.Context, workflowId openapi_types.UUID) error
	// (GET /runs/{runId})
	GetRunStatus(ctx echo.Context, runId openapi_types.UUID) error
	// (POST /runs/{runId}/cancel)
	CancelRun(ctx echo.Context, runId openapi_types.UUID) error
	// (POST /runs/{runId}/suspend)
	SuspendRun(ctx echo.Context, runId openapi_types.UUID) error
	// (POST /runs/{runId}/resume)
	ResumeRun(ctx echo.Context, runId openapi_types.UUID) error
	// (GET /runs/{runId}/messages)
	ListRunMessages(ctx echo.Context, runId openapi_types.UUID) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func bindPathUUID(ctx echo.Context, name string) (openapi_types.UUID, error) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, ctx.Param(name), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return id, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return id, nil
}

// GetHealth converts echo context to params.
func (w *ServerInterfaceWrapper) GetHealth(ctx echo.Context) error {
	return w.Handler.GetHealth(ctx)
}

// ListNodeTypes converts echo context to params.
func (w *ServerInterfaceWrapper) ListNodeTypes(ctx echo.Context) error {
	return w.Handler.ListNodeTypes(ctx)
}

// ListWorkflows converts echo context to params.
func (w *ServerInterfaceWrapper) ListWorkflows(ctx echo.Context) error {
	var params ListWorkflowsParams
	err := runtime.BindQueryParameter("form", true, false, "organization_uuid", ctx.QueryParams(), &params.OrganizationUuid)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter organization_uuid: %s", err))
	}
	return w.Handler.ListWorkflows(ctx, params)
}

// PutWorkflow converts echo context to params.
func (w *ServerInterfaceWrapper) PutWorkflow(ctx echo.Context) error {
	return w.Handler.PutWorkflow(ctx)
}

// GetWorkflow converts echo context to params.
func (w *ServerInterfaceWrapper) GetWorkflow(ctx echo.Context) error {
	workflowId, err := bindPathUUID(ctx, "workflowId")
	if err != nil {
		return err
	}
	return w.Handler.GetWorkflow(ctx, workflowId)
}

// ListWorkflowRuns converts echo context to params.
func (w *ServerInterfaceWrapper) ListWorkflowRuns(ctx echo.Context) error {
	workflowId, err := bindPathUUID(ctx, "workflowId")
	if err != nil {
		return err
	}
	var params ListWorkflowRunsParams
	err = runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}
	return w.Handler.ListWorkflowRuns(ctx, workflowId, params)
}

// EnqueueRun converts echo context to params.
func (w *ServerInterfaceWrapper) EnqueueRun(ctx echo.Context) error {
	workflowId, err := bindPathUUID(ctx, "workflowId")
	if err != nil {
		return err
	}
	return w.Handler.EnqueueRun(ctx, workflowId)
}

// GetRunStatus converts echo context to params.
func (w *ServerInterfaceWrapper) GetRunStatus(ctx echo.Context) error {
	runId, err := bindPathUUID(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.GetRunStatus(ctx, runId)
}

// CancelRun converts echo context to params.
func (w *ServerInterfaceWrapper) CancelRun(ctx echo.Context) error {
	runId, err := bindPathUUID(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.CancelRun(ctx, runId)
}

// SuspendRun converts echo context to params.
func (w *ServerInterfaceWrapper) SuspendRun(ctx echo.Context) error {
	runId, err := bindPathUUID(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.SuspendRun(ctx, runId)
}

// ResumeRun converts echo context to params.
func (w *ServerInterfaceWrapper) ResumeRun(ctx echo.Context) error {
	runId, err := bindPathUUID(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.ResumeRun(ctx, runId)
}

// ListRunMessages converts echo context to params.
func (w *ServerInterfaceWrapper) ListRunMessages(ctx echo.Context) error {
	runId, err := bindPathUUID(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.ListRunMessages(ctx, runId)
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers the handlers, prefixing every
// route with baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.GET(baseURL+"/health", wrapper.GetHealth)
	router.GET(baseURL+"/node-types", wrapper.ListNodeTypes)
	router.GET(baseURL+"/workflows", wrapper.ListWorkflows)
	router.PUT(baseURL+"/workflows", wrapper.PutWorkflow)
	router.GET(baseURL+"/workflows/:workflowId", wrapper.GetWorkflow)
	router.GET(baseURL+"/workflows/:workflowId/runs", wrapper.ListWorkflowRuns)
	router.POST(baseURL+"/workflows/:workflowId/runs", wrapper.EnqueueRun)
	router.GET(baseURL+"/runs/:runId", wrapper.GetRunStatus)
	router.POST(baseURL+"/runs/:runId/cancel", wrapper.CancelRun)
	router.POST(baseURL+"/runs/:runId/suspend", wrapper.SuspendRun)
	router.POST(baseURL+"/runs/:runId/resume", wrapper.ResumeRun)
	router.GET(baseURL+"/runs/:runId/messages", wrapper.ListRunMessages)
}
