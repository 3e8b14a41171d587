package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"flowqueue/backend/internal/services"
	"flowqueue/backend/pkg/models"
)

// EnqueueRunRequest is the body of POST /workflows/{workflowId}/runs.
type EnqueueRunRequest struct {
	TriggerType models.TriggerType `json:"trigger_type,omitempty"`
	TriggeredBy string             `json:"triggered_by,omitempty"`
	Input       json.RawMessage    `json:"input,omitempty"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
}

// SuspendRunRequest is the body of POST /runs/{runId}/suspend.
type SuspendRunRequest struct {
	Status models.RunStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

const defaultRunListLimit = 50

// EnqueueRun starts a run of the workflow and returns it once its entry
// nodes are queued.
// (POST /api/v1/workflows/{workflowId}/runs)
func (s *Server) EnqueueRun(c echo.Context, workflowId openapi_types.UUID) error {
	var req EnqueueRunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}
	switch req.TriggerType {
	case "", models.TriggerManual, models.TriggerWebhook, models.TriggerSchedule, models.TriggerAPI:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown trigger_type "+string(req.TriggerType))
	}

	run, err := s.runs.StartRun(c.Request().Context(), workflowId, services.TriggerSpec{
		Type:        req.TriggerType,
		TriggeredBy: req.TriggeredBy,
		Input:       req.Input,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/runs/"+run.ID.String())
	return c.JSON(http.StatusAccepted, run)
}

// GetRunStatus returns a run and the state of its queue messages.
// (GET /api/v1/runs/{runId})
func (s *Server) GetRunStatus(c echo.Context, runId openapi_types.UUID) error {
	view, err := s.runs.GetRun(c.Request().Context(), runId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// CancelRun cancels a run that has not finished.
// (POST /api/v1/runs/{runId}/cancel)
func (s *Server) CancelRun(c echo.Context, runId openapi_types.UUID) error {
	run, err := s.runs.CancelRun(c.Request().Context(), runId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// SuspendRun moves a running run to waiting or blocked.
// (POST /api/v1/runs/{runId}/suspend)
func (s *Server) SuspendRun(c echo.Context, runId openapi_types.UUID) error {
	var req SuspendRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Status == "" {
		req.Status = models.RunStatusWaiting
	}
	run, err := s.runs.Suspend(c.Request().Context(), runId, req.Status, req.Reason)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTransition) && run == nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ResumeRun returns a suspended run to running.
// (POST /api/v1/runs/{runId}/resume)
func (s *Server) ResumeRun(c echo.Context, runId openapi_types.UUID) error {
	run, err := s.runs.Resume(c.Request().Context(), runId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListWorkflowRuns lists the most recent runs of a workflow.
// (GET /api/v1/workflows/{workflowId}/runs)
func (s *Server) ListWorkflowRuns(c echo.Context, workflowId openapi_types.UUID, params ListWorkflowRunsParams) error {
	ctx := c.Request().Context()
	if _, err := s.workflows.Get(ctx, workflowId); err != nil {
		return err
	}
	limit := defaultRunListLimit
	if params.Limit != nil {
		if *params.Limit < 1 || *params.Limit > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = *params.Limit
	}
	runs, err := s.audit.ListRuns(ctx, workflowId, limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// ListRunMessages lists the queue messages of a run in enqueue order.
// (GET /api/v1/runs/{runId}/messages)
func (s *Server) ListRunMessages(c echo.Context, runId openapi_types.UUID) error {
	ctx := c.Request().Context()
	if _, err := s.runs.GetRun(ctx, runId); err != nil {
		return err
	}
	msgs, err := s.audit.ListMessages(ctx, runId)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*models.QueueMessage{}
	}
	return c.JSON(http.StatusOK, msgs)
}
