// Package api contains the REST handlers for the workflow run service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
	"flowqueue/backend/pkg/models"
)

// RunService starts runs and moves them through their lifecycle.
// *services.RunTracker implements it.
type RunService interface {
	StartRun(ctx context.Context, workflowID uuid.UUID, trigger services.TriggerSpec) (*models.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*services.RunStatusView, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (*models.Run, error)
	Suspend(ctx context.Context, runID uuid.UUID, status models.RunStatus, reason string) (*models.Run, error)
	Resume(ctx context.Context, runID uuid.UUID) (*models.Run, error)
}

// WorkflowAdmin saves and reads workflow definitions.
// *services.WorkflowService implements it.
type WorkflowAdmin interface {
	Save(ctx context.Context, wf *models.Workflow) error
	Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	List(ctx context.Context, organizationID *uuid.UUID) ([]*models.Workflow, error)
	NodeTypes() map[string]nodes.Schema
}

// RunAudit lists the history of workflows and runs.
type RunAudit interface {
	ListRuns(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.Run, error)
	ListMessages(ctx context.Context, runID uuid.UUID) ([]*models.QueueMessage, error)
}

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API server.
type Server struct {
	runs      RunService
	workflows WorkflowAdmin
	audit     RunAudit
	store     Pinger
	log       *logging.Logger
	version   string
}

// NewServer creates a new Server.
func NewServer(runs RunService, workflows WorkflowAdmin, audit RunAudit, store Pinger, log *logging.Logger, version string) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{runs: runs, workflows: workflows, audit: audit, store: store, log: log, version: version}
}

var _ ServerInterface = (*Server)(nil)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Error     string    `json:"error,omitempty"`
}

// GetHealth reports whether the store is reachable.
// (GET /api/v1/health)
func (s *Server) GetHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "flowqueue",
		Version:   s.version,
	}
	code := http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			status.Status = "unavailable"
			status.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail"`
	Instance string   `json:"instance,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, p ProblemDetails) error {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	p.Instance = c.Request().URL.Path
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(p.Status, p)
}

// problemFor maps service errors to HTTP problems.
func problemFor(err error) ProblemDetails {
	var (
		httpErr *echo.HTTPError
		cfgErr  *services.ConfigurationError
	)
	switch {
	case errors.As(err, &httpErr):
		detail, ok := httpErr.Message.(string)
		if !ok {
			detail = http.StatusText(httpErr.Code)
		}
		return ProblemDetails{Status: httpErr.Code, Title: http.StatusText(httpErr.Code), Detail: detail}
	case errors.As(err, &cfgErr):
		return ProblemDetails{
			Status:   http.StatusUnprocessableEntity,
			Title:    "Invalid workflow definition",
			Detail:   err.Error(),
			Problems: cfgErr.Problems,
		}
	case errors.Is(err, repository.ErrNotFound):
		return ProblemDetails{Status: http.StatusNotFound, Title: "Not Found", Detail: err.Error()}
	case errors.Is(err, services.ErrRunFinished),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrWorkflowNotActive):
		return ProblemDetails{Status: http.StatusConflict, Title: "Conflict", Detail: err.Error()}
	default:
		return ProblemDetails{Status: http.StatusInternalServerError, Title: "Internal Server Error", Detail: "unexpected error"}
	}
}

// ErrorHandler renders every handler error as Problem Details.
func (s *Server) ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	p := problemFor(err)
	if p.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
	}
	if werr := writeProblem(c, p); werr != nil {
		s.log.Error("failed to write error response", "error", werr)
	}
}
