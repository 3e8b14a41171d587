// Package mcp exposes run operations as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
	"flowqueue/backend/pkg/models"
)

// RunService is the subset of the run tracker the tools call.
type RunService interface {
	StartRun(ctx context.Context, workflowID uuid.UUID, trigger services.TriggerSpec) (*models.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*services.RunStatusView, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (*models.Run, error)
}

type Server struct {
	mcpServer *server.MCPServer
	runs      RunService
}

func NewServer(runs RunService, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"flowqueue",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		runs: runs,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"enqueue_run",
			mcp.WithDescription("Start a run of an active workflow. Returns the run, already running with its entry nodes queued."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("UUID of the workflow")),
			mcp.WithString("input", mcp.Description("JSON document handed to the entry nodes")),
			mcp.WithString("triggered_by", mcp.Description("Who or what started the run")),
		),
		s.handleEnqueueRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run_status",
			mcp.WithDescription("Get the status of a run and the counts of its pending, processing, completed and dead-lettered node messages"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("UUID of the run")),
		),
		s.handleGetRunStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_run",
			mcp.WithDescription("Cancel a run that has not finished. Nodes already executing finish but their results are discarded."),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("UUID of the run")),
		),
		s.handleCancelRun,
	)
}

func (s *Server) handleEnqueueRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, errResult := uuidArg(request, "workflow_id")
	if errResult != nil {
		return errResult, nil
	}

	trigger := services.TriggerSpec{
		Type:        models.TriggerAPI,
		TriggeredBy: request.GetString("triggered_by", "mcp"),
	}
	if input := request.GetString("input", ""); input != "" {
		if !json.Valid([]byte(input)) {
			return mcp.NewToolResultError("Parameter input must be a JSON document"), nil
		}
		trigger.Input = json.RawMessage(input)
	}

	run, err := s.runs.StartRun(ctx, workflowID, trigger)
	if err != nil {
		return toolError("Failed to enqueue run", err)
	}
	return jsonResult(run)
}

func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, errResult := uuidArg(request, "run_id")
	if errResult != nil {
		return errResult, nil
	}

	view, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return toolError("Failed to get run status", err)
	}
	return jsonResult(view)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, errResult := uuidArg(request, "run_id")
	if errResult != nil {
		return errResult, nil
	}

	run, err := s.runs.CancelRun(ctx, runID)
	if err != nil {
		return toolError("Failed to cancel run", err)
	}
	return jsonResult(run)
}

func uuidArg(request mcp.CallToolRequest, name string) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := request.RequireString(name)
	if err != nil || raw == "" {
		return uuid.Nil, mcp.NewToolResultError("Missing required parameter: " + name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(fmt.Sprintf("Parameter %s is not a UUID: %v", name, err))
	}
	return id, nil
}

// toolError reports domain failures to the model as tool errors. Only
// unexpected failures become protocol errors.
func toolError(prefix string, err error) (*mcp.CallToolResult, error) {
	var cfgErr *services.ConfigurationError
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, services.ErrRunFinished),
		errors.Is(err, services.ErrWorkflowNotActive),
		errors.Is(err, services.ErrInvalidTransition),
		errors.As(err, &cfgErr):
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
	default:
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the MCP server over SSE under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
