package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flowqueue/backend/internal/logging"
)

// EventType names a run or node transition.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
	EventRunCancelled  EventType = "run.cancelled"
	EventRunSuspended  EventType = "run.suspended"
	EventRunResumed    EventType = "run.resumed"
	EventNodeCompleted EventType = "node.completed"
	EventNodeRetried   EventType = "node.retried"
	EventNodeFailed    EventType = "node.failed"
)

// Event describes one transition.
type Event struct {
	Type         EventType `json:"type"`
	WorkflowID   uuid.UUID `json:"workflow_id"`
	RunID        uuid.UUID `json:"run_id"`
	NodeID       string    `json:"node_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

// EventDispatcher is notified of run and node transitions. Delivery is best
// effort; implementations must not block the caller for long.
type EventDispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

// LogDispatcher writes events to the log.
type LogDispatcher struct {
	log *logging.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(log *logging.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Dispatch logs e.
func (d *LogDispatcher) Dispatch(_ context.Context, e Event) {
	kv := []any{"event", string(e.Type), "workflow_id", e.WorkflowID, "run_id", e.RunID}
	if e.NodeID != "" {
		kv = append(kv, "node_id", e.NodeID)
	}
	if e.Status != "" {
		kv = append(kv, "status", e.Status)
	}
	if e.ErrorCode != "" {
		kv = append(kv, "error_code", e.ErrorCode, "error_message", e.ErrorMessage)
	}
	d.log.Info("workflow event", kv...)
}
