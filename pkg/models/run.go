package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one workflow execution.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusWaiting    RunStatus = "waiting"
	RunStatusBlocked    RunStatus = "blocked"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusNotStarted: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning:    {RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusWaiting, RunStatusBlocked},
	RunStatusWaiting:    {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusBlocked:    {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransition reports whether moving from s to next is allowed.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesFor lists every status that may transition into next.
func SourcesFor(next RunStatus) []RunStatus {
	var from []RunStatus
	for _, s := range []RunStatus{RunStatusNotStarted, RunStatusRunning, RunStatusWaiting, RunStatusBlocked} {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

// TriggerType says what started a run.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerAPI      TriggerType = "api"
)

// Run is one execution instance of a workflow.
type Run struct {
	ID             uuid.UUID       `json:"uuid"`
	WorkflowID     uuid.UUID       `json:"workflow_id"`
	OrganizationID uuid.UUID       `json:"organization_uuid"`
	Status         RunStatus       `json:"status"`
	TriggerType    TriggerType     `json:"trigger_type"`
	TriggeredBy    string          `json:"triggered_by"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ErrorCode      *string         `json:"error_code,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RunPatch carries the optional columns written alongside a status change.
type RunPatch struct {
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorCode    *string
	ErrorMessage *string
}

// NodeOutput is the recorded result of one node within a run.
type NodeOutput struct {
	RunID       uuid.UUID                  `json:"run_id"`
	NodeID      string                     `json:"node_id"`
	ExecutionID uuid.UUID                  `json:"execution_id"`
	Outputs     map[string]json.RawMessage `json:"outputs"`
	CompletedAt time.Time                  `json:"completed_at"`
	// PropagatedAt is set once the node's downstream messages were enqueued.
	PropagatedAt *time.Time `json:"propagated_at,omitempty"`
}

// RunProgress summarizes the queue messages of a run.
type RunProgress struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"dead_letter"`
	// Propagating counts completed messages whose node has not finished
	// enqueueing its downstream nodes. In a finished run it also counts
	// messages drained without execution.
	Propagating int `json:"propagating"`
	// FirstFailure is the earliest dead-lettered message, if any.
	FirstFailure *MessageFailure `json:"first_failure,omitempty"`
}

// Outstanding is the number of messages that may still lead to more work:
// pending, processing, or acked but not yet propagated.
func (p RunProgress) Outstanding() int {
	return p.Pending + p.Processing + p.Propagating
}

// MessageFailure identifies a dead-lettered node and its last error.
type MessageFailure struct {
	MessageID    int64  `json:"message_id"`
	NodeID       string `json:"node_id"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}
