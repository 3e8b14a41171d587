package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the state of a queue message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
	MessageDeadLetter MessageStatus = "dead_letter"
)

// ExecutionContext identifies one node invocation.
type ExecutionContext struct {
	WorkflowID  uuid.UUID `json:"workflow_id"`
	RunID       uuid.UUID `json:"run_id"`
	NodeID      string    `json:"node_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
}

// NodeExecutionRequest is the payload of a queue message.
type NodeExecutionRequest struct {
	Context  ExecutionContext           `json:"context"`
	NodeType string                     `json:"node_type"`
	Config   json.RawMessage            `json:"config,omitempty"`
	Inputs   map[string]json.RawMessage `json:"inputs,omitempty"`
}

// NodeExecutionResult holds the values emitted on output pins. Pins absent
// from Outputs were not fired, which is how routing nodes pick a branch.
type NodeExecutionResult struct {
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
}

// QueueMessage is one unit of claimable work.
type QueueMessage struct {
	ID            int64                `json:"id"`
	WorkflowID    uuid.UUID            `json:"workflow_id"`
	RunID         uuid.UUID            `json:"run_id"`
	Payload       NodeExecutionRequest `json:"payload"`
	Status        MessageStatus        `json:"status"`
	Priority      int                  `json:"priority"`
	ReceiptHandle *uuid.UUID           `json:"receipt_handle,omitempty"`
	VisibleAt     time.Time            `json:"visible_at"`
	RetryCount    int                  `json:"retry_count"`
	MaxRetries    int                  `json:"max_retries"`
	QueueName     string               `json:"queue_name"`
	DedupeKey     *string              `json:"dedupe_key,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	ProcessedAt   *time.Time           `json:"processed_at,omitempty"`
	ErrorMessage  *string              `json:"error_message,omitempty"`
	ErrorCode     *string              `json:"error_code,omitempty"`
}

// ClaimedMessage is a message together with the receipt proving ownership.
type ClaimedMessage struct {
	QueueMessage
	Receipt uuid.UUID `json:"receipt"`
}

// ReclaimedMessage reports the outcome of one expired lease sweep.
type ReclaimedMessage struct {
	ID         int64         `json:"id"`
	WorkflowID uuid.UUID     `json:"workflow_id"`
	RunID      uuid.UUID     `json:"run_id"`
	NodeID     string        `json:"node_id"`
	Status     MessageStatus `json:"status"`
	RetryCount int           `json:"retry_count"`
}
