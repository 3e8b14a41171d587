package repository

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"flowqueue/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when a receipt handle is no longer the
	// current one, typically because the lease expired and the message was
	// reclaimed. It is benign for the caller.
	ErrClaimConflict = errors.New("claim conflict: stale receipt handle")
)

// EnqueueParams describes one message to enqueue.
type EnqueueParams struct {
	WorkflowID uuid.UUID
	RunID      uuid.UUID
	Payload    models.NodeExecutionRequest
	Priority   int
	QueueName  string
	MaxRetries int
	// DedupeKey, when set, makes the insert a no-op if a message with the
	// same key already exists for the run.
	DedupeKey string
}

// MessageError is the error recorded on a failed message.
type MessageError struct {
	Code    string
	Message string
}

// Backoff computes the delay before a retried message becomes visible again:
// Base * 2^retryCount, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the visibility delay for a message that has already been
// retried retryCount times.
func (b Backoff) Delay(retryCount int) time.Duration {
	d := float64(b.Base) * math.Pow(2, float64(retryCount))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) maxSeconds() float64 {
	if b.Max <= 0 {
		return math.MaxInt32
	}
	return b.Max.Seconds()
}

// QueueStore is the persisted work queue. Claim is the only mutual-exclusion
// point of the system: every other mutation is guarded by the receipt handle
// a claim hands out.
type QueueStore interface {
	// Enqueue inserts a pending message. created is false when DedupeKey
	// matched an existing message, whose id is returned instead, or when the
	// run already reached a terminal status, in which case id is 0.
	Enqueue(ctx context.Context, p EnqueueParams) (id int64, created bool, err error)
	// Claim takes the most urgent visible pending message of queueName, or
	// returns nil when there is none. It never blocks on other claimants.
	Claim(ctx context.Context, queueName string, lease time.Duration) (*models.ClaimedMessage, error)
	// Ack marks a claimed message completed.
	Ack(ctx context.Context, id int64, receipt uuid.UUID) error
	// NackRetry puts a claimed message back to pending after a backoff, or
	// dead-letters it when the retry budget is exhausted. It returns the
	// resulting status.
	NackRetry(ctx context.Context, id int64, receipt uuid.UUID, cause MessageError, backoff Backoff) (models.MessageStatus, error)
	// DeadLetter moves a claimed message straight to dead_letter.
	DeadLetter(ctx context.Context, id int64, receipt uuid.UUID, cause MessageError) error
	// ExtendVisibility pushes the lease of a claimed message further out.
	ExtendVisibility(ctx context.Context, id int64, receipt uuid.UUID, extra time.Duration) error
	// ReclaimExpired applies the NackRetry decision to up to limit processing
	// messages whose lease has expired.
	ReclaimExpired(ctx context.Context, queueName string, limit int, backoff Backoff) ([]models.ReclaimedMessage, error)
	GetMessage(ctx context.Context, id int64) (*models.QueueMessage, error)
	ListMessages(ctx context.Context, runID uuid.UUID) ([]*models.QueueMessage, error)
	RunProgress(ctx context.Context, runID uuid.UUID) (models.RunProgress, error)
}

// RunStore persists runs and the outputs of their nodes.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListRuns(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.Run, error)
	// TransitionRun moves a run to status `to` if its current status allows
	// it. changed is false when the run was in a status that cannot move
	// to `to`.
	TransitionRun(ctx context.Context, id uuid.UUID, to models.RunStatus, patch models.RunPatch) (changed bool, err error)
	// SaveNodeOutput records a node result once; later calls for the same
	// run and node are no-ops and return false.
	SaveNodeOutput(ctx context.Context, out *models.NodeOutput) (bool, error)
	NodeOutputs(ctx context.Context, runID uuid.UUID) (map[string]*models.NodeOutput, error)
	// MarkPropagated stamps the recorded output of a node once its
	// downstream nodes are enqueued. Until then the node's completed message
	// counts as outstanding in RunProgress.
	MarkPropagated(ctx context.Context, runID uuid.UUID, nodeID string) error
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// PutWorkflow inserts a workflow or replaces its definition, bumping
	// Version.
	PutWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, organizationID *uuid.UUID) ([]*models.Workflow, error)
}

// Repository is the full storage surface.
type Repository interface {
	QueueStore
	RunStore
	WorkflowStore
	Ping(ctx context.Context) error
	// InTx runs fn against a transactional view of the repository.
	InTx(ctx context.Context, fn func(Repository) error) error
}
