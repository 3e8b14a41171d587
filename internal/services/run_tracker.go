package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/pkg/models"
)

var (
	// ErrRunFinished is returned when an operation needs a run that has not
	// reached a terminal status.
	ErrRunFinished = errors.New("run already finished")
	// ErrWorkflowNotActive is returned when starting a run of a draft or
	// archived workflow.
	ErrWorkflowNotActive = errors.New("workflow is not active")
	// ErrInvalidTransition is returned for a status change the run state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// WorkflowSource resolves workflow definitions. Both repository.WorkflowStore
// and repository.DefinitionCache satisfy it.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// TriggerSpec describes what started a run.
type TriggerSpec struct {
	Type        models.TriggerType
	TriggeredBy string
	// Input is handed to every entry node on the trigger pin.
	Input    json.RawMessage
	Metadata json.RawMessage
}

// RunStatusView is a run together with the state of its messages.
type RunStatusView struct {
	Run      *models.Run        `json:"run"`
	Progress models.RunProgress `json:"progress"`
}

// RunTracker owns the lifecycle of runs.
type RunTracker struct {
	repo      repository.Repository
	workflows WorkflowSource
	scheduler *GraphScheduler
	events    EventDispatcher
	log       *logging.Logger
	now       func() time.Time
}

// NewRunTracker creates a RunTracker. workflows may be a cache in front of
// repo.
func NewRunTracker(repo repository.Repository, workflows WorkflowSource, scheduler *GraphScheduler, events EventDispatcher, log *logging.Logger) *RunTracker {
	return &RunTracker{
		repo:      repo,
		workflows: workflows,
		scheduler: scheduler,
		events:    events,
		log:       log,
		now:       time.Now,
	}
}

// StartRun creates a run, enqueues its entry nodes and marks it running.
// On Postgres the three steps commit together.
func (t *RunTracker) StartRun(ctx context.Context, workflowID uuid.UUID, trigger TriggerSpec) (*models.Run, error) {
	wf, err := t.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.WorkflowStatusActive {
		return nil, fmt.Errorf("start run of workflow %s (%s): %w", wf.ID, wf.Status, ErrWorkflowNotActive)
	}

	run := &models.Run{
		ID:             uuid.New(),
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		Status:         models.RunStatusNotStarted,
		TriggerType:    trigger.Type,
		TriggeredBy:    trigger.TriggeredBy,
		Metadata:       trigger.Metadata,
	}
	err = t.repo.InTx(ctx, func(tx repository.Repository) error {
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		if _, err := t.scheduler.StartEntries(ctx, tx, wf, run, trigger.Input); err != nil {
			return err
		}
		started := t.now()
		changed, err := tx.TransitionRun(ctx, run.ID, models.RunStatusRunning, models.RunPatch{StartedAt: &started})
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("run %s: %w", run.ID, ErrInvalidTransition)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	t.log.Info("run started", "run_id", run.ID, "workflow_id", wf.ID, "trigger_type", string(run.TriggerType))
	t.emit(ctx, Event{Type: EventRunStarted, WorkflowID: wf.ID, RunID: run.ID, Status: string(models.RunStatusRunning)})
	return t.repo.GetRun(ctx, run.ID)
}

// GetRun returns a run and the state of its messages.
func (t *RunTracker) GetRun(ctx context.Context, runID uuid.UUID) (*RunStatusView, error) {
	run, err := t.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	progress, err := t.repo.RunProgress(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatusView{Run: run, Progress: progress}, nil
}

// IsTerminal reports whether the run can no longer make progress. Workers
// drain messages of such runs without executing them.
func (t *RunTracker) IsTerminal(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := t.repo.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status.IsTerminal(), nil
}

// OnNodeCompleted is called after a node's message was acked and its
// downstream nodes enqueued.
func (t *RunTracker) OnNodeCompleted(ctx context.Context, ec models.ExecutionContext) error {
	t.emit(ctx, Event{Type: EventNodeCompleted, WorkflowID: ec.WorkflowID, RunID: ec.RunID, NodeID: ec.NodeID})
	return t.checkCompletion(ctx, ec.RunID)
}

// OnNodeRetried records that a node failed and will be retried.
func (t *RunTracker) OnNodeRetried(ctx context.Context, ec models.ExecutionContext, cause repository.MessageError) {
	t.emit(ctx, Event{
		Type: EventNodeRetried, WorkflowID: ec.WorkflowID, RunID: ec.RunID, NodeID: ec.NodeID,
		ErrorCode: cause.Code, ErrorMessage: cause.Message,
	})
}

// OnNodeFailed handles a dead-lettered node. Under fail_fast the run fails
// at once; under isolate_branches other branches keep going and the run
// fails once nothing is outstanding.
func (t *RunTracker) OnNodeFailed(ctx context.Context, ec models.ExecutionContext, cause repository.MessageError) error {
	t.emit(ctx, Event{
		Type: EventNodeFailed, WorkflowID: ec.WorkflowID, RunID: ec.RunID, NodeID: ec.NodeID,
		ErrorCode: cause.Code, ErrorMessage: cause.Message,
	})

	policy := models.FailFast
	if wf, err := t.workflows.GetWorkflow(ctx, ec.WorkflowID); err == nil {
		policy = wf.Definition.Settings.Policy()
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if policy == models.IsolateBranches {
		return t.checkCompletion(ctx, ec.RunID)
	}
	message := fmt.Sprintf("node %s: %s", ec.NodeID, cause.Message)
	return t.finish(ctx, ec.RunID, models.RunStatusFailed, cause.Code, message)
}

// CancelRun cancels a run from any non-terminal status. In-flight node
// executions are not interrupted; their results are discarded.
func (t *RunTracker) CancelRun(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	now := t.now()
	code := "cancelled"
	changed, err := t.repo.TransitionRun(ctx, runID, models.RunStatusCancelled, models.RunPatch{
		FinishedAt: &now,
		ErrorCode:  &code,
	})
	if err != nil {
		return nil, err
	}
	run, err := t.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return run, fmt.Errorf("cancel run %s (%s): %w", runID, run.Status, ErrRunFinished)
	}

	t.log.Info("run cancelled", "run_id", runID)
	t.emit(ctx, Event{Type: EventRunCancelled, WorkflowID: run.WorkflowID, RunID: runID, Status: string(run.Status)})
	return run, nil
}

// Suspend moves a running run to waiting or blocked.
func (t *RunTracker) Suspend(ctx context.Context, runID uuid.UUID, status models.RunStatus, reason string) (*models.Run, error) {
	if status != models.RunStatusWaiting && status != models.RunStatusBlocked {
		return nil, fmt.Errorf("suspend to %s: %w", status, ErrInvalidTransition)
	}
	changed, err := t.repo.TransitionRun(ctx, runID, status, models.RunPatch{})
	if err != nil {
		return nil, err
	}
	run, err := t.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return run, fmt.Errorf("suspend run %s (%s): %w", runID, run.Status, ErrInvalidTransition)
	}

	t.log.Info("run suspended", "run_id", runID, "status", string(status), "reason", reason)
	t.emit(ctx, Event{Type: EventRunSuspended, WorkflowID: run.WorkflowID, RunID: runID, Status: string(status), ErrorMessage: reason})
	return run, nil
}

// Resume returns a waiting or blocked run to running. Completion deferred
// while the run was suspended is re-checked.
func (t *RunTracker) Resume(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	run, err := t.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusWaiting && run.Status != models.RunStatusBlocked {
		return run, fmt.Errorf("resume run %s (%s): %w", runID, run.Status, ErrInvalidTransition)
	}
	changed, err := t.repo.TransitionRun(ctx, runID, models.RunStatusRunning, models.RunPatch{})
	if err != nil {
		return nil, err
	}
	if changed {
		t.emit(ctx, Event{Type: EventRunResumed, WorkflowID: run.WorkflowID, RunID: runID, Status: string(models.RunStatusRunning)})
	}
	if err := t.checkCompletion(ctx, runID); err != nil {
		return nil, err
	}
	return t.repo.GetRun(ctx, runID)
}

// checkCompletion finishes a running run once no message is outstanding:
// none pending or processing, and every acked node done enqueueing its
// successors. The run is completed when every reached node completed and
// failed when one was dead-lettered.
func (t *RunTracker) checkCompletion(ctx context.Context, runID uuid.UUID) error {
	progress, err := t.repo.RunProgress(ctx, runID)
	if err != nil {
		return err
	}
	if progress.Outstanding() > 0 {
		return nil
	}
	run, err := t.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusRunning {
		return nil
	}

	if f := progress.FirstFailure; f != nil {
		return t.finish(ctx, runID, models.RunStatusFailed, f.ErrorCode, fmt.Sprintf("node %s: %s", f.NodeID, f.ErrorMessage))
	}
	return t.finish(ctx, runID, models.RunStatusCompleted, "", "")
}

func (t *RunTracker) finish(ctx context.Context, runID uuid.UUID, status models.RunStatus, code, message string) error {
	now := t.now()
	patch := models.RunPatch{FinishedAt: &now}
	if code != "" {
		patch.ErrorCode = &code
		patch.ErrorMessage = &message
	}
	changed, err := t.repo.TransitionRun(ctx, runID, status, patch)
	if err != nil {
		return err
	}
	if !changed {
		// someone else finished or cancelled it first
		return nil
	}

	run, err := t.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	evt := EventRunCompleted
	if status == models.RunStatusFailed {
		evt = EventRunFailed
		t.log.Warn("run failed", "run_id", runID, "error_code", code, "error_message", message)
	} else {
		t.log.Info("run completed", "run_id", runID)
	}
	t.emit(ctx, Event{
		Type: evt, WorkflowID: run.WorkflowID, RunID: runID, Status: string(status),
		ErrorCode: code, ErrorMessage: message,
	})
	return nil
}

func (t *RunTracker) emit(ctx context.Context, e Event) {
	if t.events == nil {
		return
	}
	e.At = t.now()
	t.events.Dispatch(ctx, e)
}
