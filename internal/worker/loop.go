// Package worker runs the consumers of the work queue: loops that claim and
// execute node messages, and the reaper that recovers expired leases.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
	"flowqueue/backend/pkg/models"
)

// Options tunes a Loop.
type Options struct {
	QueueName string
	// Lease is the visibility timeout taken on every claim.
	Lease time.Duration
	// Heartbeat is how often the lease of a running message is extended.
	// Zero disables heartbeats.
	Heartbeat time.Duration
	// PollInterval is the first idle wait; it doubles up to MaxPollInterval
	// while the queue stays empty.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// Backoff delays messages returned to pending after a failure.
	Backoff repository.Backoff
	// StoreRetry bounds how long transient store errors are retried.
	StoreRetry time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueName == "" {
		o.QueueName = models.DefaultQueueName
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = o.PollInterval
	}
	if o.StoreRetry <= 0 {
		o.StoreRetry = time.Minute
	}
	return o
}

// Deps are the collaborators of a Loop.
type Deps struct {
	Repo      repository.Repository
	Workflows services.WorkflowSource
	Registry  *nodes.Registry
	Scheduler *services.GraphScheduler
	Tracker   *services.RunTracker
	Log       *logging.Logger
	Metrics   *Metrics
}

// Loop is one competing consumer. Loops share nothing but the store.
type Loop struct {
	id     string
	deps   Deps
	opts   Options
	log    *logging.Logger
	tracer trace.Tracer
	wake   chan struct{}
}

// NewLoop creates a Loop identified by id in logs.
func NewLoop(id string, deps Deps, opts Options) *Loop {
	if deps.Metrics == nil {
		deps.Metrics = DefaultMetrics()
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	return &Loop{
		id:     id,
		deps:   deps,
		opts:   opts.withDefaults(),
		log:    deps.Log.With("worker", id),
		tracer: otel.Tracer(instrumentationName),
		wake:   make(chan struct{}, 1),
	}
}

// Wake interrupts an idle wait. It never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run claims and processes messages until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("worker started", "queue", l.opts.QueueName)
	defer l.log.Info("worker stopped")

	idle := l.opts.PollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := l.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			l.log.Error("processing failed", "error", err)
		}
		if processed {
			idle = l.opts.PollInterval
			continue
		}

		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-l.wake:
			timer.Stop()
			idle = l.opts.PollInterval
		case <-timer.C:
			idle = min(idle*2, l.opts.MaxPollInterval)
		}
	}
}

// ProcessOne claims at most one message and handles it. It reports whether
// a message was claimed.
func (l *Loop) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := retryValue(ctx, l, "claim", func() (*models.ClaimedMessage, error) {
		return l.deps.Repo.Claim(ctx, l.opts.QueueName, l.opts.Lease)
	})
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	l.deps.Metrics.claimed.Add(ctx, 1, queueAttr(l.opts.QueueName))
	return true, l.handle(ctx, msg)
}

func (l *Loop) handle(ctx context.Context, msg *models.ClaimedMessage) (err error) {
	ec := msg.Payload.Context
	log := l.log.With("message_id", msg.ID, "run_id", ec.RunID, "node_id", ec.NodeID, "attempt", msg.RetryCount+1)

	// Results are finalized even while the worker shuts down.
	fctx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling message", "panic", r, "stack", string(debug.Stack()))
			err = l.deadLetter(fctx, log, msg, repository.MessageError{Code: "panic", Message: fmt.Sprint(r)})
		}
	}()

	terminal, err := retryValue(fctx, l, "check run", func() (bool, error) {
		return l.deps.Tracker.IsTerminal(fctx, ec.RunID)
	})
	if errors.Is(err, repository.ErrNotFound) {
		terminal, err = true, nil
	}
	if err != nil {
		return err
	}
	if terminal {
		return l.drain(fctx, log, msg)
	}

	wf, err := retryValue(fctx, l, "load workflow", func() (*models.Workflow, error) {
		return l.deps.Workflows.GetWorkflow(fctx, msg.WorkflowID)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return l.deadLetter(fctx, log, msg, repository.MessageError{Code: "workflow_not_found", Message: err.Error()})
	}
	if err != nil {
		return err
	}
	nodeType, ok := l.deps.Registry.Lookup(msg.Payload.NodeType)
	if !ok {
		return l.deadLetter(fctx, log, msg, repository.MessageError{
			Code:    "unknown_node_type",
			Message: fmt.Sprintf("node type %q is not registered", msg.Payload.NodeType),
		})
	}

	spanCtx, span := l.tracer.Start(ctx, "flowqueue.node.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("flowqueue.message_id", msg.ID),
			attribute.String("flowqueue.run_id", ec.RunID.String()),
			attribute.String("flowqueue.node_id", ec.NodeID),
			attribute.String("flowqueue.node_type", msg.Payload.NodeType),
			attribute.Int("flowqueue.attempt", msg.RetryCount+1),
		))
	defer span.End()

	start := time.Now()
	result, execErr := l.execute(spanCtx, log, nodeType, msg)
	elapsed := time.Since(start)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		l.deps.Metrics.observe(fctx, l.opts.QueueName, msg.Payload.NodeType, "failed", elapsed)
		return l.fail(fctx, log, msg, nodes.AsNodeError(execErr))
	}
	l.deps.Metrics.observe(fctx, l.opts.QueueName, msg.Payload.NodeType, "completed", elapsed)

	// the run may have been cancelled while the node was running
	terminal, err = retryValue(fctx, l, "check run", func() (bool, error) {
		return l.deps.Tracker.IsTerminal(fctx, ec.RunID)
	})
	if err != nil {
		return err
	}
	if terminal {
		return l.drain(fctx, log, msg)
	}

	// The ack commits the result. The run counts this node as outstanding
	// until the scheduler marks it propagated.
	if err := l.retry(fctx, "ack", func() error { return l.deps.Repo.Ack(fctx, msg.ID, msg.Receipt) }); err != nil {
		if errors.Is(err, repository.ErrClaimConflict) {
			l.deps.Metrics.conflicts.Add(fctx, 1, queueAttr(l.opts.QueueName))
			log.Warn("lease lost before ack, result dropped")
			return nil
		}
		return err
	}
	l.deps.Metrics.acked.Add(fctx, 1, queueAttr(l.opts.QueueName))

	var enqueued []int64
	err = l.retry(fctx, "propagate", func() error {
		var perr error
		enqueued, perr = l.deps.Scheduler.OnNodeCompleted(fctx, l.deps.Repo, wf, ec, result)
		return perr
	})
	if err != nil {
		return fmt.Errorf("propagate %s: %w", ec.NodeID, err)
	}
	log.Debug("node completed", "enqueued", len(enqueued), "elapsed", elapsed)

	return l.retry(fctx, "report completion", func() error {
		return l.deps.Tracker.OnNodeCompleted(fctx, ec)
	})
}

// execute runs the node while a heartbeat keeps the lease alive. Losing the
// lease cancels the execution.
func (l *Loop) execute(ctx context.Context, log *logging.Logger, nodeType nodes.NodeType, msg *models.ClaimedMessage) (res models.NodeExecutionResult, err error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if l.opts.Heartbeat > 0 {
		done := make(chan struct{})
		defer close(done)
		go l.heartbeat(execCtx, cancel, done, log, msg)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("node panicked", "panic", r, "stack", string(debug.Stack()))
			err = nodes.Permanent("panic", fmt.Errorf("%v", r))
		}
	}()
	return nodeType.Execute(execCtx, msg.Payload)
}

func (l *Loop) heartbeat(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}, log *logging.Logger, msg *models.ClaimedMessage) {
	ticker := time.NewTicker(l.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.deps.Repo.ExtendVisibility(ctx, msg.ID, msg.Receipt, l.opts.Lease)
			switch {
			case err == nil:
			case errors.Is(err, repository.ErrClaimConflict):
				log.Warn("lease lost during execution, cancelling node")
				cancel()
				return
			default:
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// fail applies the retry decision to a failed execution.
func (l *Loop) fail(ctx context.Context, log *logging.Logger, msg *models.ClaimedMessage, nerr *nodes.NodeExecutionError) error {
	cause := repository.MessageError{Code: nerr.Code, Message: nerr.Message}
	if !nerr.Retryable {
		return l.deadLetter(ctx, log, msg, cause)
	}

	status, err := retryValue(ctx, l, "nack", func() (models.MessageStatus, error) {
		return l.deps.Repo.NackRetry(ctx, msg.ID, msg.Receipt, cause, l.opts.Backoff)
	})
	if errors.Is(err, repository.ErrClaimConflict) {
		l.deps.Metrics.conflicts.Add(ctx, 1, queueAttr(l.opts.QueueName))
		log.Warn("lease lost before nack")
		return nil
	}
	if err != nil {
		return err
	}

	if status == models.MessagePending {
		l.deps.Metrics.retried.Add(ctx, 1, queueAttr(l.opts.QueueName))
		log.Info("node failed, retry scheduled", "error_code", cause.Code, "error", cause.Message)
		l.deps.Tracker.OnNodeRetried(ctx, msg.Payload.Context, cause)
		return nil
	}
	l.deps.Metrics.deadLettered.Add(ctx, 1, queueAttr(l.opts.QueueName))
	log.Warn("node failed, retries exhausted", "error_code", cause.Code, "error", cause.Message)
	return l.retry(ctx, "report failure", func() error {
		return l.deps.Tracker.OnNodeFailed(ctx, msg.Payload.Context, cause)
	})
}

func (l *Loop) deadLetter(ctx context.Context, log *logging.Logger, msg *models.ClaimedMessage, cause repository.MessageError) error {
	err := l.retry(ctx, "dead letter", func() error {
		return l.deps.Repo.DeadLetter(ctx, msg.ID, msg.Receipt, cause)
	})
	if errors.Is(err, repository.ErrClaimConflict) {
		l.deps.Metrics.conflicts.Add(ctx, 1, queueAttr(l.opts.QueueName))
		log.Warn("lease lost before dead letter")
		return nil
	}
	if err != nil {
		return err
	}
	l.deps.Metrics.deadLettered.Add(ctx, 1, queueAttr(l.opts.QueueName))
	log.Warn("node dead-lettered", "error_code", cause.Code, "error", cause.Message)
	return l.retry(ctx, "report failure", func() error {
		return l.deps.Tracker.OnNodeFailed(ctx, msg.Payload.Context, cause)
	})
}

// drain acks a message of a finished run without executing it.
func (l *Loop) drain(ctx context.Context, log *logging.Logger, msg *models.ClaimedMessage) error {
	err := l.retry(ctx, "drain", func() error { return l.deps.Repo.Ack(ctx, msg.ID, msg.Receipt) })
	if errors.Is(err, repository.ErrClaimConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	l.deps.Metrics.drained.Add(ctx, 1, queueAttr(l.opts.QueueName))
	log.Info("run finished, message drained without execution")
	return nil
}

// retry runs op until it succeeds, fails with a non-transient error, or
// StoreRetry elapses.
func (l *Loop) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = l.opts.StoreRetry

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !repository.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		l.log.Warn("transient store error, retrying", "op", op, "error", err, "retry_in", next)
	})
}

func retryValue[T any](ctx context.Context, l *Loop, op string, fn func() (T, error)) (T, error) {
	var out T
	err := l.retry(ctx, op, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
