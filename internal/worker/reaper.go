package worker

import (
	"context"
	"time"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
	"flowqueue/backend/pkg/models"
)

// ReaperOptions tunes a Reaper.
type ReaperOptions struct {
	Queues    []string
	Interval  time.Duration
	BatchSize int
	Backoff   repository.Backoff
}

// Reaper returns messages whose lease expired to the queue, presumably
// because their worker crashed. It uses the same SKIP LOCKED discipline as
// claims, so it never overrides a worker acking at the same instant.
type Reaper struct {
	repo    repository.QueueStore
	tracker *services.RunTracker
	opts    ReaperOptions
	log     *logging.Logger
	metrics *Metrics
}

// NewReaper creates a Reaper.
func NewReaper(repo repository.QueueStore, tracker *services.RunTracker, opts ReaperOptions, log *logging.Logger, metrics *Metrics) *Reaper {
	if len(opts.Queues) == 0 {
		opts.Queues = []string{models.DefaultQueueName}
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Reaper{repo: repo, tracker: tracker, opts: opts, log: log.With("component", "reaper"), metrics: metrics}
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep reclaims every expired lease in the configured queues and reports
// dead-lettered nodes to the run tracker. It returns the number of
// reclaimed messages.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for _, queue := range r.opts.Queues {
		for {
			batch, err := r.repo.ReclaimExpired(ctx, queue, r.opts.BatchSize, r.opts.Backoff)
			if err != nil {
				return total, err
			}
			for _, m := range batch {
				r.report(ctx, queue, m)
			}
			total += len(batch)
			if len(batch) < r.opts.BatchSize {
				break
			}
		}
	}
	return total, nil
}

func (r *Reaper) report(ctx context.Context, queue string, m models.ReclaimedMessage) {
	r.metrics.reclaimed.Add(ctx, 1, queueAttr(queue))
	ec := models.ExecutionContext{WorkflowID: m.WorkflowID, RunID: m.RunID, NodeID: m.NodeID}
	cause := repository.MessageError{Code: "lease_expired", Message: "visibility lease expired before acknowledgement"}

	if m.Status != models.MessageDeadLetter {
		r.log.Info("expired lease reclaimed", "message_id", m.ID, "run_id", m.RunID, "node_id", m.NodeID, "retry_count", m.RetryCount)
		r.tracker.OnNodeRetried(ctx, ec, cause)
		return
	}
	r.metrics.deadLettered.Add(ctx, 1, queueAttr(queue))
	r.log.Warn("expired lease exhausted retries", "message_id", m.ID, "run_id", m.RunID, "node_id", m.NodeID)
	if err := r.tracker.OnNodeFailed(ctx, ec, cause); err != nil {
		r.log.Error("report dead-lettered node", "message_id", m.ID, "error", err)
	}
}
