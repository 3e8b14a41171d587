package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
	"flowqueue/backend/pkg/models"
)

type testNode struct {
	name string
	exec func(ctx context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error)
}

func (n testNode) Type() string { return n.name }

func (n testNode) Schema() nodes.Schema {
	return nodes.Schema{
		Inputs:  []nodes.Pin{{Name: "in", Required: true}},
		Outputs: []nodes.Pin{{Name: "out"}},
	}
}

func (n testNode) ValidateConfig(json.RawMessage) error { return nil }

func (n testNode) Execute(ctx context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	return n.exec(ctx, req)
}

func forward(req models.NodeExecutionRequest) models.NodeExecutionResult {
	v := req.Inputs["in"]
	if len(v) == 0 {
		v = json.RawMessage(`{}`)
	}
	return models.NodeExecutionResult{Outputs: map[string]json.RawMessage{"out": v}}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store     *repository.InMemoryStore
	clock     *fakeClock
	registry  *nodes.Registry
	scheduler *services.GraphScheduler
	tracker   *services.RunTracker
}

func newHarness(t *testing.T, types ...nodes.NodeType) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Now()}
	store := repository.NewInMemoryStore(repository.WithClock(clock.Now))
	registry := nodes.NewRegistry()
	for _, nt := range append(nodes.Builtins(), types...) {
		require.NoError(t, registry.Register(nt))
	}
	scheduler := services.NewGraphScheduler(registry, logging.Nop())
	tracker := services.NewRunTracker(store, store, scheduler, services.NewLogDispatcher(logging.Nop()), logging.Nop())
	return &harness{store: store, clock: clock, registry: registry, scheduler: scheduler, tracker: tracker}
}

func (h *harness) deps() Deps {
	return Deps{
		Repo:      h.store,
		Workflows: h.store,
		Registry:  h.registry,
		Scheduler: h.scheduler,
		Tracker:   h.tracker,
		Log:       logging.Nop(),
	}
}

func (h *harness) loop(id string) *Loop {
	return NewLoop(id, h.deps(), Options{StoreRetry: time.Second, PollInterval: time.Millisecond})
}

func (h *harness) start(t *testing.T, def models.Definition) (*models.Workflow, *models.Run) {
	t.Helper()
	ctx := context.Background()
	wf := &models.Workflow{OrganizationID: uuid.New(), Name: t.Name(), Definition: def}
	require.NoError(t, services.NewWorkflowService(h.store, h.registry, nil).Save(ctx, wf))
	run, err := h.tracker.StartRun(ctx, wf.ID, services.TriggerSpec{Type: models.TriggerManual})
	require.NoError(t, err)
	return wf, run
}

func (h *harness) run(t *testing.T, id uuid.UUID) *models.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (h *harness) messagesFor(t *testing.T, runID uuid.UUID, nodeID string) []*models.QueueMessage {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), runID)
	require.NoError(t, err)
	var out []*models.QueueMessage
	for _, m := range msgs {
		if m.Payload.Context.NodeID == nodeID {
			out = append(out, m)
		}
	}
	return out
}

func chain(types ...string) models.Definition {
	ids := []string{"A", "B", "C", "D"}
	def := models.Definition{Nodes: []models.Node{{ID: "A", Type: "trigger"}}}
	for i, typ := range types {
		def.Nodes = append(def.Nodes, models.Node{ID: ids[i+1], Type: typ})
		def.Edges = append(def.Edges, models.Edge{Source: ids[i], Target: ids[i+1]})
	}
	return def
}

func TestLoopRunsChainToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, run := h.start(t, chain("passthrough", "passthrough"))
	loop := h.loop("w")

	assert.Len(t, h.messagesFor(t, run.ID, "A"), 1)
	assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)

	processed, err := loop.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Len(t, h.messagesFor(t, run.ID, "B"), 1)
	assert.Empty(t, h.messagesFor(t, run.ID, "C"))

	processed, err = loop.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Len(t, h.messagesFor(t, run.ID, "C"), 1)

	processed, err = loop.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	processed, err = loop.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	got := h.run(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.FinishedAt)
	progress, err := h.store.RunProgress(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, progress.Outstanding())
	assert.Equal(t, 3, progress.Completed)
}

func TestStaleAckDoesNotPropagateTwice(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	gate := testNode{name: "gate", exec: func(_ context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return forward(req), nil
	}}
	h := newHarness(t, gate)
	ctx := context.Background()
	_, run := h.start(t, chain("gate", "passthrough"))

	slow, fast := h.loop("slow"), h.loop("fast")
	_, err := fast.ProcessOne(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := slow.ProcessOne(ctx)
		done <- err
	}()
	<-started

	// the slow worker's lease runs out and B is handed to another worker
	h.clock.Advance(time.Hour)
	reaper := NewReaper(h.store, h.tracker, ReaperOptions{}, logging.Nop(), nil)
	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	processed, err := fast.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, h.messagesFor(t, run.ID, "C"), 1)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, h.messagesFor(t, run.ID, "C"), 1, "stale ack must not enqueue C again")

	b := h.messagesFor(t, run.ID, "B")
	require.Len(t, b, 1)
	assert.Equal(t, models.MessageCompleted, b[0].Status)
	assert.Equal(t, 1, b[0].RetryCount)

	processed, err = fast.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, models.RunStatusCompleted, h.run(t, run.ID).Status)
}

func TestCancelDuringExecutionStopsPropagation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gate := testNode{name: "gate", exec: func(_ context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
		close(started)
		<-release
		return forward(req), nil
	}}
	h := newHarness(t, gate)
	ctx := context.Background()
	_, run := h.start(t, chain("gate", "passthrough"))
	loop := h.loop("w")

	_, err := loop.ProcessOne(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := loop.ProcessOne(ctx)
		done <- err
	}()
	<-started
	_, err = h.tracker.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	assert.Empty(t, h.messagesFor(t, run.ID, "C"))
	b := h.messagesFor(t, run.ID, "B")
	require.Len(t, b, 1)
	assert.Equal(t, models.MessageCompleted, b[0].Status, "drained")
	assert.Equal(t, models.RunStatusCancelled, h.run(t, run.ID).Status)

	processed, err := loop.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCancelledRunIsDrainedWithoutExecution(t *testing.T) {
	var calls atomic.Int32
	counting := testNode{name: "counting", exec: func(_ context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
		calls.Add(1)
		return forward(req), nil
	}}
	h := newHarness(t, counting)
	ctx := context.Background()
	_, run := h.start(t, chain("counting"))
	loop := h.loop("w")

	_, err := loop.ProcessOne(ctx)
	require.NoError(t, err)
	_, err = h.tracker.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	processed, err := loop.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, calls.Load())
	assert.Equal(t, models.MessageCompleted, h.messagesFor(t, run.ID, "B")[0].Status)
}

func TestRetryThenDeadLetter(t *testing.T) {
	flaky := testNode{name: "flaky", exec: func(context.Context, models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
		return models.NodeExecutionResult{}, nodes.Retryable("http_503", errors.New("unavailable"))
	}}
	h := newHarness(t, flaky)
	ctx := context.Background()
	def := chain("flaky", "passthrough")
	retries := 2
	def.Nodes[1].MaxRetries = &retries
	_, run := h.start(t, def)
	loop := h.loop("w")

	_, err := loop.ProcessOne(ctx)
	require.NoError(t, err)

	_, err = loop.ProcessOne(ctx)
	require.NoError(t, err)
	b := h.messagesFor(t, run.ID, "B")[0]
	assert.Equal(t, models.MessagePending, b.Status)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)

	_, err = loop.ProcessOne(ctx)
	require.NoError(t, err)
	b = h.messagesFor(t, run.ID, "B")[0]
	assert.Equal(t, models.MessageDeadLetter, b.Status)
	assert.Equal(t, 2, b.RetryCount)

	got := h.run(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, "http_503", *got.ErrorCode)
	assert.Empty(t, h.messagesFor(t, run.ID, "C"))

	processed, err := loop.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "dead letter never returns to pending")
}

func TestPanicIsContained(t *testing.T) {
	boom := testNode{name: "boom", exec: func(context.Context, models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
		panic("kaboom")
	}}
	h := newHarness(t, boom)
	ctx := context.Background()
	_, run := h.start(t, chain("boom"))
	loop := h.loop("w")

	_, err := loop.ProcessOne(ctx)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, err = loop.ProcessOne(ctx)
	})
	require.NoError(t, err)

	b := h.messagesFor(t, run.ID, "B")[0]
	assert.Equal(t, models.MessageDeadLetter, b.Status)
	assert.Equal(t, "panic", *b.ErrorCode)
	assert.Equal(t, models.RunStatusFailed, h.run(t, run.ID).Status)
}

func TestUnknownNodeTypeIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := &models.Workflow{OrganizationID: uuid.New(), Definition: chain("retired")}
	require.NoError(t, h.store.PutWorkflow(ctx, wf))
	run, err := h.tracker.StartRun(ctx, wf.ID, services.TriggerSpec{})
	require.NoError(t, err)
	loop := h.loop("w")

	_, err = loop.ProcessOne(ctx)
	require.NoError(t, err)
	_, err = loop.ProcessOne(ctx)
	require.NoError(t, err)

	b := h.messagesFor(t, run.ID, "B")[0]
	assert.Equal(t, models.MessageDeadLetter, b.Status)
	assert.Equal(t, "unknown_node_type", *b.ErrorCode)
}

type flakyClaims struct {
	repository.Repository
	failures atomic.Int32
}

func (f *flakyClaims) Claim(ctx context.Context, queue string, lease time.Duration) (*models.ClaimedMessage, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, &repository.TransientError{Op: "claim", Err: errors.New("connection reset")}
	}
	return f.Repository.Claim(ctx, queue, lease)
}

func TestTransientStoreErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, run := h.start(t, chain())

	repo := &flakyClaims{Repository: h.store}
	repo.failures.Store(2)
	deps := h.deps()
	deps.Repo = repo
	loop := NewLoop("w", deps, Options{StoreRetry: 5 * time.Second})

	processed, err := loop.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, models.RunStatusCompleted, h.run(t, run.ID).Status)
}

func TestReaperDeadLettersExhaustedLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := chain()
	one := 1
	def.Nodes[0].MaxRetries = &one
	_, run := h.start(t, def)

	// a worker claims A and dies
	m, err := h.store.Claim(ctx, models.DefaultQueueName, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)

	reaper := NewReaper(h.store, h.tracker, ReaperOptions{BatchSize: 1}, logging.Nop(), nil)
	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	h.clock.Advance(time.Minute)
	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.run(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, "lease_expired", *got.ErrorCode)
}

// ackHook calls after once, right after message id is acked.
type ackHook struct {
	repository.Repository
	id    int64
	once  sync.Once
	after func()
}

func (a *ackHook) Ack(ctx context.Context, id int64, receipt uuid.UUID) error {
	if err := a.Repository.Ack(ctx, id, receipt); err != nil {
		return err
	}
	if id == a.id {
		a.once.Do(a.after)
	}
	return nil
}

func fanOut() models.Definition {
	return models.Definition{
		Nodes: []models.Node{
			{ID: "A", Type: "trigger"},
			{ID: "B", Type: "passthrough"},
			{ID: "C", Type: "passthrough"},
			{ID: "D", Type: "passthrough"},
		},
		Edges: []models.Edge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
		},
	}
}

func TestSiblingAckBeforePropagationDoesNotCompleteRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, run := h.start(t, fanOut())

	first := h.loop("w1")
	_, err := first.ProcessOne(ctx)
	require.NoError(t, err)
	b := h.messagesFor(t, run.ID, "B")
	require.Len(t, b, 1)

	// a second worker handles C between B's ack and B's propagation
	second := h.loop("w2")
	hook := &ackHook{Repository: h.store, id: b[0].ID, after: func() {
		processed, err := second.ProcessOne(ctx)
		assert.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)
	}}
	deps := h.deps()
	deps.Repo = hook
	hooked := NewLoop("w1", deps, Options{StoreRetry: time.Second, PollInterval: time.Millisecond})

	processed, err := hooked.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)
	require.Len(t, h.messagesFor(t, run.ID, "D"), 1)

	processed, err = first.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, models.RunStatusCompleted, h.run(t, run.ID).Status)
	outputs, err := h.store.NodeOutputs(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, outputs, "D", "D executed before the run completed")
}

func TestCancelAfterAckEnqueuesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, run := h.start(t, chain("passthrough", "passthrough"))
	loop := h.loop("w")
	_, err := loop.ProcessOne(ctx)
	require.NoError(t, err)

	b := h.messagesFor(t, run.ID, "B")
	require.Len(t, b, 1)
	hook := &ackHook{Repository: h.store, id: b[0].ID, after: func() {
		_, err := h.tracker.CancelRun(ctx, run.ID)
		assert.NoError(t, err)
	}}
	deps := h.deps()
	deps.Repo = hook
	processed, err := NewLoop("w", deps, Options{StoreRetry: time.Second}).ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.Empty(t, h.messagesFor(t, run.ID, "C"))
	assert.Equal(t, models.RunStatusCancelled, h.run(t, run.ID).Status)
}

func TestPoolRunCompletesRun(t *testing.T) {
	h := newHarness(t)
	_, run := h.start(t, chain("passthrough", "passthrough"))

	pool := NewPool("test", 3, h.deps(), Options{PollInterval: time.Millisecond, MaxPollInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.run(t, run.ID).Status == models.RunStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPoolCompletesBranchingGraphs(t *testing.T) {
	diamond := models.Definition{
		Nodes: []models.Node{
			{ID: "A", Type: "trigger"},
			{ID: "B", Type: "passthrough"},
			{ID: "C", Type: "passthrough"},
			{ID: "D", Type: "passthrough"},
		},
		Edges: []models.Edge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
			{Source: "C", Target: "D"},
		},
	}
	tail := fanOut()
	tail.Nodes = append(tail.Nodes, models.Node{ID: "E", Type: "passthrough"})
	tail.Edges = append(tail.Edges, models.Edge{Source: "D", Target: "E"})

	for name, def := range map[string]models.Definition{"diamond": diamond, "fan-out with tail": tail} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			var runs []uuid.UUID
			for range 25 {
				_, run := h.start(t, def)
				runs = append(runs, run.ID)
			}

			pool := NewPool("test", 8, h.deps(), Options{PollInterval: time.Millisecond, MaxPollInterval: 2 * time.Millisecond}, nil)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- pool.Run(ctx) }()

			for _, id := range runs {
				require.Eventually(t, func() bool {
					return h.run(t, id).Status.IsTerminal()
				}, 10*time.Second, 2*time.Millisecond)
			}
			cancel()
			require.NoError(t, <-done)

			for _, id := range runs {
				assert.Equal(t, models.RunStatusCompleted, h.run(t, id).Status)
				outputs, err := h.store.NodeOutputs(context.Background(), id)
				require.NoError(t, err)
				assert.Len(t, outputs, len(def.Nodes), "every node ran before the run completed")
				for _, n := range def.Nodes {
					assert.Len(t, h.messagesFor(t, id, n.ID), 1, "node %s enqueued once", n.ID)
				}
			}
		})
	}
}

func TestWakeInterruptsIdleWait(t *testing.T) {
	h := newHarness(t)
	loop := NewLoop("w", h.deps(), Options{PollInterval: time.Hour, MaxPollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// give the loop time to find the queue empty and start waiting
	time.Sleep(20 * time.Millisecond)
	_, run := h.start(t, chain())
	loop.Wake()

	require.Eventually(t, func() bool {
		return h.run(t, run.ID).Status == models.RunStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
