package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowqueue/backend/pkg/models"
)

// InMemoryStore is a Repository kept in process memory. It follows the same
// queue and run semantics as PostgresStore and is used by tests and by the
// server's --memory mode.
type InMemoryStore struct {
	// mu guards state. The view handed to an InTx callback shares state
	// with a no-op lock while the outer store holds the real one.
	mu  sync.Locker
	now func() time.Time

	state *memoryState
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

type memoryState struct {
	nextID    int64
	messages  map[int64]*models.QueueMessage
	dedupe    map[string]int64
	runs      map[uuid.UUID]*models.Run
	outputs   map[uuid.UUID]map[string]*models.NodeOutput
	workflows map[uuid.UUID]*models.Workflow
}

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithClock replaces time.Now, letting tests move leases and backoffs
// forward without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) { s.now = now }
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		mu:  &sync.Mutex{},
		now: time.Now,
		state: &memoryState{
			messages:  make(map[int64]*models.QueueMessage),
			dedupe:    make(map[string]int64),
			runs:      make(map[uuid.UUID]*models.Run),
			outputs:   make(map[uuid.UUID]map[string]*models.NodeOutput),
			workflows: make(map[uuid.UUID]*models.Workflow),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

// InTx runs fn against a view of the store while holding its lock, so
// other callers neither see partial writes nor interleave with fn. When fn
// fails the state from before the call is restored. fn must only use the
// view it is given.
func (s *InMemoryStore) InTx(_ context.Context, fn func(Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.state.clone()
	tx := &InMemoryStore{mu: nopLocker{}, now: s.now, state: s.state}
	if err := fn(tx); err != nil {
		*s.state = *saved
		return err
	}
	return nil
}

func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		nextID:    st.nextID,
		messages:  make(map[int64]*models.QueueMessage, len(st.messages)),
		dedupe:    make(map[string]int64, len(st.dedupe)),
		runs:      make(map[uuid.UUID]*models.Run, len(st.runs)),
		outputs:   make(map[uuid.UUID]map[string]*models.NodeOutput, len(st.outputs)),
		workflows: make(map[uuid.UUID]*models.Workflow, len(st.workflows)),
	}
	for k, v := range st.messages {
		m := *v
		c.messages[k] = &m
	}
	for k, v := range st.dedupe {
		c.dedupe[k] = v
	}
	for k, v := range st.runs {
		r := *v
		c.runs[k] = &r
	}
	for k, v := range st.outputs {
		inner := make(map[string]*models.NodeOutput, len(v))
		for n, o := range v {
			out := *o
			inner[n] = &out
		}
		c.outputs[k] = inner
	}
	for k, v := range st.workflows {
		w := *v
		c.workflows[k] = &w
	}
	return c
}

func dedupeIndex(runID uuid.UUID, key string) string {
	return runID.String() + "/" + key
}

func (s *InMemoryStore) Enqueue(_ context.Context, p EnqueueParams) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.DedupeKey != "" {
		if id, ok := s.state.dedupe[dedupeIndex(p.RunID, p.DedupeKey)]; ok {
			return id, false, nil
		}
	}
	if r, ok := s.state.runs[p.RunID]; ok && r.Status.IsTerminal() {
		return 0, false, nil
	}
	queueName := p.QueueName
	if queueName == "" {
		queueName = models.DefaultQueueName
	}

	now := s.now()
	s.state.nextID++
	msg := &models.QueueMessage{
		ID:         s.state.nextID,
		WorkflowID: p.WorkflowID,
		RunID:      p.RunID,
		Payload:    p.Payload,
		Status:     models.MessagePending,
		Priority:   p.Priority,
		VisibleAt:  now,
		MaxRetries: p.MaxRetries,
		QueueName:  queueName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.DedupeKey != "" {
		key := p.DedupeKey
		msg.DedupeKey = &key
		s.state.dedupe[dedupeIndex(p.RunID, key)] = msg.ID
	}
	s.state.messages[msg.ID] = msg
	return msg.ID, true, nil
}

func (s *InMemoryStore) Claim(_ context.Context, queueName string, lease time.Duration) (*models.ClaimedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *models.QueueMessage
	for _, m := range s.state.messages {
		if m.QueueName != queueName || m.Status != models.MessagePending || m.VisibleAt.After(now) {
			continue
		}
		if best == nil || claimsBefore(m, best) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}

	receipt := uuid.New()
	best.Status = models.MessageProcessing
	best.ReceiptHandle = &receipt
	best.VisibleAt = now.Add(lease)
	best.UpdatedAt = now
	return &models.ClaimedMessage{QueueMessage: *best, Receipt: receipt}, nil
}

func claimsBefore(a, b *models.QueueMessage) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// owned returns the message if receipt is its current claim.
func (s *InMemoryStore) owned(id int64, receipt uuid.UUID) (*models.QueueMessage, bool) {
	m, ok := s.state.messages[id]
	if !ok || m.Status != models.MessageProcessing || m.ReceiptHandle == nil || *m.ReceiptHandle != receipt {
		return nil, false
	}
	return m, true
}

func (s *InMemoryStore) Ack(_ context.Context, id int64, receipt uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.owned(id, receipt)
	if !ok {
		return fmt.Errorf("ack message %d: %w", id, ErrClaimConflict)
	}
	now := s.now()
	m.Status = models.MessageCompleted
	m.ProcessedAt = &now
	m.UpdatedAt = now
	return nil
}

// retryOrBury applies the shared retry decision to m.
func (s *InMemoryStore) retryOrBury(m *models.QueueMessage, cause MessageError, backoff Backoff) {
	now := s.now()
	if m.RetryCount+1 < m.MaxRetries {
		m.Status = models.MessagePending
		m.VisibleAt = now.Add(backoff.Delay(m.RetryCount))
		m.RetryCount++
	} else {
		m.Status = models.MessageDeadLetter
		m.RetryCount = min(m.RetryCount+1, m.MaxRetries)
		m.ProcessedAt = &now
	}
	code, msg := cause.Code, cause.Message
	m.ErrorCode = &code
	m.ErrorMessage = &msg
	m.UpdatedAt = now
}

func (s *InMemoryStore) NackRetry(_ context.Context, id int64, receipt uuid.UUID, cause MessageError, backoff Backoff) (models.MessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.owned(id, receipt)
	if !ok {
		return "", fmt.Errorf("nack message %d: %w", id, ErrClaimConflict)
	}
	s.retryOrBury(m, cause, backoff)
	return m.Status, nil
}

func (s *InMemoryStore) DeadLetter(_ context.Context, id int64, receipt uuid.UUID, cause MessageError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.owned(id, receipt)
	if !ok {
		return fmt.Errorf("dead letter message %d: %w", id, ErrClaimConflict)
	}
	now := s.now()
	code, msg := cause.Code, cause.Message
	m.Status = models.MessageDeadLetter
	m.ErrorCode = &code
	m.ErrorMessage = &msg
	m.ProcessedAt = &now
	m.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) ExtendVisibility(_ context.Context, id int64, receipt uuid.UUID, extra time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.owned(id, receipt)
	if !ok {
		return fmt.Errorf("extend visibility of message %d: %w", id, ErrClaimConflict)
	}
	now := s.now()
	base := m.VisibleAt
	if base.Before(now) {
		base = now
	}
	m.VisibleAt = base.Add(extra)
	m.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) ReclaimExpired(_ context.Context, queueName string, limit int, backoff Backoff) ([]models.ReclaimedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []*models.QueueMessage
	for _, m := range s.state.messages {
		if m.QueueName == queueName && m.Status == models.MessageProcessing && m.VisibleAt.Before(now) {
			expired = append(expired, m)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].VisibleAt.Before(expired[j].VisibleAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	reclaimed := make([]models.ReclaimedMessage, 0, len(expired))
	for _, m := range expired {
		s.retryOrBury(m, MessageError{
			Code:    "lease_expired",
			Message: "visibility lease expired before acknowledgement",
		}, backoff)
		m.ReceiptHandle = nil
		reclaimed = append(reclaimed, models.ReclaimedMessage{
			ID:         m.ID,
			WorkflowID: m.WorkflowID,
			RunID:      m.RunID,
			NodeID:     m.Payload.Context.NodeID,
			Status:     m.Status,
			RetryCount: m.RetryCount,
		})
	}
	return reclaimed, nil
}

func (s *InMemoryStore) GetMessage(_ context.Context, id int64) (*models.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.state.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, runID uuid.UUID) ([]*models.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.QueueMessage
	for _, m := range s.state.messages {
		if m.RunID == runID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) RunProgress(_ context.Context, runID uuid.UUID) (models.RunProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		p     models.RunProgress
		first *models.QueueMessage
	)
	for _, m := range s.state.messages {
		if m.RunID != runID {
			continue
		}
		switch m.Status {
		case models.MessagePending:
			p.Pending++
		case models.MessageProcessing:
			p.Processing++
		case models.MessageCompleted:
			p.Completed++
			if o := s.state.outputs[runID][m.Payload.Context.NodeID]; o == nil || o.PropagatedAt == nil {
				p.Propagating++
			}
		case models.MessageDeadLetter, models.MessageFailed:
			p.DeadLetter++
			if first == nil || m.UpdatedAt.Before(first.UpdatedAt) ||
				(m.UpdatedAt.Equal(first.UpdatedAt) && m.ID < first.ID) {
				first = m
			}
		}
	}
	if first != nil {
		f := &models.MessageFailure{MessageID: first.ID, NodeID: first.Payload.Context.NodeID}
		if first.ErrorCode != nil {
			f.ErrorCode = *first.ErrorCode
		}
		if first.ErrorMessage != nil {
			f.ErrorMessage = *first.ErrorMessage
		}
		p.FirstFailure = f
	}
	return p, nil
}

func (s *InMemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, exists := s.state.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: already exists", run.ID)
	}
	if _, ok := s.state.workflows[run.WorkflowID]; !ok {
		return fmt.Errorf("create run: workflow %s: %w", run.WorkflowID, ErrNotFound)
	}
	if run.Status == "" {
		run.Status = models.RunStatusNotStarted
	}
	if run.TriggerType == "" {
		run.TriggerType = models.TriggerManual
	}
	now := s.now()
	run.CreatedAt, run.UpdatedAt = now, now
	c := *run
	s.state.runs[run.ID] = &c
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.state.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, workflowID uuid.UUID, limit int) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Run
	for _, r := range s.state.runs {
		if r.WorkflowID == workflowID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) TransitionRun(_ context.Context, id uuid.UUID, to models.RunStatus, patch models.RunPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.state.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if !r.Status.CanTransition(to) {
		return false, nil
	}
	r.Status = to
	if r.StartedAt == nil && patch.StartedAt != nil {
		t := *patch.StartedAt
		r.StartedAt = &t
	}
	if patch.FinishedAt != nil {
		t := *patch.FinishedAt
		r.FinishedAt = &t
	}
	if patch.ErrorCode != nil {
		v := *patch.ErrorCode
		r.ErrorCode = &v
	}
	if patch.ErrorMessage != nil {
		v := *patch.ErrorMessage
		r.ErrorMessage = &v
	}
	r.UpdatedAt = s.now()
	return true, nil
}

func (s *InMemoryStore) SaveNodeOutput(_ context.Context, out *models.NodeOutput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNode, ok := s.state.outputs[out.RunID]
	if !ok {
		byNode = make(map[string]*models.NodeOutput)
		s.state.outputs[out.RunID] = byNode
	}
	if _, exists := byNode[out.NodeID]; exists {
		return false, nil
	}
	c := *out
	c.CompletedAt = s.now()
	byNode[out.NodeID] = &c
	return true, nil
}

func (s *InMemoryStore) NodeOutputs(_ context.Context, runID uuid.UUID) (map[string]*models.NodeOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]*models.NodeOutput, len(s.state.outputs[runID]))
	for id, o := range s.state.outputs[runID] {
		c := *o
		result[id] = &c
	}
	return result, nil
}

func (s *InMemoryStore) MarkPropagated(_ context.Context, runID uuid.UUID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.state.outputs[runID][nodeID]
	if !ok {
		return fmt.Errorf("output of node %s in run %s: %w", nodeID, runID, ErrNotFound)
	}
	if o.PropagatedAt == nil {
		now := s.now()
		o.PropagatedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PutWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.Status == "" {
		wf.Status = models.WorkflowStatusActive
	}
	now := s.now()
	if existing, ok := s.state.workflows[wf.ID]; ok {
		if existing.OrganizationID != wf.OrganizationID {
			return fmt.Errorf("workflow %s: %w", wf.ID, ErrNotFound)
		}
		wf.Version = existing.Version + 1
		wf.CreatedAt = existing.CreatedAt
	} else {
		wf.Version = 1
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	c := *wf
	s.state.workflows[wf.ID] = &c
	return nil
}

func (s *InMemoryStore) GetWorkflow(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.state.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	c := *wf
	return &c, nil
}

func (s *InMemoryStore) ListWorkflows(_ context.Context, organizationID *uuid.UUID) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Workflow
	for _, wf := range s.state.workflows {
		if organizationID != nil && wf.OrganizationID != *organizationID {
			continue
		}
		c := *wf
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

var _ Repository = (*InMemoryStore)(nil)
