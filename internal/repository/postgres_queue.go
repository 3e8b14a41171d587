package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"flowqueue/backend/pkg/models"
)

const messageColumns = `id, workflow_id, run_id, payload, status, priority, receipt_handle,
	visible_at, retry_count, max_retries, queue_name, dedupe_key, created_at, updated_at,
	processed_at, error_message, error_code`

const claimedColumns = `q.id, q.workflow_id, q.run_id, q.payload, q.status, q.priority, q.receipt_handle,
	q.visible_at, q.retry_count, q.max_retries, q.queue_name, q.dedupe_key, q.created_at, q.updated_at,
	q.processed_at, q.error_message, q.error_code`

func scanMessage(row pgx.Row) (*models.QueueMessage, error) {
	var (
		msg     models.QueueMessage
		payload []byte
		status  string
	)
	err := row.Scan(
		&msg.ID, &msg.WorkflowID, &msg.RunID, &payload, &status, &msg.Priority, &msg.ReceiptHandle,
		&msg.VisibleAt, &msg.RetryCount, &msg.MaxRetries, &msg.QueueName, &msg.DedupeKey, &msg.CreatedAt, &msg.UpdatedAt,
		&msg.ProcessedAt, &msg.ErrorMessage, &msg.ErrorCode,
	)
	if err != nil {
		return nil, err
	}
	msg.Status = models.MessageStatus(status)
	if err := json.Unmarshal(payload, &msg.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of message %d: %w", msg.ID, err)
	}
	return &msg, nil
}

func seconds(d time.Duration) float64 { return d.Seconds() }

// Enqueue inserts a pending message.
func (s *PostgresStore) Enqueue(ctx context.Context, p EnqueueParams) (int64, bool, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("enqueue: encoding payload: %w", err)
	}
	queueName := p.QueueName
	if queueName == "" {
		queueName = models.DefaultQueueName
	}
	var dedupe *string
	if p.DedupeKey != "" {
		dedupe = &p.DedupeKey
	}

	// messages of finished runs are never inserted
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO queue_messages (workflow_id, run_id, payload, priority, queue_name, max_retries, dedupe_key)
		SELECT $1::uuid, $2::uuid, $3::jsonb, $4::int, $5::text, $6::int, $7::text
		WHERE NOT EXISTS (
			SELECT 1 FROM runs
			WHERE uuid = $2 AND status IN ('completed', 'failed', 'cancelled')
		)
		ON CONFLICT (run_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING id
	`, p.WorkflowID, p.RunID, payload, p.Priority, queueName, p.MaxRetries, dedupe).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		if dedupe == nil {
			return 0, false, nil
		}
		err = s.db.QueryRow(ctx,
			"SELECT id FROM queue_messages WHERE run_id = $1 AND dedupe_key = $2",
			p.RunID, *dedupe).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, wrapErr("enqueue: loading deduplicated message", err)
		}
		return id, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("enqueue", err)
	}

	if err := s.notify(ctx, MessagesChannel, queueName); err != nil {
		return 0, false, wrapErr("enqueue: notify", err)
	}
	return id, true, nil
}

// Claim takes one visible pending message using FOR UPDATE SKIP LOCKED, so
// concurrent claimants never select the same row.
func (s *PostgresStore) Claim(ctx context.Context, queueName string, lease time.Duration) (*models.ClaimedMessage, error) {
	receipt := uuid.New()
	row := s.db.QueryRow(ctx, `
		WITH next_message AS (
			SELECT id
			FROM queue_messages
			WHERE queue_name = $1
			  AND status = 'pending'
			  AND visible_at <= now()
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages q
		SET status = 'processing',
			receipt_handle = $2,
			visible_at = now() + make_interval(secs => $3),
			updated_at = now()
		FROM next_message
		WHERE q.id = next_message.id
		RETURNING `+claimedColumns,
		queueName, receipt, seconds(lease))

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("claim", err)
	}
	return &models.ClaimedMessage{QueueMessage: *msg, Receipt: receipt}, nil
}

// Ack marks a claimed message completed.
func (s *PostgresStore) Ack(ctx context.Context, id int64, receipt uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_messages
		SET status = 'completed', processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND receipt_handle = $2
	`, id, receipt)
	if err != nil {
		return wrapErr("ack", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ack message %d: %w", id, ErrClaimConflict)
	}
	return nil
}

// NackRetry returns a claimed message to pending after a backoff, or
// dead-letters it once retry_count would reach max_retries.
func (s *PostgresStore) NackRetry(ctx context.Context, id int64, receipt uuid.UUID, cause MessageError, backoff Backoff) (models.MessageStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, `
		UPDATE queue_messages
		SET status = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'dead_letter' END,
			retry_count = LEAST(retry_count + 1, max_retries),
			visible_at = CASE WHEN retry_count + 1 < max_retries
				THEN now() + make_interval(secs => LEAST($5::float8, $4::float8 * power(2.0::float8, retry_count)))
				ELSE visible_at END,
			processed_at = CASE WHEN retry_count + 1 < max_retries THEN processed_at ELSE now() END,
			error_code = $3,
			error_message = $6,
			updated_at = now()
		WHERE id = $1 AND status = 'processing' AND receipt_handle = $2
		RETURNING status
	`, id, receipt, cause.Code, seconds(backoff.Base), backoff.maxSeconds(), cause.Message).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("nack message %d: %w", id, ErrClaimConflict)
	}
	if err != nil {
		return "", wrapErr("nack", err)
	}
	return models.MessageStatus(status), nil
}

// DeadLetter moves a claimed message to dead_letter without retrying.
func (s *PostgresStore) DeadLetter(ctx context.Context, id int64, receipt uuid.UUID, cause MessageError) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_messages
		SET status = 'dead_letter', processed_at = now(), updated_at = now(),
			error_code = $3, error_message = $4
		WHERE id = $1 AND status = 'processing' AND receipt_handle = $2
	`, id, receipt, cause.Code, cause.Message)
	if err != nil {
		return wrapErr("dead letter", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter message %d: %w", id, ErrClaimConflict)
	}
	return nil
}

// ExtendVisibility pushes the lease of a claimed message further out.
func (s *PostgresStore) ExtendVisibility(ctx context.Context, id int64, receipt uuid.UUID, extra time.Duration) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_messages
		SET visible_at = GREATEST(visible_at, now()) + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND receipt_handle = $2
	`, id, receipt, seconds(extra))
	if err != nil {
		return wrapErr("extend visibility", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extend visibility of message %d: %w", id, ErrClaimConflict)
	}
	return nil
}

// ReclaimExpired reclaims processing messages whose lease ran out. Rows are
// locked with SKIP LOCKED and re-checked in the UPDATE, so a worker acking
// at the same moment either wins (and the row is skipped) or gets a
// conflict.
func (s *PostgresStore) ReclaimExpired(ctx context.Context, queueName string, limit int, backoff Backoff) ([]models.ReclaimedMessage, error) {
	rows, err := s.db.Query(ctx, `
		WITH expired AS (
			SELECT id
			FROM queue_messages
			WHERE queue_name = $1
			  AND status = 'processing'
			  AND visible_at < now()
			ORDER BY visible_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages q
		SET status = CASE WHEN q.retry_count + 1 < q.max_retries THEN 'pending' ELSE 'dead_letter' END,
			retry_count = LEAST(q.retry_count + 1, q.max_retries),
			visible_at = CASE WHEN q.retry_count + 1 < q.max_retries
				THEN now() + make_interval(secs => LEAST($4::float8, $3::float8 * power(2.0::float8, q.retry_count)))
				ELSE q.visible_at END,
			processed_at = CASE WHEN q.retry_count + 1 < q.max_retries THEN q.processed_at ELSE now() END,
			receipt_handle = NULL,
			error_code = 'lease_expired',
			error_message = 'visibility lease expired before acknowledgement',
			updated_at = now()
		FROM expired
		WHERE q.id = expired.id AND q.status = 'processing' AND q.visible_at < now()
		RETURNING q.id, q.workflow_id, q.run_id, COALESCE(q.payload->'context'->>'node_id', ''), q.status, q.retry_count
	`, queueName, limit, seconds(backoff.Base), backoff.maxSeconds())
	if err != nil {
		return nil, wrapErr("reclaim expired", err)
	}
	defer rows.Close()

	var reclaimed []models.ReclaimedMessage
	for rows.Next() {
		var (
			r      models.ReclaimedMessage
			status string
		)
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.RunID, &r.NodeID, &status, &r.RetryCount); err != nil {
			return nil, wrapErr("reclaim expired", err)
		}
		r.Status = models.MessageStatus(status)
		reclaimed = append(reclaimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("reclaim expired", err)
	}
	return reclaimed, nil
}

// GetMessage loads one message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*models.QueueMessage, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx, "SELECT "+messageColumns+" FROM queue_messages WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get message", err)
	}
	return msg, nil
}

// ListMessages returns every message of a run in creation order.
func (s *PostgresStore) ListMessages(ctx context.Context, runID uuid.UUID) ([]*models.QueueMessage, error) {
	rows, err := s.db.Query(ctx, "SELECT "+messageColumns+" FROM queue_messages WHERE run_id = $1 ORDER BY id", runID)
	if err != nil {
		return nil, wrapErr("list messages", err)
	}
	defer rows.Close()

	var messages []*models.QueueMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wrapErr("list messages", err)
		}
		messages = append(messages, msg)
	}
	return messages, wrapErr("list messages", rows.Err())
}

// RunProgress counts a run's messages by status. The counts come from one
// statement so that a node's propagation mark and the messages it enqueued
// are seen together.
func (s *PostgresStore) RunProgress(ctx context.Context, runID uuid.UUID) (models.RunProgress, error) {
	var progress models.RunProgress
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE m.status = 'pending'),
			count(*) FILTER (WHERE m.status = 'processing'),
			count(*) FILTER (WHERE m.status = 'completed'),
			count(*) FILTER (WHERE m.status IN ('dead_letter', 'failed')),
			count(*) FILTER (WHERE m.status = 'completed' AND NOT EXISTS (
				SELECT 1 FROM run_node_outputs o
				WHERE o.run_id = m.run_id
				  AND o.node_id = m.payload->'context'->>'node_id'
				  AND o.propagated_at IS NOT NULL
			))
		FROM queue_messages m
		WHERE m.run_id = $1
	`, runID).Scan(&progress.Pending, &progress.Processing, &progress.Completed, &progress.DeadLetter, &progress.Propagating)
	if err != nil {
		return progress, wrapErr("run progress", err)
	}

	if progress.DeadLetter > 0 {
		var f models.MessageFailure
		err := s.db.QueryRow(ctx, `
			SELECT id, COALESCE(payload->'context'->>'node_id', ''), COALESCE(error_code, ''), COALESCE(error_message, '')
			FROM queue_messages
			WHERE run_id = $1 AND status IN ('dead_letter', 'failed')
			ORDER BY updated_at ASC, id ASC
			LIMIT 1
		`, runID).Scan(&f.MessageID, &f.NodeID, &f.ErrorCode, &f.ErrorMessage)
		if err != nil {
			return progress, wrapErr("run progress: first failure", err)
		}
		progress.FirstFailure = &f
	}
	return progress, nil
}
