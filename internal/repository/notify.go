package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// MessagesChannel carries the queue name of every newly enqueued message.
	MessagesChannel = "flowqueue_messages"
	// WorkflowsChannel carries the id of every saved workflow.
	WorkflowsChannel = "flowqueue_workflows"
)

// Notification is one NOTIFY payload received by a Listener.
type Notification struct {
	Channel string
	Payload string
}

// Listener holds a dedicated connection subscribed to a set of channels.
// Notifications are hints: a dropped one only delays a poll.
type Listener struct {
	pool     *pgxpool.Pool
	channels []string
	retry    time.Duration
}

// NewListener creates a Listener for channels.
func NewListener(pool *pgxpool.Pool, channels ...string) *Listener {
	return &Listener{pool: pool, channels: channels, retry: time.Second}
}

// Listen delivers notifications to out until ctx is done. A lost connection
// is re-established after a short pause; onErr, when set, sees every such
// failure. out is closed on return.
func (l *Listener) Listen(ctx context.Context, out chan<- Notification, onErr func(error)) {
	defer close(out)
	for {
		err := l.listenOnce(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if err != nil && onErr != nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, out chan<- Notification) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return wrapErr("listen: acquire", err)
	}
	// LISTEN state is per session, so the connection never goes back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return wrapErr(fmt.Sprintf("listen %s", ch), err)
		}
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return wrapErr("wait for notification", err)
		}
		select {
		case out <- Notification{Channel: n.Channel, Payload: n.Payload}:
		case <-ctx.Done():
			return nil
		default:
			// consumer is busy; it will poll anyway
		}
	}
}
