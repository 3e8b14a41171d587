package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.pool.Ping(ctx))
}

// InTx runs fn inside a transaction, committing when fn returns nil. Nested
// calls reuse the outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Repository) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return
		}
		err = wrapErr("commit", tx.Commit(ctx))
	}()

	return fn(&PostgresStore{pool: s.pool, db: tx, inTx: true})
}

// notify publishes a wake-up hint. Inside a transaction Postgres delivers it
// on commit.
func (s *PostgresStore) notify(ctx context.Context, channel, payload string) error {
	_, err := s.db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

var _ Repository = (*PostgresStore)(nil)
