package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowqueue/backend/internal/config"
	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
	"flowqueue/backend/internal/worker"
)

type app struct {
	cfg *config.Config
	log *logging.Logger
}

// components is everything a process needs on top of the store.
type components struct {
	repo      repository.Repository
	pool      *pgxpool.Pool
	registry  *nodes.Registry
	cache     *repository.DefinitionCache
	scheduler *services.GraphScheduler
	tracker   *services.RunTracker
	workflows *services.WorkflowService
}

func (c *components) close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// build wires the service layer over Postgres, or over the in-memory store
// when memory is set.
func (a *app) build(ctx context.Context, memory bool) (*components, error) {
	c := &components{registry: nodes.NewDefaultRegistry()}
	if memory {
		a.log.Warn("Using in-memory store, state is lost on exit")
		c.repo = repository.NewInMemoryStore()
	} else {
		pool, err := a.initDatabase(ctx)
		if err != nil {
			return nil, err
		}
		a.log.Info("Database connected")
		c.pool = pool
		c.repo = repository.NewPostgresStore(pool)
	}

	c.cache = repository.NewDefinitionCache(c.repo, a.cfg.Cache.DefinitionTTL)
	c.scheduler = services.NewGraphScheduler(c.registry, a.log.With("component", "scheduler"))
	c.tracker = services.NewRunTracker(c.repo, c.cache, c.scheduler,
		services.NewLogDispatcher(a.log.With("component", "events")),
		a.log.With("component", "tracker"))
	c.workflows = services.NewWorkflowService(c.repo, c.registry, c.cache)

	a.log.Info("Service layer initialized", "node_types", c.registry.Types())
	return c, nil
}

func (a *app) initDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	a.log.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(a.cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if a.cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = a.cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func (a *app) workerOptions() worker.Options {
	w := a.cfg.Worker
	return worker.Options{
		QueueName:       w.QueueName,
		Lease:           w.LeaseDuration,
		Heartbeat:       w.HeartbeatInterval,
		PollInterval:    w.PollInterval,
		MaxPollInterval: w.MaxPollInterval,
		Backoff:         repository.Backoff{Base: w.RetryBaseDelay, Max: w.RetryMaxDelay},
	}
}

// workerPool builds concurrency loops plus the reaper. With Postgres and
// notifications enabled the pool also listens for enqueue and workflow
// change notifications.
func (a *app) workerPool(c *components, name string, concurrency int) *worker.Pool {
	opts := a.workerOptions()
	metrics := worker.DefaultMetrics()
	deps := worker.Deps{
		Repo:      c.repo,
		Workflows: c.cache,
		Registry:  c.registry,
		Scheduler: c.scheduler,
		Tracker:   c.tracker,
		Log:       a.log,
		Metrics:   metrics,
	}
	reaper := worker.NewReaper(c.repo, c.tracker, worker.ReaperOptions{
		Queues:    []string{opts.QueueName},
		Interval:  a.cfg.Reaper.Interval,
		BatchSize: a.cfg.Reaper.BatchSize,
		Backoff:   opts.Backoff,
	}, a.log, metrics)

	pool := worker.NewPool(name, concurrency, deps, opts, reaper)
	if c.pool != nil && a.cfg.Worker.Notifications {
		listener := repository.NewListener(c.pool, repository.MessagesChannel, repository.WorkflowsChannel)
		pool.WithListener(listener, c.cache)
	}
	return pool
}

// watchWorkflows drops cached definitions other processes changed. It is
// used by API-only processes; worker pools route these notifications
// themselves.
func (a *app) watchWorkflows(ctx context.Context, c *components) error {
	if c.pool == nil {
		<-ctx.Done()
		return nil
	}
	notes := make(chan repository.Notification, 16)
	listener := repository.NewListener(c.pool, repository.WorkflowsChannel)
	go listener.Listen(ctx, notes, func(err error) {
		a.log.Warn("workflow listener reconnecting", "error", err)
	})
	for n := range notes {
		if id, err := uuid.Parse(n.Payload); err == nil {
			c.cache.Invalidate(id)
		}
	}
	return nil
}
