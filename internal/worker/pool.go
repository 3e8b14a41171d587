package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/repository"
)

// Pool runs a set of loops, the reaper and, when configured, the
// notification listener that wakes idle loops.
type Pool struct {
	loops    []*Loop
	reaper   *Reaper
	listener *repository.Listener
	cache    *repository.DefinitionCache
	log      *logging.Logger
}

// NewPool creates concurrency loops sharing deps and opts. name prefixes
// the loop ids.
func NewPool(name string, concurrency int, deps Deps, opts Options, reaper *Reaper) *Pool {
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = DefaultMetrics()
	}
	p := &Pool{reaper: reaper, log: deps.Log}
	for i := range max(concurrency, 1) {
		p.loops = append(p.loops, NewLoop(fmt.Sprintf("%s-%d", name, i), deps, opts))
	}
	return p
}

// WithListener wakes idle loops on enqueue notifications and invalidates
// cache entries on workflow notifications. cache may be nil.
func (p *Pool) WithListener(l *repository.Listener, cache *repository.DefinitionCache) *Pool {
	p.listener = l
	p.cache = cache
	return p
}

// Run blocks until ctx is done or a member fails.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range p.loops {
		g.Go(func() error { return l.Run(ctx) })
	}
	if p.reaper != nil {
		g.Go(func() error { return p.reaper.Run(ctx) })
	}
	if p.listener != nil {
		notes := make(chan repository.Notification, 16)
		g.Go(func() error {
			p.listener.Listen(ctx, notes, func(err error) {
				p.log.Warn("notification listener reconnecting", "error", err)
			})
			return nil
		})
		g.Go(func() error {
			for n := range notes {
				p.route(n)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) route(n repository.Notification) {
	switch n.Channel {
	case repository.MessagesChannel:
		for _, l := range p.loops {
			if l.opts.QueueName == n.Payload {
				l.Wake()
			}
		}
	case repository.WorkflowsChannel:
		if p.cache == nil {
			return
		}
		if id, err := uuid.Parse(n.Payload); err == nil {
			p.cache.Invalidate(id)
		}
	}
}
