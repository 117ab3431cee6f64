package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/gigapi/gigapi-ingest/core"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 5
	DefaultQueueSize = 64
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Runner processes one batch.
type Runner interface {
	Run(ctx context.Context, batch core.Batch) BatchOutcome
}

// Pool runs batches on a fixed number of workers fed through a bounded
// queue.
type Pool struct {
	runner    Runner
	queue     chan core.Batch
	g         *errgroup.Group
	onOutcome func(BatchOutcome)

	mtx    sync.RWMutex
	closed bool
}

type PoolOption func(*Pool)

// WithOutcomeHandler registers a callback invoked by the worker after each batch.
func WithOutcomeHandler(fn func(BatchOutcome)) PoolOption {
	return func(p *Pool) {
		p.onOutcome = fn
	}
}

// NewPool starts workers that run until Close is called. Canceling ctx
// makes in-flight batches give up their retries.
func NewPool(ctx context.Context, runner Runner, workers, queueSize int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		runner: runner,
		queue:  make(chan core.Batch, queueSize),
		g:      &errgroup.Group{},
	}
	for _, o := range opts {
		o(p)
	}
	for i := 0; i < workers; i++ {
		p.g.Go(func() error {
			for batch := range p.queue {
				outcome := p.runner.Run(ctx, batch)
				if p.onOutcome != nil {
					p.onOutcome(outcome)
				}
			}
			return nil
		})
	}
	return p
}

// Submit queues batch. While the queue is full it blocks, so discovery
// slows down to the pace of the workers.
func (p *Pool) Submit(ctx context.Context, batch core.Batch) error {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- batch:
		return nil
	default:
	}

	core.Warnf(ctx, "Worker queue is full, batch %s waits for a free worker", batch.Partition)
	select {
	case p.queue <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting batches and waits for queued ones to finish.
func (p *Pool) Close() error {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mtx.Unlock()
	return p.g.Wait()
}
