package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Handler processes one Job. A returned error causes Fail (retry with
// backoff, or terminal failure once MaxAttempts is exhausted); nil
// causes Complete.
type Handler func(ctx context.Context, job *Job) error

// Pool runs a fixed number of goroutines pulling jobs from a Queue and
// dispatching them to Handler, plus a background reaper that requeues
// stalled jobs (spec.md §5: worker pool with bounded concurrency and a
// stalled-job reaper).
type Pool struct {
	queue       *Queue
	handler     Handler
	workerCount int
	pollEvery   time.Duration
	reapEvery   time.Duration
	logger      logr.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkerCount sets the number of concurrent worker goroutines.
// Default 4.
func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) { p.workerCount = n }
}

// WithPollInterval sets how often an idle worker re-polls an empty queue.
// Default 250ms.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollEvery = d }
}

// WithReapInterval sets how often the stalled-job reaper runs. Default
// 30s.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapEvery = d }
}

// WithPoolLogger attaches a logger for job lifecycle events.
func WithPoolLogger(l logr.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool constructs a Pool over queue, dispatching dequeued jobs to
// handler.
func NewPool(queue *Queue, handler Handler, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:       queue,
		handler:     handler,
		workerCount: 4,
		pollEvery:   250 * time.Millisecond,
		reapEvery:   30 * time.Second,
		logger:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines and the reaper. It returns
// immediately; call Stop to shut the pool down.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}
	p.wg.Add(1)
	go p.reap(runCtx)
}

// Stop cancels all workers and the reaper and blocks until they exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.WithValues("worker", id)

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processOne(ctx, logger)
		}
	}
}

func (p *Pool) processOne(ctx context.Context, logger logr.Logger) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error(err, "failed to dequeue job")
		return
	}
	if job == nil {
		return
	}

	logger = logger.WithValues("jobId", job.ID, "jobType", job.Type, "attempt", job.Attempts)
	logger.V(1).Info("processing job")

	if err := p.handler(ctx, job); err != nil {
		logger.Error(err, "job handler failed")
		if ferr := p.queue.Fail(ctx, job.ID, err); ferr != nil {
			logger.Error(ferr, "failed to record job failure")
		}
		return
	}

	if err := p.queue.Complete(ctx, job.ID); err != nil {
		logger.Error(err, "failed to mark job complete")
	}
}

func (p *Pool) reap(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapStalled(ctx)
			if err != nil {
				p.logger.Error(err, "failed to reap stalled jobs")
				continue
			}
			if n > 0 {
				p.logger.Info("reaped stalled jobs", "count", n)
			}
		}
	}
}
