package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"optionstream/internal/metrics"
	"optionstream/internal/taskqueue"
	"optionstream/internal/types"
)

// TaskSource is the consuming side of the queue the pool pulls from.
type TaskSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*taskqueue.Task, error)
	Ack(ctx context.Context, t *taskqueue.Task) error
	Requeue(ctx context.Context, t *taskqueue.Task) error
	Depth(ctx context.Context) (int64, error)
}

// PoolConfig carries the pool tunables.
type PoolConfig struct {
	Workers        int
	RetryBudget    int           // retries before dead-lettering (3 -> DLQ after the 4th failure)
	RetryBaseDelay time.Duration // doubled per attempt: base, 2*base, 4*base
	DequeueTimeout time.Duration
}

// Pool runs N independent consumers over the shared task queue. Any task
// may execute on any worker; all cross-worker state lives in the cache
// and store behind the idempotency gate, so workers need no coordination
// beyond the queue itself.
type Pool struct {
	queue    TaskSource
	handlers *Handlers
	cfg      PoolConfig
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewPool builds a worker pool. Start must be called to begin consuming.
func NewPool(queue TaskSource, handlers *Handlers, cfg PoolConfig, logger zerolog.Logger) *Pool {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	return &Pool{
		queue:    queue,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the worker goroutines and a queue-depth sampler. Workers
// run until ctx is cancelled, finishing their in-flight task first;
// in-flight tasks are never cancelled externally.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.sampleDepth(ctx)

	p.logger.Info().Int("workers", p.cfg.Workers).Msg("Worker pool started")
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Dequeue error")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue // idle poll
		}

		p.process(ctx, task, logger)
	}
}

// process runs one leased task through the retry framing. The lease is
// resolved exactly once: Ack on success/terminal, Requeue on retry.
func (p *Pool) process(ctx context.Context, t *taskqueue.Task, logger zerolog.Logger) {
	start := time.Now()

	res := p.run(ctx, t, logger)

	metrics.TaskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	metrics.TasksProcessed.WithLabelValues(t.Name, res.outcome()).Inc()

	switch {
	case res.IsOk():
		p.ack(t, logger)

	case res.IsTransient() && t.Retries < p.cfg.RetryBudget:
		delay := p.cfg.RetryBaseDelay << t.Retries
		logger.Warn().
			Err(res.Err()).
			Str("task", t.Name).
			Str("task_id", t.ID).
			Int("retry", t.Retries+1).
			Dur("delay", delay).
			Msg("Task failed, scheduling retry")
		metrics.TaskRetries.WithLabelValues(t.Name).Inc()

		// The worker that saw the failure owns the backoff. Prefetch is 1,
		// so sleeping here delays only this worker, not the queue.
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Shutdown during backoff: leave the task leased; the
				// reaper returns it to the queue once the lease lapses.
				return
			}
		}
		if err := p.queue.Requeue(context.Background(), t); err != nil {
			logger.Error().Err(err).Str("task_id", t.ID).Msg("Requeue failed; lease reaper will recover the task")
		}

	default:
		// Retry budget exhausted, or the failure can never succeed.
		p.deadLetter(t, res, logger)
		p.ack(t, logger)
	}
}

// run executes the task body with panic recovery. A panicking handler is
// converted into a permanent failure rather than killing the worker.
func (p *Pool) run(ctx context.Context, t *taskqueue.Task, logger zerolog.Logger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic_value", r).
				Str("task", t.Name).
				Str("task_id", t.ID).
				Str("stack_trace", string(debug.Stack())).
				Msg("Task panic recovered")
			res = Permanent(panicError{value: r})
		}
	}()
	return p.handlers.Handle(ctx, t)
}

func (p *Pool) ack(t *taskqueue.Task, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Ack(ctx, t); err != nil {
		// The task stays in the processing list until the reaper requeues
		// it; the idempotency gate absorbs the redelivery.
		logger.Error().Err(err).Str("task_id", t.ID).Msg("Ack failed")
	}
}

func (p *Pool) deadLetter(t *taskqueue.Task, res Result, logger zerolog.Logger) {
	errStr := "unknown error"
	if res.Err() != nil {
		errStr = res.Err().Error()
	}
	logger.Error().
		Str("task", t.Name).
		Str("task_id", t.ID).
		Int("retries", t.Retries).
		Str("error", errStr).
		Msg("Task dead-lettered")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := types.DLQEntry{
		TaskID:     t.ID,
		TaskName:   t.Name,
		Error:      errStr,
		Args:       t.Args,
		EnqueuedAt: t.EnqueuedAt,
	}
	if err := p.handlers.cache.DeadLetter(ctx, entry); err != nil {
		logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to append DLQ entry")
	}
	metrics.TasksDeadLettered.WithLabelValues(t.Name).Inc()
}

func (p *Pool) sampleDepth(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.Depth(ctx); err == nil {
				metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}

// panicError wraps a recovered panic value as an error for the DLQ.
type panicError struct {
	value any
}

func (e panicError) Error() string {
	if err, ok := e.value.(error); ok {
		return "panic: " + err.Error()
	}
	if s, ok := e.value.(string); ok {
		return "panic: " + s
	}
	return "panic in task handler"
}
