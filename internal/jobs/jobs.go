// Package jobs implements the async job dispatcher (spec §4.5). Embedding,
// tag, and proposition extraction are never run on the request path — they
// are enqueued as small idempotent jobs that obtain the corresponding
// extractor service, call it, and write the result back to the store.
//
// The goroutine+channel concurrency idiom and mutex-guarded pending-state
// shape are grounded on application/loaders/batcher.go, generalized here
// from batching identical keys to dispatching heterogeneous named jobs
// across backends.
//
// Per spec §9's required re-architecture, `thread` and `fiber` are two
// distinct concrete schedulers behind the same Perform/EnqueueParallel
// surface: `thread` is a bounded worker pool (N goroutines processing
// concurrently, for CPU/blocking work), `fiber` is a single dedicated
// goroutine draining its own queue strictly in order (a cooperative event
// loop standing in for a real fiber scheduler, for I/O-shaped work that
// must not run concurrently with itself).
package jobs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"htm/internal/config"
)

// threadPoolSize is the fixed worker count backing the `thread` scheduler.
const threadPoolSize = 4

// queueDepth bounds each scheduler's pending-task channel.
const queueDepth = 256

// Func is a registered unit of work: obtain a service, call it, write back
// to the store. Jobs must be idempotent and tolerate the target node having
// been soft-deleted between enqueue and execution.
type Func func(ctx context.Context, params map[string]any) error

// Job pairs a registered class name with its parameters, for EnqueueParallel.
type Job struct {
	Class  string
	Params map[string]any
}

// task is one scheduled unit of work on either the thread pool or the
// fiber loop. done, when non-nil, receives the job's error so a caller can
// form a barrier (EnqueueParallel); Perform leaves it nil and relies on wg
// instead, since it never waits for the result.
type task struct {
	ctx    context.Context
	class  string
	fn     Func
	params map[string]any
	done   chan error
}

// Dispatcher performs perform(job_class, params) under one of the
// configured backends (spec §4.5). No backend auto-detection: the backend
// is always the explicit config.Job.Backend value (Open Question 3,
// REDESIGN FLAG applied — see DESIGN.md).
type Dispatcher struct {
	backend config.Backend
	logger  *zap.Logger

	mu       sync.RWMutex
	registry map[string]Func

	wg sync.WaitGroup

	threadOnce  sync.Once
	threadQueue chan task

	fiberOnce  sync.Once
	fiberQueue chan task
}

// New builds a Dispatcher for the given backend.
func New(backend config.Backend, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		backend:  backend,
		logger:   logger,
		registry: make(map[string]Func),
	}
}

// Register associates a job class name with the function that performs it.
// Call during wiring, before any Perform/EnqueueParallel.
func (d *Dispatcher) Register(class string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registry[class] = fn
}

func (d *Dispatcher) lookup(class string) (Func, error) {
	d.mu.RLock()
	fn, ok := d.registry[class]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jobs: no job registered for class %q", class)
	}
	return fn, nil
}

// Perform dispatches a single job under the configured backend.
//
//   - inline: run synchronously, in the caller's goroutine.
//   - thread: hand off to the bounded worker pool; several jobs may run
//     concurrently across its goroutines. Failures are logged, never
//     returned to the caller, and never retried at this layer.
//   - fiber: hand off to the single-goroutine cooperative event loop, which
//     drains its queue strictly one job at a time. Also fire-and-forget.
//   - active_job / sidekiq: hand off to an external task queue adapter. No
//     real vendor client ships with this module (spec §1 Non-goals); the
//     adapter logs and no-ops when the queue is unavailable, but fails loudly
//     (returns an error) if it cannot even log the handoff attempt.
func (d *Dispatcher) Perform(ctx context.Context, jobClass string, params map[string]any) error {
	fn, err := d.lookup(jobClass)
	if err != nil {
		return err
	}

	switch d.backend {
	case config.BackendInline:
		return d.run(ctx, jobClass, fn, params)

	case config.BackendThread:
		d.ensureThreadPool()
		d.wg.Add(1)
		// Background execution: use a detached context so a caller
		// cancelling their own request context does not abort work
		// that has already been handed off.
		d.threadQueue <- task{ctx: context.Background(), class: jobClass, fn: fn, params: params}
		return nil

	case config.BackendFiber:
		d.ensureFiberLoop()
		d.wg.Add(1)
		d.fiberQueue <- task{ctx: context.Background(), class: jobClass, fn: fn, params: params}
		return nil

	case config.BackendActiveJob, config.BackendSidekiq:
		return d.handoffExternal(jobClass, params)

	default:
		return fmt.Errorf("jobs: unknown backend %q", d.backend)
	}
}

// EnqueueParallel dispatches a batch of jobs (spec §4.5):
//   - fiber: run all jobs on the same cooperative event loop (still
//     strictly sequential, one at a time) and wait on a barrier.
//   - inline: run sequentially, in order, and wait for completion.
//   - thread, active_job, sidekiq: enqueue each independently (no barrier).
func (d *Dispatcher) EnqueueParallel(ctx context.Context, jobs []Job) error {
	switch d.backend {
	case config.BackendInline:
		for _, j := range jobs {
			fn, err := d.lookup(j.Class)
			if err != nil {
				return err
			}
			if err := d.run(ctx, j.Class, fn, j.Params); err != nil {
				return err
			}
		}
		return nil

	case config.BackendFiber:
		d.ensureFiberLoop()
		dones := make([]chan error, len(jobs))
		for i, j := range jobs {
			fn, err := d.lookup(j.Class)
			if err != nil {
				return err
			}
			dones[i] = make(chan error, 1)
			d.fiberQueue <- task{ctx: ctx, class: j.Class, fn: fn, params: j.Params, done: dones[i]}
		}
		for i, done := range dones {
			if err := <-done; err != nil {
				d.logger.Warn("fiber batch job failed", zap.String("job_class", jobs[i].Class), zap.Error(err))
			}
		}
		return nil

	default:
		for _, j := range jobs {
			if err := d.Perform(ctx, j.Class, j.Params); err != nil {
				return err
			}
		}
		return nil
	}
}

func (d *Dispatcher) run(ctx context.Context, jobClass string, fn Func, params map[string]any) error {
	if err := fn(ctx, params); err != nil {
		d.logger.Warn("job failed", zap.String("job_class", jobClass), zap.Error(err))
		return err
	}
	return nil
}

// ensureThreadPool lazily starts the fixed-size worker pool backing the
// `thread` scheduler. Workers run concurrently and pull independently from
// the shared queue, so jobs may execute out of order and overlap in time.
func (d *Dispatcher) ensureThreadPool() {
	d.threadOnce.Do(func() {
		d.threadQueue = make(chan task, queueDepth)
		for i := 0; i < threadPoolSize; i++ {
			go d.threadWorker()
		}
	})
}

func (d *Dispatcher) threadWorker() {
	for t := range d.threadQueue {
		err := d.run(t.ctx, t.class, t.fn, t.params)
		if t.done != nil {
			t.done <- err
		}
		d.wg.Done()
	}
}

// ensureFiberLoop lazily starts the single goroutine backing the `fiber`
// scheduler. Unlike the thread pool, exactly one goroutine ever drains
// this queue, so queued jobs always run strictly one at a time, in order —
// the cooperative-event-loop property spec §9 asks for, distinct from the
// thread pool's concurrent execution.
func (d *Dispatcher) ensureFiberLoop() {
	d.fiberOnce.Do(func() {
		d.fiberQueue = make(chan task, queueDepth)
		go d.fiberWorker()
	})
}

func (d *Dispatcher) fiberWorker() {
	for t := range d.fiberQueue {
		err := d.run(t.ctx, t.class, t.fn, t.params)
		if t.done != nil {
			// EnqueueParallel's barrier tasks: the caller waits on done,
			// not on wg, so there is no matching wg.Add to balance here.
			t.done <- err
			continue
		}
		d.wg.Done()
	}
}

// handoffExternal hands a job to an external task queue. No vendor client
// ships with this module; the handoff is logged so operators can see jobs
// were dispatched even though nothing here executes them.
func (d *Dispatcher) handoffExternal(jobClass string, params map[string]any) error {
	if d.logger == nil {
		return fmt.Errorf("jobs: cannot hand off %q to %s backend without a logger", jobClass, d.backend)
	}
	d.logger.Info("handed off job to external queue",
		zap.String("job_class", jobClass),
		zap.String("backend", string(d.backend)),
		zap.Any("params", params),
	)
	return nil
}

// Wait blocks until all thread/fiber-backend jobs dispatched via Perform
// have completed. Intended for tests and graceful shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
