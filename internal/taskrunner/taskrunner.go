// Package taskrunner wraps github.com/go-pkgz/pool into the small async-task
// abstraction the Inbound Pipeline (C5) and Outbound Dispatcher (C8) need:
// submit a unit of work, have it run on a bounded worker pool, log failures.
// Grounded on BbangMxn-worker's worker_pool.go, trimmed to the parts this
// core actually needs (no priority queue, no rate limiter — single task
// shape, continue-on-error, fixed worker count).
package taskrunner

import (
	"context"

	"github.com/go-pkgz/pool"

	"github.com/foxcpp/maddy/internal/mdclog"
)

// Task is one unit of async work: an inbound message to process, or an
// outbound message to send.
type Task struct {
	ID string
	Fn func(ctx context.Context) error
}

type worker struct {
	log mdclog.Logger
}

func (w worker) Do(ctx context.Context, t *Task) error {
	if err := t.Fn(ctx); err != nil {
		w.log.Error("task failed", err, map[string]interface{}{"task_id": t.ID})
		return err
	}
	return nil
}

// Runner submits Tasks onto a fixed-size go-pkgz/pool worker group.
type Runner struct {
	pool *pool.WorkerGroup[*Task]
	ctx  context.Context
}

// New starts a Runner with workers concurrent workers. ctx bounds the
// runner's lifetime; cancelling it stops accepting new tasks.
func New(ctx context.Context, workers int, log mdclog.Logger) (*Runner, error) {
	if workers <= 0 {
		workers = 4
	}
	wg := pool.New[*Task](workers, worker{log: log}).WithContinueOnError()
	if err := wg.Go(ctx); err != nil {
		return nil, err
	}
	return &Runner{pool: wg, ctx: ctx}, nil
}

// Submit enqueues t for asynchronous processing; it does not block for the
// task to complete.
func (r *Runner) Submit(t *Task) {
	r.pool.Submit(t)
}

// Close waits for in-flight tasks to finish, or ctx's deadline, whichever
// comes first.
func (r *Runner) Close(ctx context.Context) error {
	return r.pool.Close(ctx)
}
