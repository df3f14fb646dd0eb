// Package dispatch implements the parallel task dispatcher: fan-out of N
// worker tasks plus one finish task, synchronized by an explicit barrier,
// with task-object reuse across calls. It is generic over anything
// satisfying Task, so it has no dependency on the task package —
// RayTraceTask, ListenTask, RoomEstimateTask, and FinishTask all implement
// Task structurally.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/alitto/pond"
)

// Task is one unit of dispatcher-submitted work. Run executes the task's
// work; a non-nil error marks the task as failed for the purposes of the
// finish barrier. Cancel stops the task immediately without it updating
// its outputs.
type Task interface {
	Run() error
	Cancel()
}

// Dispatcher is the core's parallel dispatcher. It owns no threads of its
// own — it only submits to and waits on the host-provided worker pool,
// here backed by alitto/pond.
type Dispatcher struct {
	pool *pond.WorkerPool

	mu      sync.Mutex
	running []Task // in-flight tasks this dispatcher submitted, for cancellation
}

// New wraps an already-configured pond pool. The host owns the pool's
// lifetime; the dispatcher never creates or stops it.
func New(pool *pond.WorkerPool) *Dispatcher {
	return &Dispatcher{pool: pool}
}

// NewFixedPool builds a pond pool sized to n workers with an unbounded
// queue. Provided as a convenience for hosts and cmd/raybench that don't
// already own a pool.
func NewFixedPool(n int) *pond.WorkerPool {
	return pond.New(n, 0, pond.MinWorkers(n))
}

// RunSync implements the synchronous fan-out protocol: submit every ray
// task, then submit and wait on a barrier that covers them all, then run
// finish inline once every ray task has completed without error.
//
// On any ray task error, every submitted task (the failed one included)
// is cancelled individually and finish is cancelled rather than run; the
// first worker error surfaces to the caller.
func (d *Dispatcher) RunSync(ctx context.Context, tasks []Task, finish Task) error {
	d.mu.Lock()
	d.running = append(d.running[:0], tasks...)
	d.mu.Unlock()

	group, _ := d.pool.GroupContext(ctx)
	for _, t := range tasks {
		t := t
		group.Submit(func() error {
			return t.Run()
		})
	}

	err := group.Wait()

	d.mu.Lock()
	d.running = d.running[:0]
	d.mu.Unlock()

	if err != nil {
		log.Printf("dispatch: worker task failed, cancelling %d tasks: %v", len(tasks), err)
		d.cancelAll(tasks)
		finish.Cancel()
		return fmt.Errorf("dispatch: ray task failed: %w", err)
	}

	if ferr := finish.Run(); ferr != nil {
		return fmt.Errorf("dispatch: finish task failed: %w", ferr)
	}

	return nil
}

// cancelAll cancels every task individually rather than relying on
// dependency cancellation propagating — some tasks may already be
// mid-flight.
func (d *Dispatcher) cancelAll(tasks []Task) {
	for _, t := range tasks {
		t.Cancel()
	}
}

// Handle is returned by RunAsync; it fulfils once the finish barrier has
// fired.
type Handle struct {
	done chan error
}

// Wait blocks until the finish barrier fires and returns its error, if any.
func (h *Handle) Wait() error {
	return <-h.done
}

// RunAsync is RunSync's non-blocking counterpart: it returns immediately
// with a Handle the caller can Wait on at its own synchronization point,
// rather than suspending the calling goroutine on the barrier directly.
func (d *Dispatcher) RunAsync(ctx context.Context, tasks []Task, finish Task) *Handle {
	h := &Handle{done: make(chan error, 1)}
	go func() {
		h.done <- d.RunSync(ctx, tasks, finish)
	}()
	return h
}
