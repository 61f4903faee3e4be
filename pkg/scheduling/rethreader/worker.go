package rethreader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	rtcontext "github.com/vnykmshr/rethreader/pkg/common/context"
	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
)

// Worker binds one task to one goroutine and owns its result slot.
//
// The outcome is written once by the worker goroutine before Done is
// closed, so any reader that observed Done sees the final Outcome.
type Worker struct {
	task    Task
	timeout time.Duration
	hooks   workerHooks

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	done    chan struct{}
	outcome Outcome
}

// workerHooks are the engine's callbacks around one execution. All run on
// the worker goroutine, and onDone completes before Done is closed.
type workerHooks struct {
	onStart func(Task)
	onPanic func(Task, any)
	onDone  func(*Worker, Outcome)
}

// NewWorker returns an unstarted worker for task. A task without a target
// finishes as Failed with ErrNoTarget.
func NewWorker(task Task) *Worker {
	return &Worker{
		task: task,
		done: make(chan struct{}),
	}
}

// WorkerOf returns an unmanaged, unstarted worker for a one-off call.
func WorkerOf(target Target, args []any, kwargs Kwargs) *Worker {
	return NewWorker(NewTask(target, args...).WithKwargs(kwargs))
}

// Start runs the task on a new goroutine and returns w for chaining.
// Calls after the first are no-ops. If Stop was already called, the task
// starts with a canceled context.
func (w *Worker) Start(ctx context.Context) *Worker {
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return w
	}
	w.started = true
	runCtx, cancel := rtcontext.WithOptionalTimeout(ctx, w.timeout)
	w.cancel = cancel
	if w.stopped {
		cancel()
	}
	w.mu.Unlock()

	go w.run(runCtx)
	return w
}

// Stop cancels the context handed to the target. It does not wait; a target
// that ignores its context keeps running until it returns on its own.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// Result returns the outcome, with State Pending until the target returns.
func (w *Worker) Result() Outcome {
	select {
	case <-w.done:
		return w.outcome
	default:
		return Outcome{Task: w.task, State: Pending}
	}
}

// Done returns a channel closed once the result is available.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Alive reports whether the worker has started and not yet finished.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Task returns the task bound to w.
func (w *Worker) Task() Task { return w.task }

// Info returns the task's human-readable description.
func (w *Worker) Info() string { return w.task.Info() }

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Worker) run(ctx context.Context) {
	if w.hooks.onStart != nil {
		w.hooks.onStart(w.task)
	}

	start := time.Now()
	value, err := w.execute(ctx)

	o := Outcome{
		Task:     w.task,
		Value:    value,
		Err:      err,
		Duration: time.Since(start),
	}
	switch {
	case err == nil:
		o.State = Done
	case w.isStopped() && errors.Is(err, context.Canceled):
		o.State = Canceled
		o.Err = fmt.Errorf("%w: %w", rterrors.ErrCanceled, err)
	default:
		o.State = Failed
	}

	w.outcome = o
	w.cancel()

	if w.hooks.onDone != nil {
		w.hooks.onDone(w, o)
	}
	close(w.done)
}

func (w *Worker) execute(ctx context.Context) (value any, err error) {
	if !w.task.HasTarget() {
		return nil, rterrors.ErrNoTarget
	}

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &rterrors.PanicError{Value: r, Stack: debug.Stack()}
			if w.hooks.onPanic != nil {
				w.hooks.onPanic(w.task, r)
			}
		}
	}()

	return w.task.invoke(ctx)
}
