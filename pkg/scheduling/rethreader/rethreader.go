package rethreader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
)

// Rethreader is a dynamically growable task pool. Tasks wait in a pending
// queue and a control loop promotes them to running workers while the
// concurrency cap allows. Results are kept per task and reported in the
// order tasks entered the queue.
//
// All methods are safe for concurrent use.
type Rethreader struct {
	cfg    Config
	name   string
	logger *zap.Logger
	obs    *observer

	mu            sync.Mutex
	pending       []queued
	running       []*Worker
	finished      []*Worker
	abandoned     []*Worker
	finishedCount int
	permits       int
	seq           int64
	autoQuit      bool
	alive         bool
	stopCh        chan struct{}
	loopDone      chan struct{}
	timers        map[*time.Timer]struct{}

	wake  chan struct{}
	stats counters
}

type queued struct {
	task     Task
	enqueued time.Time
}

type counters struct {
	added     atomic.Int64
	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Added     int64
	Started   int64
	Completed int64
	Failed    int64
	Canceled  int64
	Pending   int
	Running   int
	Finished  int
}

// New creates an engine with DefaultConfig and the given default target.
// target may be nil if every task carries its own.
func New(target Target, initial ...Task) (*Rethreader, error) {
	cfg := DefaultConfig()
	cfg.Target = target
	return NewWithConfig(cfg, initial...)
}

// NewWithConfig creates an engine from cfg and queues the initial tasks.
// The control loop is not started; call Start or Scope.
func NewWithConfig(cfg Config, initial ...Task) (*Rethreader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClockDelay == 0 {
		cfg.ClockDelay = DefaultClockDelay
	}
	if cfg.Name == "" {
		cfg.Name = "rethreader-" + uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Rethreader{
		cfg:      cfg,
		name:     cfg.Name,
		logger:   logger.Named("rethreader").With(zap.String("engine", cfg.Name)),
		obs:      newObserver(cfg.Name, cfg.Metrics),
		autoQuit: cfg.AutoQuit,
		timers:   make(map[*time.Timer]struct{}),
		wake:     make(chan struct{}, 1),
	}

	if len(initial) > 0 {
		if err := r.Extend(initial); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Name returns the engine name used in logs and metric labels.
func (r *Rethreader) Name() string { return r.name }

// Start spawns the control loop. Pending and finished state from a previous
// run is kept. It returns ErrAlreadyRunning if the loop is active.
func (r *Rethreader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.alive {
		return rterrors.ErrAlreadyRunning
	}
	r.alive = true
	r.stopCh = make(chan struct{})
	r.loopDone = make(chan struct{})

	go r.run(r.stopCh, r.loopDone)
	return nil
}

func (r *Rethreader) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	r.logger.Info("control loop started",
		zap.Int("max_threads", r.cfg.MaxThreads),
		zap.Duration("clock_delay", r.cfg.ClockDelay))

	ticker := time.NewTicker(r.cfg.ClockDelay)
	defer ticker.Stop()

	for {
		if r.tick(stop) {
			r.logger.Info("control loop stopped", zap.Int("finished", r.Finished()))
			return
		}
		select {
		case <-stop:
			r.logger.Info("control loop stopped", zap.Int("finished", r.Finished()))
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// tick runs one loop iteration and reports whether the loop should exit.
func (r *Rethreader) tick(stop <-chan struct{}) (exit bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.obs.loopPanic()
			r.logger.Error("recovered panic in control loop",
				zap.Any("panic", rec),
				zap.Stack("stack"))
			exit = false
		}
	}()

	want, exit := r.reap(stop)
	if exit {
		return true
	}
	granted := r.acquirePermits(want)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.permits += granted
	select {
	case <-stop:
		return true
	default:
	}

	r.promoteLocked()
	r.obs.gauges(len(r.pending), len(r.running))

	if r.autoQuit && len(r.pending) == 0 && len(r.running) == 0 {
		r.logger.Debug("queue drained, auto-quitting")
		r.haltLocked()
		return true
	}
	return false
}

// reap collects finished workers and returns how many limiter permits the
// next promotion round could use.
func (r *Rethreader) reap(stop <-chan struct{}) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-stop:
		return 0, true
	default:
	}

	r.reapLocked()
	if r.cfg.Limiter == nil {
		return 0, false
	}
	n := len(r.pending)
	if r.cfg.MaxThreads > 0 {
		n = min(n, r.cfg.MaxThreads-len(r.running))
	}
	return max(n-r.permits, 0), false
}

// acquirePermits asks the limiter for up to n permits. It runs without the
// engine lock because a Limiter may block on a network round trip.
func (r *Rethreader) acquirePermits(n int) int {
	granted := 0
	for granted < n && r.cfg.Limiter.Allow() {
		granted++
	}
	return granted
}

func (r *Rethreader) reapLocked() {
	alive := r.running[:0]
	for _, w := range r.running {
		if !isDone(w) {
			alive = append(alive, w)
			continue
		}
		r.finishedCount++
		if !r.cfg.DiscardResults {
			r.finished = append(r.finished, w)
		}
	}
	clear(r.running[len(alive):])
	r.running = alive
}

func (r *Rethreader) promoteLocked() {
	for len(r.pending) > 0 && r.hasCapacityLocked() {
		if r.cfg.Limiter != nil {
			if r.permits == 0 {
				return
			}
			r.permits--
		}
		q := r.pending[0]
		r.pending[0] = queued{}
		r.pending = r.pending[1:]

		w := r.newWorker(q.task)
		r.running = append(r.running, w)
		r.stats.started.Add(1)
		r.obs.started(time.Since(q.enqueued))
		r.logger.Debug("task promoted", zap.Stringer("task", q.task))

		w.Start(context.Background())
	}
}

func (r *Rethreader) hasCapacityLocked() bool {
	return r.cfg.MaxThreads <= 0 || len(r.running) < r.cfg.MaxThreads
}

func (r *Rethreader) newWorker(task Task) *Worker {
	w := NewWorker(task)
	w.timeout = r.cfg.TaskTimeout
	w.hooks = workerHooks{
		onStart: r.cfg.OnTaskStart,
		onPanic: r.handlePanic,
		onDone:  r.workerDone,
	}
	return w
}

func (r *Rethreader) handlePanic(task Task, recovered any) {
	r.logger.Error("task panicked",
		zap.Stringer("task", task),
		zap.Any("panic", recovered))
	if r.cfg.PanicHandler != nil {
		r.cfg.PanicHandler(task, recovered)
	}
}

func (r *Rethreader) workerDone(w *Worker, out Outcome) {
	switch out.State {
	case Done:
		r.stats.completed.Add(1)
	case Canceled:
		r.stats.canceled.Add(1)
	default:
		r.stats.failed.Add(1)
		r.logger.Debug("task failed", zap.Stringer("task", out.Task), zap.Error(out.Err))
	}
	r.obs.finished(out)

	if r.cfg.OnTaskComplete != nil {
		r.cfg.OnTaskComplete(out)
	}

	r.mu.Lock()
	for i, a := range r.abandoned {
		if a == w {
			r.abandoned = append(r.abandoned[:i], r.abandoned[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.signal()
}

// signal wakes the control loop without waiting for the next tick.
func (r *Rethreader) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// haltLocked stops the current loop. Safe to call when already stopped.
func (r *Rethreader) haltLocked() {
	if !r.alive {
		return
	}
	r.alive = false
	close(r.stopCh)
}

// resolveLocked applies the default target and rejects tasks with none.
func (r *Rethreader) resolveLocked(task Task) (Task, error) {
	if task.HasTarget() {
		return task, nil
	}
	if r.cfg.Target == nil {
		return Task{}, rterrors.NewOperationError("rethreader", "resolve", rterrors.ErrNoTarget).
			WithContext(task.Info())
	}
	return task.WithTarget(r.cfg.Target), nil
}

// enqueueLocked assigns the next sequence id and places task at index,
// which must already be clamped to [0, len(pending)].
func (r *Rethreader) enqueueLocked(index int, task Task) Task {
	r.seq++
	task = task.withSeq(r.seq)
	q := queued{task: task, enqueued: time.Now()}

	r.pending = append(r.pending, queued{})
	copy(r.pending[index+1:], r.pending[index:])
	r.pending[index] = q

	r.stats.added.Add(1)
	return task
}

func (r *Rethreader) checkCapacityLocked(n int) error {
	if r.cfg.MaxPending > 0 && len(r.pending)+n > r.cfg.MaxPending {
		return rterrors.NewOperationError("rethreader", "enqueue", rterrors.ErrCapacityExceeded).
			WithContext(fmt.Sprintf("max_pending=%d", r.cfg.MaxPending))
	}
	return nil
}
