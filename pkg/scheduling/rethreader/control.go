package rethreader

import (
	"slices"
	"time"

	"go.uber.org/zap"
)

// Add resolves task against the default target, assigns the next sequence id
// and appends it to the pending queue.
func (r *Rethreader) Add(task Task) error {
	return r.Extend([]Task{task})
}

// Submit normalizes parts with TaskOf and adds the result.
func (r *Rethreader) Submit(parts ...any) error {
	task, err := TaskOf(parts...)
	if err != nil {
		return err
	}
	return r.Add(task)
}

// Extend adds every task in order. Either all tasks are queued or none are.
func (r *Rethreader) Extend(tasks []Task) error {
	r.mu.Lock()
	resolved, err := r.resolveAllLocked(tasks)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for _, t := range resolved {
		r.enqueueLocked(len(r.pending), t)
	}
	r.afterEnqueueLocked(len(resolved))
	r.mu.Unlock()

	r.signal()
	return nil
}

// Insert places task at index in the pending queue. Out of range indexes are
// clamped and negative ones count from the end, so Insert(0, t) puts t at the
// head and Insert(-1, t) puts it before the last pending task.
func (r *Rethreader) Insert(index int, task Task) error {
	r.mu.Lock()
	resolved, err := r.resolveAllLocked([]Task{task})
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.enqueueLocked(clampIndex(index, len(r.pending)), resolved[0])
	r.afterEnqueueLocked(1)
	r.mu.Unlock()

	r.signal()
	return nil
}

func clampIndex(index, n int) int {
	if index < 0 {
		index += n
		if index < 0 {
			return 0
		}
	}
	if index > n {
		return n
	}
	return index
}

// Prioritize puts tasks at the head of the pending queue, keeping their order.
func (r *Rethreader) Prioritize(tasks []Task) error {
	r.mu.Lock()
	resolved, err := r.resolveAllLocked(tasks)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for i, t := range resolved {
		r.enqueueLocked(i, t)
	}
	r.afterEnqueueLocked(len(resolved))
	r.mu.Unlock()

	r.signal()
	return nil
}

func (r *Rethreader) resolveAllLocked(tasks []Task) ([]Task, error) {
	if err := r.checkCapacityLocked(len(tasks)); err != nil {
		return nil, err
	}
	resolved := make([]Task, len(tasks))
	for i, t := range tasks {
		rt, err := r.resolveLocked(t)
		if err != nil {
			return nil, err
		}
		resolved[i] = rt
	}
	return resolved, nil
}

func (r *Rethreader) afterEnqueueLocked(n int) {
	if n == 0 {
		return
	}
	r.obs.added(n)
	r.obs.gauges(len(r.pending), len(r.running))
}

// Remove drops the first pending task whose Key matches task. If none is
// pending, the first matching running task is stopped and dropped without a
// result. It reports whether anything was removed; unknown tasks are a no-op.
func (r *Rethreader) Remove(task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(task)
}

func (r *Rethreader) removeLocked(task Task) bool {
	if rt, err := r.resolveLocked(task); err == nil {
		task = rt
	}
	key := task.Key()

	if i := slices.IndexFunc(r.pending, func(q queued) bool { return q.task.Key() == key }); i >= 0 {
		r.pending = slices.Delete(r.pending, i, i+1)
		r.obs.gauges(len(r.pending), len(r.running))
		return true
	}

	// A finished worker keeps its result even when the loop has not reaped it yet.
	r.reapLocked()
	if i := slices.IndexFunc(r.running, func(w *Worker) bool { return w.task.Key() == key }); i >= 0 {
		w := r.running[i]
		r.running = slices.Delete(r.running, i, i+1)
		r.abandonLocked(w)
		r.obs.gauges(len(r.pending), len(r.running))
		r.logger.Debug("running task abandoned", zap.Stringer("task", w.task))
		return true
	}
	return false
}

// abandonLocked cancels w and tracks it until it returns so Shutdown can
// wait for it.
func (r *Rethreader) abandonLocked(w *Worker) {
	w.Stop()
	r.abandoned = slices.DeleteFunc(r.abandoned, isDone)
	if !isDone(w) {
		r.abandoned = append(r.abandoned, w)
	}
}

func isDone(w *Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

// Postpone removes task and queues it again after delay. It returns at once.
// A task that is neither pending nor running is left alone.
func (r *Rethreader) Postpone(delay time.Duration, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved, err := r.resolveLocked(task)
	if err != nil {
		return err
	}
	if !r.removeLocked(resolved) {
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if _, ok := r.timers[timer]; !ok {
			r.mu.Unlock()
			return
		}
		delete(r.timers, timer)
		if err := r.checkCapacityLocked(1); err != nil {
			r.mu.Unlock()
			r.logger.Warn("dropping postponed task", zap.Stringer("task", resolved), zap.Error(err))
			return
		}
		r.enqueueLocked(len(r.pending), resolved)
		r.afterEnqueueLocked(1)
		r.mu.Unlock()

		r.signal()
	})
	r.timers[timer] = struct{}{}
	return nil
}

// SetAutoQuit toggles stopping the loop once nothing is pending or running.
func (r *Rethreader) SetAutoQuit(enabled bool) {
	r.mu.Lock()
	r.autoQuit = enabled
	r.mu.Unlock()
	r.signal()
}

// Quit clears the pending queue, cancels running tasks, drops postponed
// tasks and stops the loop. Abandoned tasks produce no result. Quit does not
// wait for them; use Shutdown for that.
func (r *Rethreader) Quit() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.pending)
	r.pending = nil
	for _, w := range r.running {
		r.abandonLocked(w)
	}
	clear(r.running)
	r.running = nil
	for t := range r.timers {
		t.Stop()
	}
	clear(r.timers)

	r.obs.gauges(0, 0)
	if r.alive {
		r.logger.Info("quit requested", zap.Int("abandoned", len(r.abandoned)))
	}
	r.haltLocked()
}

// Remaining returns the number of pending and running tasks.
func (r *Rethreader) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) + len(r.running)
}

// Finished returns the number of tasks that have been reaped.
func (r *Rethreader) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedCount
}

// InQueue returns the number of pending tasks.
func (r *Rethreader) InQueue() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Running returns the number of running workers.
func (r *Rethreader) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// IsEmpty reports whether nothing is pending or running.
func (r *Rethreader) IsEmpty() bool { return r.Remaining() == 0 }

// IsAlive reports whether the control loop is active.
func (r *Rethreader) IsAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Pending returns a snapshot of the pending queue, head first.
func (r *Rethreader) Pending() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, len(r.pending))
	for i, q := range r.pending {
		out[i] = q.task
	}
	return out
}

// Results returns the outcomes of finished tasks ordered by sequence id.
// It never blocks. Tasks still pending or running are not included.
func (r *Rethreader) Results() []Outcome {
	r.mu.Lock()
	out := make([]Outcome, len(r.finished))
	for i, w := range r.finished {
		out[i] = w.Result()
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Outcome) int {
		switch {
		case a.Seq() < b.Seq():
			return -1
		case a.Seq() > b.Seq():
			return 1
		}
		return 0
	})
	return out
}

// Values returns the value of each finished task in sequence order, with nil
// for tasks that did not finish Done.
func (r *Rethreader) Values() []any {
	results := r.Results()
	out := make([]any, len(results))
	for i, o := range results {
		if o.OK() {
			out[i] = o.Value
		}
	}
	return out
}

// Stats returns a snapshot of engine counters.
func (r *Rethreader) Stats() Stats {
	r.mu.Lock()
	pending, running, finished := len(r.pending), len(r.running), r.finishedCount
	r.mu.Unlock()

	return Stats{
		Added:     r.stats.added.Load(),
		Started:   r.stats.started.Load(),
		Completed: r.stats.completed.Load(),
		Failed:    r.stats.failed.Load(),
		Canceled:  r.stats.canceled.Load(),
		Pending:   pending,
		Running:   running,
		Finished:  finished,
	}
}
