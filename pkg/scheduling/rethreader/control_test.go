package rethreader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vnykmshr/rethreader/internal/testutil"
	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
)

// recorder remembers the order in which its target was entered.
type recorder struct {
	mu    sync.Mutex
	order []any
}

func (rec *recorder) target(_ context.Context, args []any, _ Kwargs) (any, error) {
	rec.mu.Lock()
	rec.order = append(rec.order, args[0])
	rec.mu.Unlock()
	return args[0], nil
}

func (rec *recorder) calls() []any {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]any(nil), rec.order...)
}

func pendingArgs(r *Rethreader) []any {
	var out []any
	for _, task := range r.Pending() {
		out = append(out, task.Args()[0])
	}
	return out
}

func TestInsertRunsFirst(t *testing.T) {
	rec := &recorder{}
	r := newTestEngine(t, withTarget(rec.target, 1), Call("A"), Call("B"), Call("C"))

	testutil.AssertNoError(t, r.Insert(0, Call("D")))
	testutil.AssertSliceEqual(t, pendingArgs(r), []any{"D", "A", "B", "C"})

	testutil.AssertNoError(t, r.Start())
	drain(t, r)

	testutil.AssertSliceEqual(t, rec.calls(), []any{"D", "A", "B", "C"})

	// Results follow sequence ids, and D entered the queue last.
	testutil.AssertSliceEqual(t, r.Values(), []any{"A", "B", "C", "D"})
}

func TestInsertClampsIndex(t *testing.T) {
	tests := []struct {
		name  string
		index int
		want  []any
	}{
		{"head", 0, []any{"x", "a", "b", "c"}},
		{"middle", 2, []any{"a", "b", "x", "c"}},
		{"end", 3, []any{"a", "b", "c", "x"}},
		{"past end", 100, []any{"a", "b", "c", "x"}},
		{"from end", -1, []any{"a", "b", "x", "c"}},
		{"before start", -100, []any{"x", "a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestEngine(t, withTarget(echo, 1), Call("a"), Call("b"), Call("c"))
			testutil.AssertNoError(t, r.Insert(tt.index, Call("x")))
			testutil.AssertSliceEqual(t, pendingArgs(r), tt.want)

			// The inserted task still gets the next sequence id.
			for _, task := range r.Pending() {
				if task.Args()[0] == "x" {
					testutil.AssertEqual(t, task.Seq(), int64(4))
				}
			}
		})
	}
}

func TestPrioritizeKeepsOrder(t *testing.T) {
	r := newTestEngine(t, withTarget(echo, 1), Call("a"), Call("b"))

	testutil.AssertNoError(t, r.Prioritize([]Task{Call("p1"), Call("p2"), Call("p3")}))
	testutil.AssertSliceEqual(t, pendingArgs(r), []any{"p1", "p2", "p3", "a", "b"})
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := newTestEngine(t, withTarget(echo, 1), Call("a"), Call("b"), Call("c"))

	testutil.AssertEqual(t, r.Remove(Call("b")), true)
	testutil.AssertEqual(t, r.Remove(Call("b")), false)
	testutil.AssertEqual(t, r.Remove(Call("missing")), false)
	testutil.AssertSliceEqual(t, pendingArgs(r), []any{"a", "c"})
}

func TestRemoveMatchesByContent(t *testing.T) {
	r := newTestEngine(t, withTarget(echo, 1))
	testutil.AssertNoError(t, r.Add(Call(1).WithKwargs(Kwargs{"k": "v"})))
	testutil.AssertNoError(t, r.Add(Call(1)))

	// The default target is applied before matching.
	testutil.AssertEqual(t, r.Remove(NewTask(echo, 1)), true)
	testutil.AssertEqual(t, r.InQueue(), 1)
	testutil.AssertEqual(t, r.Pending()[0].Kwargs()["k"], any("v"))

	// Type matters: the string "1" is not the int 1.
	testutil.AssertEqual(t, r.Remove(Call("1").WithKwargs(Kwargs{"k": "v"})), false)
}

func TestRemoveRunningTask(t *testing.T) {
	r := newTestEngine(t, withTarget(sleepy, 2), Call(time.Minute))
	testutil.AssertNoError(t, r.Start())
	testutil.Eventually(t, func() bool { return r.Running() == 1 }, time.Second, time.Millisecond)

	testutil.AssertEqual(t, r.Remove(Call(time.Minute)), true)
	testutil.AssertEqual(t, r.Running(), 0)

	testutil.Eventually(t, func() bool { return r.Stats().Canceled == 1 }, time.Second, time.Millisecond)
	testutil.AssertEqual(t, len(r.Results()), 0)
	testutil.AssertEqual(t, r.Finished(), 0)
}

func TestRemoveKeepsUnreapedResult(t *testing.T) {
	r := newTestEngine(t, withTarget(double, 1))

	// Finish a worker and park it in running, as if the loop had not
	// reaped it yet.
	r.mu.Lock()
	task, err := r.resolveLocked(Call(21))
	r.mu.Unlock()
	testutil.AssertNoError(t, err)
	w := r.newWorker(task)
	w.Start(context.Background())
	<-w.Done()
	r.mu.Lock()
	r.running = append(r.running, w)
	r.mu.Unlock()

	testutil.AssertEqual(t, r.Remove(Call(21)), false)
	testutil.AssertEqual(t, r.Running(), 0)
	testutil.AssertEqual(t, r.Finished(), 1)
	testutil.AssertSliceEqual(t, r.Values(), []any{42})

	stats := r.Stats()
	testutil.AssertEqual(t, stats.Completed, int64(1))
	testutil.AssertEqual(t, stats.Finished, 1)
}

func ping(context.Context) (any, error) { return "pong", nil }

func TestRemoveMatchesSubmittedForm(t *testing.T) {
	r := newTestEngine(t, withTarget(nil, 1))
	testutil.AssertNoError(t, r.Submit(ping))
	testutil.AssertNoError(t, r.Add(NewTask(Func(ping))))

	// TaskOf keys by the callable's own name, Func by the adapter's.
	submitted, err := TaskOf(ping)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, strings.HasSuffix(submitted.Name(), ".ping"), true)
	testutil.AssertEqual(t, submitted.Key() == NewTask(Func(ping)).Key(), false)

	testutil.AssertEqual(t, r.Remove(submitted), true)
	testutil.AssertEqual(t, r.Remove(submitted), false)
	testutil.AssertEqual(t, r.Remove(NewTask(Func(ping))), true)
	testutil.AssertEqual(t, r.InQueue(), 0)
}

func TestPostpone(t *testing.T) {
	const delay = 200 * time.Millisecond
	r := newTestEngine(t, withTarget(echo, 1), Call("E"))
	before := r.Pending()[0].Seq()

	start := time.Now()
	testutil.AssertNoError(t, r.Postpone(delay, Call("E")))
	testutil.AssertEqual(t, r.InQueue(), 0)

	testutil.Eventually(t, func() bool { return r.InQueue() == 1 }, 2*time.Second, 5*time.Millisecond)
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("task re-queued after %v, want at least %v", elapsed, delay)
	}

	after := r.Pending()[0]
	testutil.AssertEqual(t, after.Args()[0], any("E"))
	testutil.AssertEqual(t, after.Seq() > before, true)
}

func TestPostponeUnknownTaskIsNoop(t *testing.T) {
	r := newTestEngine(t, withTarget(echo, 1))

	testutil.AssertNoError(t, r.Postpone(time.Millisecond, Call("ghost")))
	time.Sleep(20 * time.Millisecond)
	testutil.AssertEqual(t, r.InQueue(), 0)

	r2 := newTestEngine(t, withTarget(nil, 1))
	err := r2.Postpone(time.Millisecond, Call("ghost"))
	testutil.AssertEqual(t, errors.Is(err, rterrors.ErrNoTarget), true)
}

func TestQuitDropsPostponedTasks(t *testing.T) {
	r := newTestEngine(t, withTarget(echo, 1), Call("E"))
	testutil.AssertNoError(t, r.Postpone(20*time.Millisecond, Call("E")))

	r.Quit()
	time.Sleep(60 * time.Millisecond)
	testutil.AssertEqual(t, r.InQueue(), 0)
}

func TestQuitAbandonsWork(t *testing.T) {
	r := newTestEngine(t, withTarget(sleepy, 1), Call(time.Minute), Call(time.Minute), Call(time.Second))
	testutil.AssertNoError(t, r.Start())
	testutil.Eventually(t, func() bool { return r.Running() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	r.Quit()

	testutil.AssertEqual(t, r.InQueue(), 0)
	testutil.AssertEqual(t, r.IsAlive(), false)
	testutil.AssertEqual(t, r.Remaining(), 0)
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("quit took %v", time.Since(start))
	}

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	testutil.AssertNoError(t, r.Shutdown(ctx))
	testutil.AssertEqual(t, len(r.Results()), 0)
	testutil.AssertEqual(t, r.Stats().Canceled, int64(1))
}

func TestShutdownGracePeriod(t *testing.T) {
	release := make(chan struct{})
	stubborn := func(context.Context, []any, Kwargs) (any, error) {
		<-release
		return nil, nil
	}

	cfg := withTarget(stubborn, 1)
	cfg.GracePeriod = 20 * time.Millisecond
	r := newTestEngine(t, cfg, Call(1))
	testutil.AssertNoError(t, r.Start())
	testutil.Eventually(t, func() bool { return r.Running() == 1 }, time.Second, time.Millisecond)

	err := r.Shutdown(context.Background())
	testutil.AssertEqual(t, errors.Is(err, rterrors.ErrTimeout), true)
	testutil.AssertEqual(t, r.IsAlive(), false)

	close(release)
	testutil.Eventually(t, func() bool { return r.Stats().Completed == 1 }, time.Second, time.Millisecond)
}

func TestScope(t *testing.T) {
	r := newTestEngine(t, withTarget(double, 3))
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	err := r.Scope(ctx, func(r *Rethreader) error {
		for i := 1; i <= 10; i++ {
			if err := r.Add(Call(i)); err != nil {
				return err
			}
			// Auto-quit stays off while the scope body runs.
			time.Sleep(time.Millisecond)
		}
		testutil.AssertEqual(t, r.IsAlive(), true)
		return nil
	})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, r.IsAlive(), false)
	testutil.AssertSliceEqual(t, r.Values(), []any{2, 4, 6, 8, 10, 12, 14, 16, 18, 20})
}

func TestScopeReturnsBodyError(t *testing.T) {
	r := newTestEngine(t, withTarget(double, 1))
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	boom := errors.New("boom")
	err := r.Scope(ctx, func(r *Rethreader) error {
		if err := r.Add(Call(1)); err != nil {
			return err
		}
		return boom
	})

	testutil.AssertEqual(t, errors.Is(err, boom), true)
	testutil.AssertEqual(t, r.IsAlive(), false)
	testutil.AssertSliceEqual(t, r.Values(), []any{2})
}

func TestWaitHonorsContext(t *testing.T) {
	r := newTestEngine(t, withTarget(double, 1))
	testutil.AssertNoError(t, r.Wait(context.Background()))

	testutil.AssertNoError(t, r.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := r.Wait(ctx)
	testutil.AssertEqual(t, errors.Is(err, rterrors.ErrTimeout), true)
	testutil.AssertEqual(t, errors.Is(err, context.DeadlineExceeded), true)
	testutil.AssertEqual(t, rterrors.IsRetryable(err), true)
}
