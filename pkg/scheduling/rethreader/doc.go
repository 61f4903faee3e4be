/*
Package rethreader provides a dynamically growable task pool.

A Rethreader accepts an open-ended stream of tasks, runs them concurrently
under a bounded worker budget and keeps each task's outcome so that results
can be read back in the order tasks were queued, whatever order they finished
in. The pending queue can be changed while the pool runs.

Basic usage:

	square := func(ctx context.Context, args []any, _ rethreader.Kwargs) (any, error) {
		n := args[0].(int)
		return n * n, nil
	}

	r, err := rethreader.New(square)
	if err != nil {
		log.Fatal(err)
	}

	err = r.Scope(ctx, func(r *rethreader.Rethreader) error {
		for i := 1; i <= 10; i++ {
			if err := r.Add(rethreader.Call(i)); err != nil {
				return err
			}
		}
		return nil
	})

	fmt.Println(r.Values()) // [1 4 9 ... 100]

Tasks:

A Task binds a Target to positional and named arguments. Tasks built with
Call carry no target and are resolved against the engine's default target
when queued. TaskOf accepts looser shapes (a leading callable, trailing
Kwargs) for call sites that build tasks dynamically.

Every task entering the pending queue gets the next sequence id, including
tasks placed with Insert or Prioritize and tasks re-queued by Postpone.
Remove and Postpone match tasks by Task.Key, which ignores the sequence id.

Control loop:

Each iteration reaps finished workers, promotes pending tasks while fewer
than MaxThreads are running (MaxThreads <= 0 means unbounded) and, with
auto-quit enabled, stops once nothing is pending or running. The loop runs
every ClockDelay and is also woken when a task finishes or the queue changes.

Config.Limiter throttles promotion on top of MaxThreads. RateLimit builds a
process-local one; a Gate from pkg/ratelimit/distributed shares one rate
across processes.

Outcomes:

Errors and panics raised by a target are captured as Failed outcomes. A
task stopped by Remove, Quit or its TaskTimeout sees its context canceled;
cancellation is cooperative and a target that ignores its context keeps
running until it returns. Tasks abandoned by Remove or Quit produce no
outcome. Shutdown quits and waits for them, bounded by GracePeriod.

Metrics:

Set Config.Metrics.Enabled, or call EnableMetrics, to export queue depth,
throughput and latency through the pkg/metrics Prometheus registry.
*/
package rethreader
