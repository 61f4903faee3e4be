/*
Package rethreader is a Go library for running an open-ended stream of tasks
on a growable pool of goroutines.

Task Execution (pkg/scheduling):
  - rethreader: The engine. A pending queue that can be edited while running,
    bounded concurrency and per-task results in submission order
  - scheduler: Feeds tasks into an engine at a time, on an interval or on a
    cron expression

Rate Limiting (pkg/ratelimit):
  - distributed: Redis token bucket that caps how fast engines in several
    processes start tasks

Observability (pkg/metrics):
  - Prometheus counters, gauges and histograms for every component

Example usage:

	import "github.com/vnykmshr/rethreader/pkg/scheduling/rethreader"

	engine, _ := rethreader.New(fetch, rethreader.Call("a"), rethreader.Call("b"))
	_ = engine.Scope(ctx, func(r *rethreader.Rethreader) error {
		return r.Add(rethreader.Call("c"))
	})
	for _, out := range engine.Results() {
		fmt.Println(out.Task.Args(), out.Value, out.Err)
	}
*/
package rethreader
