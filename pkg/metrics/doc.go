// Package metrics provides Prometheus instrumentation for rethreader components.
//
// # Overview
//
// The registry covers three areas:
//   - the engine (tasks added, started, completed, failed, canceled; pending
//     and running gauges; execution and queue-wait histograms; recovered
//     control-loop panics)
//   - the feeder scheduler (entries fired into an engine, entries refused)
//   - promotion rate limiting (requests, allows, denies)
//
// Every engine series carries an "engine" label with the engine's Name.
//
// # Quick Start
//
//	reg := prometheus.NewRegistry()
//	r, _ := rethreader.NewWithConfig(rethreader.Config{
//		Name:    "crawler",
//		Target:  fetch,
//		Metrics: metrics.Config{Enabled: true, Registry: reg},
//	})
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// Components that can switch instrumentation on and off at runtime implement
// Instrumentable.
package metrics
