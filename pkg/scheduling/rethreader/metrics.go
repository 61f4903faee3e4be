package rethreader

import (
	"sync"
	"time"

	"github.com/vnykmshr/rethreader/pkg/metrics"
)

// observer forwards engine events to a metrics.Registry while enabled.
type observer struct {
	name string

	mu       sync.RWMutex
	registry *metrics.Registry
	enabled  bool
}

func newObserver(name string, cfg metrics.Config) *observer {
	o := &observer{name: name}
	if cfg.Enabled {
		o.registry = metrics.NewRegistryFromConfig(cfg)
		o.enabled = true
	}
	return o
}

func (o *observer) get() *metrics.Registry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.enabled {
		return nil
	}
	return o.registry
}

func (o *observer) added(n int) {
	if reg := o.get(); reg != nil {
		reg.TasksAdded.WithLabelValues(o.name).Add(float64(n))
	}
}

func (o *observer) started(queued time.Duration) {
	if reg := o.get(); reg != nil {
		reg.TasksStarted.WithLabelValues(o.name).Inc()
		reg.TaskQueueWait.WithLabelValues(o.name).Observe(queued.Seconds())
	}
}

func (o *observer) finished(out Outcome) {
	reg := o.get()
	if reg == nil {
		return
	}
	reg.TaskDuration.WithLabelValues(o.name).Observe(out.Duration.Seconds())
	switch out.State {
	case Done:
		reg.TasksCompleted.WithLabelValues(o.name).Inc()
	case Canceled:
		reg.TasksCanceled.WithLabelValues(o.name).Inc()
	default:
		reg.TasksFailed.WithLabelValues(o.name).Inc()
	}
}

func (o *observer) loopPanic() {
	if reg := o.get(); reg != nil {
		reg.LoopPanics.WithLabelValues(o.name).Inc()
	}
}

func (o *observer) gauges(pending, running int) {
	if reg := o.get(); reg != nil {
		reg.PendingTasks.WithLabelValues(o.name).Set(float64(pending))
		reg.RunningTasks.WithLabelValues(o.name).Set(float64(running))
	}
}

// EnableMetrics enables metrics collection.
func (r *Rethreader) EnableMetrics(config metrics.Config) error {
	r.obs.mu.Lock()
	r.obs.enabled = config.Enabled
	if config.Enabled && (config.Registry != nil || r.obs.registry == nil) {
		r.obs.registry = metrics.NewRegistryFromConfig(config)
	}
	r.obs.mu.Unlock()

	r.mu.Lock()
	r.obs.gauges(len(r.pending), len(r.running))
	r.mu.Unlock()
	return nil
}

// DisableMetrics disables metrics collection.
func (r *Rethreader) DisableMetrics() {
	r.obs.mu.Lock()
	defer r.obs.mu.Unlock()
	r.obs.enabled = false
}

// MetricsEnabled returns true if metrics are currently enabled.
func (r *Rethreader) MetricsEnabled() bool {
	r.obs.mu.RLock()
	defer r.obs.mu.RUnlock()
	return r.obs.enabled
}

var _ metrics.Instrumentable = (*Rethreader)(nil)
