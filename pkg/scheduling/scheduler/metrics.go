package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnykmshr/rethreader/pkg/metrics"
)

// NewWithMetrics creates a scheduler with metrics enabled on a private
// Prometheus registry.
func NewWithMetrics(engine Submitter, name string) (Scheduler, error) {
	// Use a separate registry for each metrics-enabled component to avoid conflicts
	return NewWithConfig(Config{
		Engine: engine,
		Name:   name,
		Metrics: metrics.Config{
			Enabled:  true,
			Registry: prometheus.NewRegistry(),
		},
	})
}

// EnableMetrics enables metrics collection.
func (s *scheduler) EnableMetrics(config metrics.Config) error {
	s.metricsMu.Lock()
	s.metricsOn = config.Enabled
	if config.Enabled && (config.Registry != nil || s.registry == nil) {
		s.registry = metrics.NewRegistryFromConfig(config)
	}
	s.metricsMu.Unlock()

	s.mu.RLock()
	s.setEntriesGauge(len(s.entries))
	s.mu.RUnlock()
	return nil
}

// DisableMetrics disables metrics collection.
func (s *scheduler) DisableMetrics() {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.metricsOn = false
}

// MetricsEnabled returns true if metrics are currently enabled.
func (s *scheduler) MetricsEnabled() bool {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.metricsOn
}

func (s *scheduler) metricsRegistry() *metrics.Registry {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	if !s.metricsOn {
		return nil
	}
	return s.registry
}

func (s *scheduler) setEntriesGauge(n int) {
	if reg := s.metricsRegistry(); reg != nil {
		reg.SchedulerEntries.WithLabelValues(s.name).Set(float64(n))
	}
}

func (s *scheduler) recordFired() {
	if reg := s.metricsRegistry(); reg != nil {
		reg.SchedulerFired.WithLabelValues(s.name).Inc()
	}
}

func (s *scheduler) recordDropped() {
	if reg := s.metricsRegistry(); reg != nil {
		reg.SchedulerDropped.WithLabelValues(s.name).Inc()
	}
}
