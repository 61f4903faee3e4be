package distributed

import (
	"github.com/vnykmshr/rethreader/pkg/metrics"
)

const limiterType = "redis_token_bucket"

func (g *Gate) record(allowed bool) {
	if allowed {
		g.allowed.Add(1)
	} else {
		g.denied.Add(1)
	}

	reg := g.metricsRegistry()
	if reg == nil {
		return
	}
	reg.RateLimitRequests.WithLabelValues(limiterType, g.cfg.Key).Inc()
	if allowed {
		reg.RateLimitAllowed.WithLabelValues(limiterType, g.cfg.Key).Inc()
	} else {
		reg.RateLimitDenied.WithLabelValues(limiterType, g.cfg.Key).Inc()
	}
}

func (g *Gate) metricsRegistry() *metrics.Registry {
	g.metricsMu.RLock()
	defer g.metricsMu.RUnlock()
	if !g.metricsOn {
		return nil
	}
	return g.registry
}

// EnableMetrics enables metrics collection.
func (g *Gate) EnableMetrics(config metrics.Config) error {
	g.metricsMu.Lock()
	defer g.metricsMu.Unlock()
	g.metricsOn = config.Enabled
	if config.Enabled && (config.Registry != nil || g.registry == nil) {
		g.registry = metrics.NewRegistryFromConfig(config)
	}
	return nil
}

// DisableMetrics disables metrics collection.
func (g *Gate) DisableMetrics() {
	g.metricsMu.Lock()
	defer g.metricsMu.Unlock()
	g.metricsOn = false
}

// MetricsEnabled returns true if metrics are currently enabled.
func (g *Gate) MetricsEnabled() bool {
	g.metricsMu.RLock()
	defer g.metricsMu.RUnlock()
	return g.metricsOn
}

var _ metrics.Instrumentable = (*Gate)(nil)
