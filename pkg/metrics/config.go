package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config selects where a component reports. Engines and gates built from
// equal configs report through the same Registry, so one process can run
// several of them against a single Prometheus registerer.
type Config struct {
	Enabled bool

	// Registry receives the collectors. Nil reports into DefaultRegistry,
	// which is bound to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace prefixes metric names. Empty means DefaultNamespace.
	Namespace string

	// Labels are constant labels wrapped around Registry. Configs that
	// differ only in Labels get separate collectors.
	Labels prometheus.Labels
}

func (c Config) namespace() string {
	if c.Namespace == "" {
		return DefaultNamespace
	}
	return c.Namespace
}

// DefaultConfig reports into the process-wide Prometheus registerer.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Registry:  prometheus.DefaultRegisterer,
		Namespace: DefaultNamespace,
	}
}

// Instrumentable is implemented by the engine, the scheduler and the
// distributed gate. Metrics can be switched on and off at runtime.
type Instrumentable interface {
	EnableMetrics(config Config) error
	DisableMetrics()
	MetricsEnabled() bool
}
