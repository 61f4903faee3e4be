// Package metrics provides Prometheus instrumentation for rethreader components.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name unless a Config overrides it.
const DefaultNamespace = "rethreader"

// Registry holds all metric instances for rethreader components.
type Registry struct {
	// Engine Metrics
	TasksAdded     *prometheus.CounterVec
	TasksStarted   *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksCanceled  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TaskQueueWait  *prometheus.HistogramVec
	PendingTasks   *prometheus.GaugeVec
	RunningTasks   *prometheus.GaugeVec
	LoopPanics     *prometheus.CounterVec

	// Feeder Scheduler Metrics
	SchedulerFired   *prometheus.CounterVec
	SchedulerDropped *prometheus.CounterVec
	SchedulerEntries *prometheus.GaugeVec

	// Rate Limiting Metrics
	RateLimitRequests *prometheus.CounterVec
	RateLimitAllowed  *prometheus.CounterVec
	RateLimitDenied   *prometheus.CounterVec
}

// DefaultRegistry is the default metrics registry used by rethreader components.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	shared[registryKey{reg: prometheus.DefaultRegisterer, namespace: DefaultNamespace}] = DefaultRegistry
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithNamespace(reg, DefaultNamespace)
}

// NewRegistryFromConfig builds a registry honoring cfg.Registry and cfg.Namespace.
// A nil cfg.Registry falls back to DefaultRegistry. Components configured
// with the same registerer, namespace and labels share one Registry, so
// several engines can report into a single Prometheus registry.
func NewRegistryFromConfig(cfg Config) *Registry {
	if cfg.Registry == nil {
		return DefaultRegistry
	}
	ns := cfg.namespace()
	key := registryKey{reg: cfg.Registry, namespace: ns, labels: labelString(cfg.Labels)}

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if r, ok := shared[key]; ok {
		return r
	}

	reg := cfg.Registry
	if len(cfg.Labels) > 0 {
		reg = prometheus.WrapRegistererWith(cfg.Labels, reg)
	}
	r := NewRegistryWithNamespace(reg, ns)
	shared[key] = r
	return r
}

type registryKey struct {
	reg       prometheus.Registerer
	namespace string
	labels    string
}

var (
	sharedMu sync.Mutex
	shared   = make(map[registryKey]*Registry)
)

func labelString(labels prometheus.Labels) string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(labels[name])
		b.WriteByte(',')
	}
	return b.String()
}

// NewRegistryWithNamespace creates a registry whose metrics live under namespace.
func NewRegistryWithNamespace(reg prometheus.Registerer, namespace string) *Registry {
	factory := promauto.With(reg)

	engineLabels := []string{"engine"}

	return &Registry{
		TasksAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "tasks_added_total",
				Help:      "Total number of tasks that entered the pending queue",
			},
			engineLabels,
		),

		TasksStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "tasks_started_total",
				Help:      "Total number of tasks promoted to a running worker",
			},
			engineLabels,
		),

		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks that returned without error",
			},
			engineLabels,
		),

		TasksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks that returned an error or panicked",
			},
			engineLabels,
		),

		TasksCanceled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "tasks_canceled_total",
				Help:      "Total number of running tasks abandoned by remove or quit",
			},
			engineLabels,
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "task_duration_seconds",
				Help:      "Time spent executing tasks",
				Buckets:   prometheus.DefBuckets,
			},
			engineLabels,
		),

		TaskQueueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "task_queue_wait_seconds",
				Help:      "Time tasks spent pending before promotion",
				Buckets:   prometheus.DefBuckets,
			},
			engineLabels,
		),

		PendingTasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "pending_tasks",
				Help:      "Number of tasks waiting for a worker slot",
			},
			engineLabels,
		),

		RunningTasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "running_tasks",
				Help:      "Number of tasks currently executing",
			},
			engineLabels,
		),

		LoopPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "loop_panics_total",
				Help:      "Total number of recovered panics in the control loop",
			},
			engineLabels,
		),

		SchedulerFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "fired_total",
				Help:      "Total number of scheduled entries handed to an engine",
			},
			[]string{"scheduler_name"},
		),

		SchedulerDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "dropped_total",
				Help:      "Total number of scheduled entries the engine refused",
			},
			[]string{"scheduler_name"},
		),

		SchedulerEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "entries",
				Help:      "Number of registered schedule entries",
			},
			[]string{"scheduler_name"},
		),

		RateLimitRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "requests_total",
				Help:      "Total number of rate limit requests",
			},
			[]string{"limiter_type", "limiter_name"},
		),

		RateLimitAllowed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "allowed_total",
				Help:      "Total number of allowed requests",
			},
			[]string{"limiter_type", "limiter_name"},
		),

		RateLimitDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "denied_total",
				Help:      "Total number of denied requests",
			},
			[]string{"limiter_type", "limiter_name"},
		),
	}
}
