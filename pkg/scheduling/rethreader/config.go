package rethreader

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vnykmshr/rethreader/pkg/common/validation"
	"github.com/vnykmshr/rethreader/pkg/metrics"
)

const (
	// DefaultMaxThreads is the concurrency cap used by New and DefaultConfig.
	DefaultMaxThreads = 16

	// DefaultClockDelay is the control loop's polling interval.
	DefaultClockDelay = 10 * time.Millisecond
)

// Limiter gates promotion of pending tasks. When Allow returns false the
// control loop leaves the rest of the queue for the next iteration.
// *rate.Limiter satisfies it.
type Limiter interface {
	Allow() bool
}

// Config holds configuration options for creating a Rethreader.
type Config struct {
	// Name identifies the engine in logs and metric labels.
	// If empty, a random name is generated.
	Name string

	// Target is the default callable for tasks added without one.
	Target Target

	// MaxThreads caps the number of concurrently running tasks.
	// Zero or negative means unbounded.
	MaxThreads int

	// MaxPending caps the pending queue; Add fails with ErrCapacityExceeded
	// once it is full. Zero means unbounded.
	MaxPending int

	// ClockDelay is the control loop's polling interval.
	// Zero means DefaultClockDelay.
	ClockDelay time.Duration

	// AutoQuit stops the control loop once nothing is pending or running.
	AutoQuit bool

	// DiscardResults drops finished workers instead of keeping them for
	// Results. Finished still counts them.
	DiscardResults bool

	// TaskTimeout bounds each task's context. Zero means no timeout.
	TaskTimeout time.Duration

	// GracePeriod bounds how long Shutdown waits for abandoned tasks to
	// return after their contexts are canceled. Zero means wait for ctx only.
	GracePeriod time.Duration

	// Limiter, if set, throttles promotion from pending to running.
	Limiter Limiter

	// Logger receives lifecycle and failure logs. Nil means no logging.
	Logger *zap.Logger

	// Metrics configures Prometheus instrumentation.
	Metrics metrics.Config

	// OnTaskStart is called on the worker goroutine before the target runs.
	OnTaskStart func(task Task)

	// OnTaskComplete is called on the worker goroutine once the outcome is final.
	OnTaskComplete func(outcome Outcome)

	// PanicHandler is called when a target panics. The panic is still
	// recorded as a Failed outcome carrying an *errors.PanicError.
	PanicHandler func(task Task, recovered any)
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig() Config {
	return Config{
		MaxThreads: DefaultMaxThreads,
		ClockDelay: DefaultClockDelay,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if err := validation.ValidateNonNegativeInt("rethreader", "max_pending", c.MaxPending); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("rethreader", "clock_delay", c.ClockDelay); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("rethreader", "task_timeout", c.TaskTimeout); err != nil {
		return err
	}
	return validation.ValidateNonNegativeDuration("rethreader", "grace_period", c.GracePeriod)
}

// RateLimit returns a process-local Limiter admitting perSecond promotions
// with bursts of up to burst.
func RateLimit(perSecond float64, burst int) (Limiter, error) {
	if err := validation.ValidatePositiveFloat("rethreader", "rate", perSecond); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositive("rethreader", "burst", burst); err != nil {
		return nil, err
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst), nil
}
