package rethreader

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controls how Retry re-invokes a failing target.
type RetryPolicy struct {
	// MaxTries caps the number of invocations, including the first.
	// Zero means no cap other than MaxElapsedTime.
	MaxTries uint

	// InitialInterval is the first delay. Zero uses the backoff default.
	InitialInterval time.Duration

	// MaxInterval caps any single delay. Zero uses the backoff default.
	MaxInterval time.Duration

	// MaxElapsedTime bounds the total time spent retrying.
	// Zero uses backoff.DefaultMaxElapsedTime.
	MaxElapsedTime time.Duration

	// Permanent, if set, marks errors that must not be retried.
	Permanent func(err error) bool

	// OnRetry is called before each delay.
	OnRetry func(err error, next time.Duration)
}

// Retry wraps target so that a failing call is retried with exponential
// backoff inside the same task. Retries stop when the task's context ends.
func Retry(target Target, policy RetryPolicy) Target {
	return func(ctx context.Context, args []any, kwargs Kwargs) (any, error) {
		b := backoff.NewExponentialBackOff()
		if policy.InitialInterval > 0 {
			b.InitialInterval = policy.InitialInterval
		}
		if policy.MaxInterval > 0 {
			b.MaxInterval = policy.MaxInterval
		}

		opts := []backoff.RetryOption{backoff.WithBackOff(b)}
		if policy.MaxTries > 0 {
			opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
		}
		if policy.MaxElapsedTime > 0 {
			opts = append(opts, backoff.WithMaxElapsedTime(policy.MaxElapsedTime))
		}
		if policy.OnRetry != nil {
			opts = append(opts, backoff.WithNotify(policy.OnRetry))
		}

		value, err := backoff.Retry(ctx, func() (any, error) {
			v, err := target(ctx, args, kwargs)
			if err != nil && policy.Permanent != nil && policy.Permanent(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		}, opts...)

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return value, err
	}
}
