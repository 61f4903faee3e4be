package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
	"github.com/vnykmshr/rethreader/pkg/common/validation"
)

// Seconds are optional, so both "*/5 * * * *" and "0 */5 * * * *" parse.
// Descriptors such as "@hourly" and "@every 30s" are accepted.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression.
// Examples:
//
//	"0 */2 * * *"     - Every 2 hours
//	"30 14 * * 1-5"   - 2:30 PM on weekdays
//	"*/10 * * * * *"  - Every 10 seconds
//	"@daily"          - Every day at midnight
//	"@every 1m30s"    - Every 90 seconds
func ParseCron(expr string) (cron.Schedule, error) {
	if err := validation.ValidateNotEmpty("scheduler", "cron", expr); err != nil {
		return nil, err
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, rterrors.NewValidationError("scheduler", "cron", expr, err.Error()).
			WithHint("use 5 or 6 fields or a descriptor such as @hourly")
	}
	return schedule, nil
}

// ValidateCronExpression validates a cron expression without scheduling it.
func ValidateCronExpression(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// NextRuns returns the next n activation times of expr after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidatePositive("scheduler", "count", n); err != nil {
		return nil, err
	}

	runs := make([]time.Time, 0, n)
	next := from
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		runs = append(runs, next)
	}
	return runs, nil
}
