package rethreader

import "time"

// State tags an Outcome.
type State int

const (
	// Pending means the task has not produced a result yet.
	Pending State = iota
	// Done means the target returned without error. Value may be nil.
	Done
	// Failed means the target returned an error or panicked.
	Failed
	// Canceled means the task was stopped and returned its context's error.
	Canceled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome is the result slot of one task.
type Outcome struct {
	// Task is the descriptor that produced this outcome.
	Task Task

	// State tells which of Value and Err is meaningful.
	State State

	// Value is what the target returned when State is Done.
	Value any

	// Err is the error or recovered panic when State is Failed or Canceled.
	Err error

	// Duration is how long the target ran.
	Duration time.Duration
}

// OK reports whether the task finished successfully.
func (o Outcome) OK() bool { return o.State == Done }

// Seq returns the sequence id of the task that produced o.
func (o Outcome) Seq() int64 { return o.Task.seq }
