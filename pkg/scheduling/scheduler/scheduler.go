package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
	"github.com/vnykmshr/rethreader/pkg/common/validation"
	"github.com/vnykmshr/rethreader/pkg/metrics"
	"github.com/vnykmshr/rethreader/pkg/scheduling/rethreader"
)

const (
	// DefaultTickInterval is how often the scheduler checks for due entries.
	DefaultTickInterval = 50 * time.Millisecond

	// DefaultMaxEntries caps the number of scheduled entries.
	DefaultMaxEntries = 10000

	maxIDLength = 255
)

// Submitter receives tasks when their time comes. *rethreader.Rethreader
// satisfies it.
type Submitter interface {
	Add(task rethreader.Task) error
}

// Entry describes one scheduled task.
type Entry struct {
	ID       string
	Task     rethreader.Task
	RunAt    time.Time
	Interval time.Duration // Zero for one-time and cron entries
	Cron     string        // Empty unless scheduled with ScheduleCron
	Created  time.Time
	Fired    int64
}

// Scheduler feeds tasks into a Submitter at a time, after a delay, on an
// interval or on a cron expression.
type Scheduler interface {
	// Basic scheduling
	Schedule(id string, task rethreader.Task, runAt time.Time) error
	ScheduleAfter(id string, task rethreader.Task, delay time.Duration) error
	ScheduleRepeating(id string, task rethreader.Task, interval time.Duration) error

	// Cron scheduling
	ScheduleCron(id string, cronExpr string, task rethreader.Task) error

	// Entry management
	Cancel(id string) bool
	CancelAll()
	List() []Entry
	Next(id string) (time.Time, bool)

	// Lifecycle
	Start() error
	Stop() <-chan struct{}

	metrics.Instrumentable
}

// Config holds scheduler configuration.
type Config struct {
	// Engine receives due tasks. Required.
	Engine Submitter

	// Name labels logs and metrics. Defaults to "scheduler".
	Name string

	// Location is used to evaluate cron expressions. Defaults to time.Local.
	Location *time.Location

	// TickInterval is how often to check for due entries.
	TickInterval time.Duration

	// MaxEntries caps the number of scheduled entries.
	MaxEntries int

	// Logger receives submission failures and recovered panics.
	Logger *zap.Logger

	// Metrics configures Prometheus instrumentation.
	Metrics metrics.Config

	// OnError is called when the engine rejects a due task.
	OnError func(id string, err error)
}

type scheduledEntry struct {
	id           string
	task         rethreader.Task
	runAt        time.Time
	interval     time.Duration
	cronExpr     string
	cronSchedule cron.Schedule
	created      time.Time
	fired        int64
}

type scheduler struct {
	engine       Submitter
	name         string
	location     *time.Location
	tickInterval time.Duration
	maxEntries   int
	logger       *zap.Logger
	onError      func(id string, err error)

	metricsMu sync.RWMutex
	registry  *metrics.Registry
	metricsOn bool

	mu      sync.RWMutex
	entries map[string]*scheduledEntry
	done    chan struct{}
	stopped chan struct{}
	running bool
}

// New creates a scheduler feeding engine with default configuration.
func New(engine Submitter) (Scheduler, error) {
	return NewWithConfig(Config{Engine: engine})
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(cfg Config) (Scheduler, error) {
	if cfg.Engine == nil {
		return nil, validation.ValidateNotNil("scheduler", "engine", nil)
	}
	if err := validation.ValidateNonNegativeDuration("scheduler", "tick_interval", cfg.TickInterval); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonNegativeInt("scheduler", "max_entries", cfg.MaxEntries); err != nil {
		return nil, err
	}

	s := &scheduler{
		engine:       cfg.Engine,
		name:         cfg.Name,
		location:     cfg.Location,
		tickInterval: cfg.TickInterval,
		maxEntries:   cfg.MaxEntries,
		onError:      cfg.OnError,
		entries:      make(map[string]*scheduledEntry),
	}
	if s.name == "" {
		s.name = "scheduler"
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.tickInterval == 0 {
		s.tickInterval = DefaultTickInterval
	}
	if s.maxEntries == 0 {
		s.maxEntries = DefaultMaxEntries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger.Named("scheduler").With(zap.String("scheduler", s.name))

	if cfg.Metrics.Enabled {
		s.registry = metrics.NewRegistryFromConfig(cfg.Metrics)
		s.metricsOn = true
	}
	return s, nil
}

func validateID(id string) error {
	if err := validation.ValidateNotEmpty("scheduler", "id", id); err != nil {
		return err
	}
	if len(id) > maxIDLength {
		return rterrors.NewValidationError("scheduler", "id", id, fmt.Sprintf("longer than %d characters", maxIDLength))
	}
	return nil
}

// addLocked registers e unless its id is taken or the scheduler is full.
func (s *scheduler) addLocked(e *scheduledEntry) error {
	if _, exists := s.entries[e.id]; exists {
		return rterrors.NewOperationError("scheduler", "schedule", fmt.Errorf("entry %q already exists", e.id)).
			WithContext("cancel the existing entry first")
	}
	if len(s.entries) >= s.maxEntries {
		return rterrors.NewOperationError("scheduler", "schedule", rterrors.ErrCapacityExceeded).
			WithContext(fmt.Sprintf("max_entries=%d", s.maxEntries))
	}
	e.created = time.Now()
	s.entries[e.id] = e
	s.setEntriesGauge(len(s.entries))
	return nil
}

func (s *scheduler) Schedule(id string, task rethreader.Task, runAt time.Time) error {
	if err := validateID(id); err != nil {
		return err
	}
	if runAt.IsZero() {
		return rterrors.NewValidationError("scheduler", "run_at", runAt, "cannot be zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&scheduledEntry{id: id, task: task, runAt: runAt})
}

func (s *scheduler) ScheduleAfter(id string, task rethreader.Task, delay time.Duration) error {
	if err := validation.ValidateNonNegativeDuration("scheduler", "delay", delay); err != nil {
		return err
	}
	return s.Schedule(id, task, time.Now().Add(delay))
}

// ScheduleRepeating fires task on the next tick and then every interval.
func (s *scheduler) ScheduleRepeating(id string, task rethreader.Task, interval time.Duration) error {
	if err := validateID(id); err != nil {
		return err
	}
	if interval <= 0 {
		return rterrors.NewValidationError("scheduler", "interval", interval, "must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&scheduledEntry{id: id, task: task, runAt: time.Now(), interval: interval})
}

func (s *scheduler) ScheduleCron(id string, cronExpr string, task rethreader.Task) error {
	if err := validateID(id); err != nil {
		return err
	}
	schedule, err := ParseCron(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&scheduledEntry{
		id:           id,
		task:         task,
		runAt:        schedule.Next(time.Now().In(s.location)),
		cronExpr:     cronExpr,
		cronSchedule: schedule,
	})
}

func (s *scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		delete(s.entries, id)
		s.setEntriesGauge(len(s.entries))
		return true
	}
	return false
}

func (s *scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*scheduledEntry)
	s.setEntriesGauge(0)
}

func (s *scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e.snapshot())
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RunAt.Equal(entries[j].RunAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].RunAt.Before(entries[j].RunAt)
	})
	return entries
}

func (s *scheduler) Next(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.runAt, true
}

func (e *scheduledEntry) snapshot() Entry {
	return Entry{
		ID:       e.id,
		Task:     e.task,
		RunAt:    e.runAt,
		Interval: e.interval,
		Cron:     e.cronExpr,
		Created:  e.created,
		Fired:    e.fired,
	}
}

func (s *scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return rterrors.NewOperationError("scheduler", "start", rterrors.ErrAlreadyRunning).
			WithContext("call Stop first")
	}

	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.run(s.done, s.stopped)
	return nil
}

// Stop halts the scheduler. The returned channel closes once the run loop
// has exited. Entries are kept, so Start resumes them.
func (s *scheduler) Stop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	s.running = false
	close(s.done)
	return s.stopped
}

func (s *scheduler) run(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("recovered panic while feeding tasks",
							zap.Any("panic", r),
							zap.Stack("stack"))
					}
				}()
				s.processReadyEntries(time.Now())
			}()
		}
	}
}

type dueTask struct {
	id   string
	task rethreader.Task
}

func (s *scheduler) processReadyEntries(now time.Time) {
	s.mu.Lock()
	if len(s.entries) == 0 {
		s.mu.Unlock()
		return
	}

	due := make([]dueTask, 0, len(s.entries))
	for id, e := range s.entries {
		if now.Before(e.runAt) {
			continue
		}
		due = append(due, dueTask{id: id, task: e.task})
		e.fired++

		switch {
		case e.interval > 0:
			e.runAt = now.Add(e.interval)
		case e.cronSchedule != nil:
			e.runAt = e.cronSchedule.Next(now.In(s.location))
		default:
			delete(s.entries, id)
		}
	}
	s.setEntriesGauge(len(s.entries))
	s.mu.Unlock()

	// Submit outside the lock; the engine may block on its own mutex.
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	for _, d := range due {
		if err := s.engine.Add(d.task); err != nil {
			s.recordDropped()
			s.logger.Warn("engine rejected scheduled task",
				zap.String("id", d.id),
				zap.Stringer("task", d.task),
				zap.Error(err))
			if s.onError != nil {
				s.onError(d.id, err)
			}
			continue
		}
		s.recordFired()
	}
}
