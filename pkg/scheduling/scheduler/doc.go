/*
Package scheduler feeds tasks into a rethreader engine on a timetable.

A rethreader engine runs whatever is in its pending queue as soon as a slot
frees up. The scheduler decides when tasks enter that queue: at a fixed time,
after a delay, on a repeating interval or on a cron expression. Execution,
concurrency limits and results stay with the engine.

Basic Usage:

	engine, _ := rethreader.New(fetch)
	_ = engine.Start()
	defer engine.Shutdown(context.Background())

	s, _ := scheduler.New(engine)
	_ = s.Start()
	defer func() { <-s.Stop() }()

	// One-time
	_ = s.ScheduleAfter("warmup", rethreader.Call("https://example.com"), 5*time.Second)

	// Every 30 seconds, starting on the next tick
	_ = s.ScheduleRepeating("poll", rethreader.Call("https://example.com/health"), 30*time.Second)

	// Weekdays at 9 AM
	_ = s.ScheduleCron("report", "0 9 * * MON-FRI", rethreader.Call("report"))

Cron expressions take five fields, or six with leading seconds, and the
descriptors understood by github.com/robfig/cron/v3 ("@hourly", "@every 1m").
They are evaluated in Config.Location.

Entries are identified by caller-chosen IDs. One-time entries are removed once
they fire; repeating and cron entries stay until canceled. When the engine
rejects a task, for example because its pending queue is full, the firing is
dropped, logged and reported through Config.OnError.

Stopping the scheduler keeps its entries, so a later Start resumes them.
*/
package scheduler
