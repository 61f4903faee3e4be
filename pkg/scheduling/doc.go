/*
Package scheduling groups the task execution packages.

  - rethreader: Dynamically growable task pool with an editable pending queue
  - scheduler: Time-based feeder that submits tasks to a rethreader engine

Engine:

	engine, err := rethreader.New(resize)
	if err != nil {
		return err
	}
	err = engine.Scope(ctx, func(r *rethreader.Rethreader) error {
		for _, path := range paths {
			if err := r.Add(rethreader.Call(path)); err != nil {
				return err
			}
		}
		return nil
	})

Feeder:

	sched, _ := scheduler.New(engine)
	sched.ScheduleCron("nightly", "0 2 * * *", rethreader.Call("/srv/uploads"))
	sched.Start()
	defer func() { <-sched.Stop() }()

Both are safe for concurrent use and stop through context or explicit
shutdown calls.
*/
package scheduling
