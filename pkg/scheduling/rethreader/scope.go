package rethreader

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	rtcontext "github.com/vnykmshr/rethreader/pkg/common/context"
	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
)

// Scope starts the loop with auto-quit disabled, runs fn, then enables
// auto-quit and waits for the queue to drain or ctx to end. fn may add tasks
// freely without the loop stopping early. If ctx ends first the engine is
// left running and the context error is returned alongside fn's.
func (r *Rethreader) Scope(ctx context.Context, fn func(*Rethreader) error) error {
	r.SetAutoQuit(false)
	if err := r.Start(); err != nil && !errors.Is(err, rterrors.ErrAlreadyRunning) {
		return err
	}

	fnErr := func() error {
		defer r.SetAutoQuit(true)
		return fn(r)
	}()

	return errors.Join(fnErr, r.Wait(ctx))
}

// Wait blocks until the control loop stops or ctx is done. It returns nil at
// once if the loop was never started.
func (r *Rethreader) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.loopDone
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	return waitFor(ctx, "wait", done)
}

// Shutdown quits the engine and waits for the loop and every abandoned task
// to return. Tasks must honor their context for this to finish; the wait is
// bounded by ctx and, if set, Config.GracePeriod.
func (r *Rethreader) Shutdown(ctx context.Context) error {
	r.Quit()

	r.mu.Lock()
	loopDone := r.loopDone
	workers := append([]*Worker(nil), r.abandoned...)
	r.mu.Unlock()

	waitCtx, cancel := rtcontext.WithOptionalTimeout(ctx, r.cfg.GracePeriod)
	defer cancel()

	g, gctx := errgroup.WithContext(waitCtx)
	if loopDone != nil {
		g.Go(func() error { return waitFor(gctx, "shutdown", loopDone) })
	}
	for _, w := range workers {
		g.Go(func() error { return waitFor(gctx, "shutdown", w.Done()) })
	}
	return g.Wait()
}

func waitFor(ctx context.Context, op string, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cause := ctx.Err()
		if rtcontext.IsTimedOut(ctx) {
			cause = fmt.Errorf("%w: %w", rterrors.ErrTimeout, ctx.Err())
		}
		return rterrors.NewOperationError("rethreader", op, cause)
	}
}
