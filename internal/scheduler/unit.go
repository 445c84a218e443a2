// ============================================================================
// Scheduled call execution unit
// ============================================================================
//
// Every iteration of a scheduled call launches one unit: a goroutine running
// the call's Action under its own cancellable context. The iteration loop then
// either waits for the unit's natural completion or for the nominal duration.
//
//   ┌──────────────────────────────────────────┐
//   │ schedule(uid)                            │
//   │   for i < repeat:                        │
//   │     sleep(from | interval)               │
//   │     u := launch(action)  ──► goroutine   │
//   │     await(u, duration)                   │
//   │     collect(u)                           │
//   │     elapsed += observed + interval       │
//   │     elapsed >= until? break              │
//   └──────────────────────────────────────────┘
//
// A unit still running when its duration elapses is not cancelled. It keeps
// running until it returns or the whole call is cancelled, and its result is
// discarded.
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// unit is one running invocation of an Action.
type unit struct {
	cancel context.CancelFunc
	done   chan struct{}
	value  any
	err    error
}

// launch starts action in its own goroutine.
func (h *Handler) launch(ctx context.Context, action Action) *unit {
	uctx, cancel := context.WithCancel(ctx)
	u := &unit{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(u.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				u.err = fmt.Errorf("action panicked: %v", r)
			}
		}()
		u.value, u.err = action(uctx)
	}()

	return u
}

// abort cancels u and waits until it has observed the cancellation.
func (u *unit) abort() {
	u.cancel()
	<-u.done
}

// finished reports whether u has returned.
func (u *unit) finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// sleep blocks for d or until ctx is cancelled.
func (h *Handler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := h.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits on u according to duration and returns the observed duration.
// With a positive duration the wait always lasts exactly that long. Otherwise
// it lasts until u returns and the wall-clock time is measured.
func (h *Handler) await(ctx context.Context, u *unit, duration time.Duration) (time.Duration, error) {
	if duration > 0 {
		if err := h.sleep(ctx, duration); err != nil {
			u.abort()
			return 0, err
		}
		return duration, nil
	}

	start := h.clock.Now()
	select {
	case <-u.done:
		return h.clock.Since(start), nil
	case <-ctx.Done():
		u.abort()
		return 0, ctx.Err()
	}
}

// collect extracts the unit's value. ok is false when the unit is still
// running past its duration.
func (h *Handler) collect(uid string, u *unit) (value any, ok bool, err error) {
	if !u.finished() {
		h.logger.Warn("Call outlived its duration, result discarded", "uid", uid)
		return nil, false, nil
	}
	if u.err != nil {
		return nil, false, u.err
	}
	return u.value, true, nil
}

// schedule runs one call to completion following its timing descriptor and
// returns the last value produced. Earlier iteration values are discarded.
func (h *Handler) schedule(ctx context.Context, uid string, call Call) (any, error) {
	sched := call.Schedule
	begin := sched.FromDelay()
	interval := sched.IntervalDelay()
	duration := sched.DurationWait()
	until := sched.UntilBudget()

	h.logger.Debug("Scheduling call", "uid", uid, "schedule", sched)

	var (
		last    any
		elapsed time.Duration
	)

	for i := 0; i < sched.Iterations(); i++ {
		if err := h.sleep(ctx, begin); err != nil {
			return nil, err
		}
		begin = interval

		u := h.launch(ctx, call.Action)
		observed, err := h.await(ctx, u, duration)
		if err != nil {
			h.logger.Debug("Call cancelled", "uid", uid, "iteration", i)
			return nil, err
		}

		value, ok, err := h.collect(uid, u)
		h.observer.ObserveIteration(uid, observed, err)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("call %s iteration %d: %w", uid, i, err)
		}
		if ok && value != nil {
			last = value
		}

		elapsed += observed + interval
		if until > 0 && elapsed >= until {
			h.logger.Debug("Call reached its until budget", "uid", uid, "elapsed", elapsed)
			break
		}
	}

	return last, nil
}
