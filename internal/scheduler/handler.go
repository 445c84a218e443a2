// ============================================================================
// Scheduled-Call Engine
// ============================================================================
//
// Handler executes named calls according to their timing descriptors, in one
// of two modes:
//
//   Run(calls)   blocking: every call runs concurrently, Run returns once all
//                of them finished, with the last value produced per uid.
//   Start(calls) detached: every call becomes a background task whose handle
//                is kept in the Registry until Stop(uids) cancels it.
//
// Both modes share the same per-call loop (see unit.go). Failures are isolated
// per uid: an action error ends that call only.
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Handler is the scheduled-call engine.
type Handler struct {
	clock    clockwork.Clock
	logger   *slog.Logger
	observer Observer
	tasks    *Registry
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the clock used for every timed wait.
func WithClock(c clockwork.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithObserver sets the per-iteration observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

// NewHandler creates a Handler with a real clock.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		observer: nopObserver{},
		tasks:    NewRegistry(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "scheduler")
	return h
}

// Run executes every call concurrently and waits for all of them. The result
// map holds the last value per uid, nil when the call produced none. Calls
// that failed or were cancelled are absent.
func (h *Handler) Run(ctx context.Context, calls map[string]Call) map[string]any {
	results := make(map[string]any, len(calls))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for uid, call := range calls {
		if call.Action == nil {
			h.logger.Error("Call has no action", "uid", uid)
			continue
		}

		wg.Add(1)
		go func(uid string, call Call) {
			defer wg.Done()

			value, err := h.schedule(ctx, uid, call)
			if err != nil {
				h.logger.Warn("Could not run call", "uid", uid, "error", err)
				return
			}

			mu.Lock()
			results[uid] = value
			mu.Unlock()
		}(uid, call)
	}

	wg.Wait()
	return results
}

// Start launches every call as a detached task and returns immediately with
// a launch status per uid. The tasks do not inherit ctx cancellation.
func (h *Handler) Start(ctx context.Context, calls map[string]Call) map[string]string {
	base := context.WithoutCancel(ctx)
	statuses := make(map[string]string, len(calls))

	for uid, call := range calls {
		if call.Action == nil {
			h.logger.Error("Call has no action", "uid", uid)
			statuses[uid] = StatusError
			continue
		}

		tctx, cancel := context.WithCancel(base)
		t := &task{uid: uid, cancel: cancel, done: make(chan struct{})}
		if !h.tasks.put(t) {
			cancel()
			h.logger.Warn("Call already running", "uid", uid)
			statuses[uid] = StatusError
			continue
		}

		go func(call Call) {
			defer close(t.done)
			defer cancel()
			t.result, t.err = h.schedule(tctx, uid, call)
		}(call)

		h.logger.Debug("Started task", "uid", uid)
		statuses[uid] = StatusOK
	}

	return statuses
}

// Stop cancels the tasks of the given uids and waits for them to exit. Uids
// without a handle are skipped and absent from the result. A task reports
// "error" when it ended with a failure other than cancellation, or when ctx
// expired before it exited.
func (h *Handler) Stop(ctx context.Context, uids []string) map[string]string {
	stopping := make([]*task, 0, len(uids))
	for _, uid := range uids {
		t, ok := h.tasks.get(uid)
		if !ok {
			continue
		}
		h.logger.Debug("Stopping task", "uid", uid)
		t.cancel()
		stopping = append(stopping, t)
	}

	statuses := make(map[string]string, len(stopping))
	for _, t := range stopping {
		select {
		case <-t.done:
		case <-ctx.Done():
			statuses[t.uid] = StatusError
			continue
		}

		h.tasks.remove(t.uid, t)
		if t.err != nil && !errors.Is(t.err, context.Canceled) {
			h.logger.Warn("Task ended with error", "uid", t.uid, "error", t.err)
			statuses[t.uid] = StatusError
			continue
		}
		statuses[t.uid] = StatusOK
	}

	return statuses
}

// Wait blocks until the tasks of the given uids have exited, or ctx ends,
// and returns the last value of every task that completed without error.
func (h *Handler) Wait(ctx context.Context, uids []string) map[string]any {
	return h.Join(uids)(ctx)
}

// Join binds to the tasks currently holding uids and returns a function that
// waits for exactly those tasks, even if the uids are started again later.
func (h *Handler) Join(uids []string) func(ctx context.Context) map[string]any {
	joined := make([]*task, 0, len(uids))
	for _, uid := range uids {
		if t, ok := h.tasks.get(uid); ok {
			joined = append(joined, t)
		}
	}

	return func(ctx context.Context) map[string]any {
		results := make(map[string]any, len(joined))
		for _, t := range joined {
			select {
			case <-t.done:
			case <-ctx.Done():
				return results
			}
			if t.err == nil {
				results[t.uid] = t.result
			}
		}
		return results
	}
}

// Running returns the uids of detached tasks that are still executing.
func (h *Handler) Running() []string {
	return h.tasks.Running()
}
