// Property-based tests for the per-call iteration loop.
package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// expectedIterations mirrors the loop: iteration k ends with an accumulated
// cost of k*cost and the loop stops once that reaches until.
func expectedIterations(repeat, until, cost int) int {
	if repeat <= 0 {
		repeat = 1
	}
	if until <= 0 {
		return repeat
	}
	k := (until + cost - 1) / cost
	if k < 1 {
		k = 1
	}
	if k > repeat {
		return repeat
	}
	return k
}

func TestIterationCountProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		durationMs := rapid.IntRange(1, 3).Draw(rt, "duration_ms")
		intervalMs := rapid.IntRange(0, 2).Draw(rt, "interval_ms")
		repeat := rapid.IntRange(0, 5).Draw(rt, "repeat")
		untilMs := rapid.IntRange(0, 20).Draw(rt, "until_ms")

		sched := types.Schedule{
			Duration: float64(durationMs) / 1000,
			Interval: float64(intervalMs) / 1000,
			Repeat:   repeat,
			Until:    float64(untilMs) / 1000,
		}
		var n atomic.Int64
		h := NewHandler()

		h.Run(context.Background(), map[string]Call{
			"p": {Action: func(ctx context.Context) (any, error) { n.Add(1); return nil, nil }, Schedule: sched},
		})

		want := int64(expectedIterations(repeat, untilMs, durationMs+intervalMs))
		deadline := time.Now().Add(time.Second)
		for n.Load() != want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if got := n.Load(); got != want {
			rt.Fatalf("iterations = %d, want %d (schedule %+v)", got, want, sched)
		}
	})
}

func TestRepeatZeroEquivalentToOneProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		until := rapid.Float64Range(0, 1).Draw(rt, "until")
		var zero, one atomic.Int64
		h := NewHandler()

		h.Run(context.Background(), map[string]Call{
			"zero": {Action: func(ctx context.Context) (any, error) { zero.Add(1); return nil, nil }, Schedule: types.Schedule{Repeat: 0, Until: until}},
			"one":  {Action: func(ctx context.Context) (any, error) { one.Add(1); return nil, nil }, Schedule: types.Schedule{Repeat: 1, Until: until}},
		})

		if zero.Load() != 1 || one.Load() != 1 {
			rt.Fatalf("repeat=0 ran %d times, repeat=1 ran %d times", zero.Load(), one.Load())
		}
	})
}
