package scheduler

import (
	"context"
	"time"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// Action is one zero-argument asynchronous unit of work. It must return
// promptly once ctx is cancelled.
type Action func(ctx context.Context) (any, error)

// Call is an action governed by a timing descriptor.
type Call struct {
	Action   Action
	Schedule types.Schedule
}

// Launch statuses reported by Start and Stop.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Observer receives one notification per finished iteration.
type Observer interface {
	ObserveIteration(uid string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveIteration(string, time.Duration, error) {}
