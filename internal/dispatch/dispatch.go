// Package dispatch fans a request out to many named targets in parallel and
// gathers per-target acknowledgements.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// Call performs one remote call against addr for the named target and
// reduces the outcome to an acknowledgement plus info.
type Call func(ctx context.Context, name, addr string) (bool, any)

// Dispatcher runs Calls concurrently, optionally bounded.
type Dispatcher struct {
	limit int
}

// New creates a Dispatcher. A limit <= 0 means unbounded.
func New(limit int) *Dispatcher {
	return &Dispatcher{limit: limit}
}

// Dispatch invokes call once per target and waits for all of them.
// Every target appears in both returned maps; nothing is dropped on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, targets map[string]string, call Call) (types.AckMap, map[string]any) {
	acks := make(types.AckMap, len(targets))
	infos := make(map[string]any, len(targets))
	if len(targets) == 0 {
		return acks, infos
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}

	for _, name := range names(targets) {
		name, addr := name, targets[name]
		g.Go(func() error {
			ack, info := safeCall(gctx, call, name, addr)
			mu.Lock()
			acks[name] = ack
			infos[name] = info
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return acks, infos
}

// safeCall runs call, reducing a panic to a nack carrying the panic text.
func safeCall(ctx context.Context, call Call, name, addr string) (ack bool, info any) {
	defer func() {
		if r := recover(); r != nil {
			ack, info = false, fmt.Sprintf("call panicked: %v", r)
		}
	}()
	return call(ctx, name, addr)
}

func names(targets map[string]string) []string {
	out := make([]string, 0, len(targets))
	for name := range targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
