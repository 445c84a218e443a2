package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

func TestDispatchAllAcknowledged(t *testing.T) {
	d := New(0)
	targets := map[string]string{"env1": "a:1", "env2": "b:2"}

	acks, infos := d.Dispatch(context.Background(), targets, func(ctx context.Context, name, addr string) (bool, any) {
		return true, types.Payload{"addr": addr}
	})

	assert.Equal(t, types.AckMap{"env1": true, "env2": true}, acks)
	assert.True(t, acks.All())
	assert.Equal(t, types.Payload{"addr": "a:1"}, infos["env1"])
	assert.Equal(t, types.Payload{"addr": "b:2"}, infos["env2"])
}

func TestDispatchKeepsPartialFailures(t *testing.T) {
	d := New(0)
	targets := map[string]string{"env1": "a:1", "env2": "b:2", "env3": "c:3"}

	acks, infos := d.Dispatch(context.Background(), targets, func(ctx context.Context, name, addr string) (bool, any) {
		if name == "env2" {
			return false, "connection refused"
		}
		return true, types.Payload{}
	})

	assert.Len(t, acks, 3)
	assert.False(t, acks["env2"])
	assert.False(t, acks.All())
	assert.Equal(t, "connection refused", infos["env2"])
	assert.True(t, acks["env1"])
	assert.True(t, acks["env3"])
}

func TestDispatchRecoversPanickingCall(t *testing.T) {
	d := New(0)
	targets := map[string]string{"env1": "a:1", "env2": "b:2"}

	acks, infos := d.Dispatch(context.Background(), targets, func(ctx context.Context, name, addr string) (bool, any) {
		if name == "env1" {
			panic("nil topology")
		}
		return true, types.Payload{}
	})

	assert.Equal(t, types.AckMap{"env1": false, "env2": true}, acks)
	assert.Equal(t, "call panicked: nil topology", infos["env1"])
	assert.Equal(t, types.Payload{}, infos["env2"])
}

func TestDispatchRunsConcurrently(t *testing.T) {
	d := New(0)
	targets := map[string]string{"a": "", "b": "", "c": "", "d": ""}

	start := time.Now()
	d.Dispatch(context.Background(), targets, func(ctx context.Context, name, addr string) (bool, any) {
		time.Sleep(100 * time.Millisecond)
		return true, nil
	})
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestDispatchRespectsLimit(t *testing.T) {
	d := New(2)
	targets := map[string]string{"a": "", "b": "", "c": "", "d": "", "e": ""}

	var inflight, peak int32
	acks, _ := d.Dispatch(context.Background(), targets, func(ctx context.Context, name, addr string) (bool, any) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return true, nil
	})

	assert.Len(t, acks, 5)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestDispatchNoTargets(t *testing.T) {
	acks, infos := New(0).Dispatch(context.Background(), nil, func(ctx context.Context, name, addr string) (bool, any) {
		t.Fatal("call must not run")
		return false, nil
	})
	assert.Empty(t, acks)
	assert.Empty(t, infos)
}
