package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/umbra-broker/internal/plugins"
	"github.com/ChuLiYu/umbra-broker/internal/transport"
	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEnv is an environment serving both the scenario and monitor services.
type fakeEnv struct {
	mu        sync.Mutex
	workflows []*transport.Workflow
	directrix []*transport.Directrix
	fail      string // deployment error returned when set
}

func (f *fakeEnv) Establish(ctx context.Context, wf *transport.Workflow) (*transport.Status, error) {
	f.mu.Lock()
	f.workflows = append(f.workflows, wf)
	fail := f.fail
	f.mu.Unlock()

	if wf.Action == plugins.ActionEnvironmentEvent {
		return &transport.Status{Info: types.MustEncodePayload(types.Payload{"event": wf.ID})}, nil
	}
	if fail != "" {
		return &transport.Status{Error: fail}, nil
	}
	// echo the deployed topology back as deployment info
	return &transport.Status{Info: wf.Scenario}, nil
}

func (f *fakeEnv) Measure(ctx context.Context, d *transport.Directrix) (*transport.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directrix = append(f.directrix, d)
	return &transport.Status{}, nil
}

func (f *fakeEnv) refuse(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = reason
}

func (f *fakeEnv) deployments() []*transport.Workflow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transport.Workflow
	for _, wf := range f.workflows {
		if wf.Action != plugins.ActionEnvironmentEvent {
			out = append(out, wf)
		}
	}
	return out
}

func (f *fakeEnv) measurements() []*transport.Directrix {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Directrix(nil), f.directrix...)
}

func serveEnv(t *testing.T, env *fakeEnv) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer()
	transport.RegisterScenarioServer(s, env)
	transport.RegisterMonitorServer(s, env)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	return lis.Addr().String()
}

// deadAddr returns a loopback address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

// experimentJSON builds an experiment with one host per environment.
func experimentJSON(t *testing.T, addrs map[string]string, events map[string]any) []byte {
	t.Helper()

	envs := map[string]any{}
	nodes := map[string]any{}
	for name, addr := range addrs {
		envs[name] = map[string]any{
			"address": addr,
			"components": map[string]any{
				"scenario": map[string]any{"address": addr},
				"monitor":  map[string]any{"address": addr},
			},
		}
		nodes["h-"+name] = map[string]any{"environment": name}
	}

	raw, err := json.Marshal(map[string]any{
		"id": "exp-1",
		"topology": map[string]any{
			"name":         "test",
			"model":        "scenario",
			"environments": envs,
			"nodes":        nodes,
		},
		"events": events,
	})
	require.NoError(t, err)
	return raw
}

type fakeRecorder struct {
	mu          sync.Mutex
	executions  map[string]int
	remoteCalls map[string]int
	iterations  int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{executions: map[string]int{}, remoteCalls: map[string]int{}}
}

func (r *fakeRecorder) RecordExecution(action string, failed bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[action]++
}

func (r *fakeRecorder) RecordRemoteCall(kind string, ack bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ack {
		r.remoteCalls[kind]++
	}
}

func (r *fakeRecorder) SetEventsRunning(n int) {}

func (r *fakeRecorder) ObserveIteration(uid string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterations++
}

type testbed struct {
	envs  map[string]*fakeEnv
	addrs map[string]string
	coord *Coordinator
}

func newTestbed(t *testing.T, names ...string) *testbed {
	t.Helper()

	tb := &testbed{envs: map[string]*fakeEnv{}, addrs: map[string]string{}}
	for _, name := range names {
		env := &fakeEnv{}
		tb.envs[name] = env
		tb.addrs[name] = serveEnv(t, env)
	}

	client := transport.NewClient(2 * time.Second)
	t.Cleanup(func() { client.Close() })

	tb.coord = NewCoordinator(Config{Address: "broker:8989", StopEventsOnStop: true}, client, WithLogger(discardLogger()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tb.coord.Close(ctx)
	})
	return tb
}

// ============================================================================
// 生命週期測試
// ============================================================================

func TestStartAllEnvironmentsAcknowledge(t *testing.T) {
	tb := newTestbed(t, "env1", "env2", "env3")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, nil)))

	info, errPayload, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Empty(t, errPayload)
	require.Len(t, info, 3)
	for name, env := range tb.envs {
		require.Contains(t, info, name)
		assert.Contains(t, hostNames(info[name]), "h-"+name)

		deployed := env.deployments()
		require.Len(t, deployed, 1)
		assert.Equal(t, "exp-1", deployed[0].ID)
		assert.Equal(t, "start", deployed[0].Action)

		measured := env.measurements()
		require.Len(t, measured, 1)
		assert.Equal(t, "start", measured[0].Action)
		assert.Equal(t, name, measured[0].Flush.Environment)
		assert.Equal(t, "broker:8989", measured[0].Flush.Address)
		assert.Equal(t, "h-"+name, measured[0].Sources[0].Parameters["targets"])
	}

	assert.Equal(t, StateRunning, tb.coord.Status().State)
}

func TestStartPartialDeploymentFailure(t *testing.T) {
	tb := newTestbed(t, "env1", "env2")
	tb.addrs["env3"] = deadAddr(t)
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, nil)))

	info, errPayload, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Empty(t, info)
	require.Len(t, errPayload, 3)
	assert.IsType(t, "", errPayload["env3"])
	assert.NotEmpty(t, errPayload["env3"])
	assert.IsType(t, types.Payload{}, errPayload["env1"])

	for _, env := range tb.envs {
		assert.Empty(t, env.measurements(), "no measurement after a failed deployment")
	}
	assert.Equal(t, StateLoaded, tb.coord.Status().State)
}

func TestStartRemoteReportedError(t *testing.T) {
	tb := newTestbed(t, "env1", "env2")
	tb.envs["env2"].refuse("not enough resources")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, nil)))

	info, errPayload, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Empty(t, info)
	assert.Equal(t, "not enough resources", errPayload["env2"])
	assert.Contains(t, errPayload, "env1")
}

func TestStopMirrorsStart(t *testing.T) {
	tb := newTestbed(t, "env1", "env2")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, nil)))

	_, _, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)

	info, errPayload, err := tb.coord.Stop(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Empty(t, errPayload)
	assert.Len(t, info, 2)

	for _, env := range tb.envs {
		deployed := env.deployments()
		require.Len(t, deployed, 2)
		assert.Equal(t, "stop", deployed[1].Action)

		measured := env.measurements()
		require.Len(t, measured, 2)
		assert.Equal(t, "stop", measured[1].Action)
		assert.Equal(t, "", measured[1].Sources[0].Parameters["targets"])
	}
	assert.Equal(t, StateLoaded, tb.coord.Status().State)
}

func TestStartStopRequireLoadedExperiment(t *testing.T) {
	coord := NewCoordinator(Config{Address: "broker:8989"}, transport.NewClient(time.Second), WithLogger(discardLogger()))

	_, _, err := coord.Start(context.Background(), "x")
	assert.True(t, errors.Is(err, ErrNotLoaded))
	_, _, err = coord.Stop(context.Background(), "x")
	assert.True(t, errors.Is(err, ErrNotLoaded))
	assert.Equal(t, StateUnloaded, coord.Status().State)
}

func TestLoadFailureLeavesUnloaded(t *testing.T) {
	tb := newTestbed(t, "env1")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, nil)))

	assert.False(t, tb.coord.Load([]byte(`{"id": "broken"`)))
	assert.Error(t, tb.coord.LoadError())

	st := tb.coord.Status()
	assert.Equal(t, StateUnloaded, st.State)
	assert.Empty(t, st.Experiment)
	assert.Empty(t, st.Environments)

	_, _, err := tb.coord.Start(context.Background(), "exp-1")
	assert.True(t, errors.Is(err, ErrNotLoaded))
}

// ============================================================================
// Execute 測試
// ============================================================================

func TestExecuteStart(t *testing.T) {
	tb := newTestbed(t, "env1", "env2", "env3")
	rec := newFakeRecorder()
	tb.coord = NewCoordinator(Config{Address: "broker:8989"}, transport.NewClient(2*time.Second),
		WithLogger(discardLogger()), WithRecorder(rec))

	report := tb.coord.Execute(context.Background(), Request{
		ID:       "exp-1",
		Action:   "start",
		Scenario: experimentJSON(t, tb.addrs, nil),
	})

	assert.Equal(t, "exp-1", report.ID)
	assert.False(t, report.Failed())
	assert.Len(t, report.Info, 3)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.executions["start"])
	assert.Equal(t, 3, rec.remoteCalls[kindDeploy])
	assert.Equal(t, 3, rec.remoteCalls[kindMeasure])
}

func TestExecuteUnknownAction(t *testing.T) {
	tb := newTestbed(t, "env1")

	report := tb.coord.Execute(context.Background(), Request{
		ID:       "exp-1",
		Action:   "teleport",
		Scenario: experimentJSON(t, tb.addrs, nil),
	})

	assert.True(t, report.Failed())
	assert.Empty(t, report.Info)
	assert.Equal(t, "Unknown action (teleport) to execute config", report.Error["Execution error"])
	assert.Empty(t, tb.envs["env1"].deployments(), "unknown actions never reach environments")
	assert.Equal(t, StateLoaded, tb.coord.Status().State)
}

func TestExecuteLoadFailure(t *testing.T) {
	tb := newTestbed(t, "env1")

	report := tb.coord.Execute(context.Background(), Request{ID: "bad", Action: "start", Scenario: []byte("{")})

	assert.True(t, report.Failed())
	assert.Empty(t, report.Info)
	assert.Contains(t, report.Error["Load error"], "scenario could not be parsed/loaded")
	assert.Empty(t, tb.envs["env1"].deployments())
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("start")
	require.NoError(t, err)
	assert.Equal(t, types.ActionStart, a)

	_, err = ParseAction("teleport")
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

// ============================================================================
// 背景事件測試
// ============================================================================

func TestStartSchedulesEventsInBackground(t *testing.T) {
	tb := newTestbed(t, "env1", "env2")
	events := map[string]any{
		"scenario": []any{
			map[string]any{"id": "1", "event": map[string]any{"target": "env1", "command": "update"}},
			map[string]any{"id": "2", "event": map[string]any{"target": "nowhere"}},
		},
	}
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, events)))

	_, errPayload, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Empty(t, errPayload)

	require.Eventually(t, func() bool {
		_, ok := tb.coord.EventResults()["scenario/1"]
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, types.Payload{"event": "1"}, tb.coord.EventResults()["scenario/1"])
	assert.NotContains(t, tb.coord.EventResults(), "scenario/2", "events with unknown targets are dropped")
}

func TestFailedDeploymentSchedulesNoEvents(t *testing.T) {
	tb := newTestbed(t, "env1")
	tb.envs["env1"].refuse("boom")
	events := map[string]any{
		"scenario": []any{map[string]any{"id": "1", "event": map[string]any{"target": "env1"}}},
	}
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, events)))

	_, errPayload, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	require.NotEmpty(t, errPayload)

	assert.Empty(t, tb.coord.Status().EventsRunning)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tb.coord.EventResults())
}

func longEvent() map[string]any {
	return map[string]any{
		"scenario": []any{map[string]any{
			"id":       "long",
			"event":    map[string]any{"target": "env1"},
			"schedule": map[string]any{"duration": 2, "repeat": 3, "interval": 1},
		}},
	}
}

func TestStopCancelsBackgroundEvents(t *testing.T) {
	tb := newTestbed(t, "env1")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, longEvent())))

	_, _, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"scenario/long"}, tb.coord.Status().EventsRunning)

	_, errPayload, err := tb.coord.Stop(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Empty(t, errPayload)

	assert.Empty(t, tb.coord.Status().EventsRunning)
}

func TestRefusedStopStillLeavesLoaded(t *testing.T) {
	tb := newTestbed(t, "env1", "env2")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, longEvent())))

	_, _, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Equal(t, StateRunning, tb.coord.Status().State)

	tb.envs["env2"].refuse("teardown refused")
	info, errPayload, err := tb.coord.Stop(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Empty(t, info)
	assert.Equal(t, "teardown refused", errPayload["env2"])
	assert.Len(t, errPayload, 2)

	st := tb.coord.Status()
	assert.Equal(t, StateLoaded, st.State)
	assert.Empty(t, st.EventsRunning)
	assert.Len(t, tb.envs["env1"].measurements(), 1, "no monitor stop after a refused teardown")
}

func TestFailedLoadCancelsRunningEvents(t *testing.T) {
	tb := newTestbed(t, "env1")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, longEvent())))

	_, _, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Equal(t, []string{"scenario/long"}, tb.coord.Status().EventsRunning)

	assert.False(t, tb.coord.Load([]byte("{not json")))

	st := tb.coord.Status()
	assert.Equal(t, StateUnloaded, st.State)
	assert.Empty(t, st.EventsRunning)
}

func TestStopKeepsEventsWhenConfigured(t *testing.T) {
	tb := newTestbed(t, "env1")
	tb.coord = NewCoordinator(Config{Address: "broker:8989", StopEventsOnStop: false},
		transport.NewClient(2*time.Second), WithLogger(discardLogger()))
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, longEvent())))

	_, _, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	_, _, err = tb.coord.Stop(context.Background(), "exp-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"scenario/long"}, tb.coord.Status().EventsRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tb.coord.Close(ctx))
	assert.Empty(t, tb.coord.Status().EventsRunning)
}

func TestSecondStartReplacesLingeringEvents(t *testing.T) {
	tb := newTestbed(t, "env1")
	require.True(t, tb.coord.Load(experimentJSON(t, tb.addrs, longEvent())))

	_, _, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	_, errPayload, err := tb.coord.Start(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Empty(t, errPayload)

	assert.Equal(t, []string{"scenario/long"}, tb.coord.Status().EventsRunning)
}

// ============================================================================
// Directrix 測試
// ============================================================================

func TestBuildDirectrix(t *testing.T) {
	info := types.Payload{"topology": map[string]any{"hosts": map[string]any{"b": nil, "a": nil}}}

	d := BuildDirectrix(types.ActionStart, "env1", info, "10.0.0.1:8989")
	assert.Equal(t, "start", d.Action)
	assert.Equal(t, transport.Flush{Live: true, Environment: "env1", Address: "10.0.0.1:8989"}, d.Flush)
	require.Len(t, d.Sources, 2)
	assert.Equal(t, 1, d.Sources[0].ID)
	assert.Equal(t, "container", d.Sources[0].Name)
	assert.Equal(t, map[string]string{"targets": "a,b", "duration": "3600", "interval": "5"}, d.Sources[0].Parameters)
	assert.Equal(t, 2, d.Sources[1].ID)
	assert.Equal(t, "host", d.Sources[1].Name)
	assert.Equal(t, map[string]string{"duration": "3600", "interval": "5"}, d.Sources[1].Parameters)

	stop := BuildDirectrix(types.ActionStop, "env1", info, "10.0.0.1:8989")
	assert.Equal(t, "", stop.Sources[0].Parameters["targets"])

	missing := BuildDirectrix(types.ActionStart, "env1", "connection refused", "x")
	assert.Equal(t, "", missing.Sources[0].Parameters["targets"])
}
