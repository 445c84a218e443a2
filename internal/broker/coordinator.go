// ============================================================================
// Umbra Broker 協調器 - 實驗生命週期
// ============================================================================
//
// Package: internal/broker
// 功能: 載入實驗、部署到各 environment、啟停量測、排程領域事件
//
// 狀態機:
//   Unloaded --Load(ok)--> Loaded
//   Loaded   --Start(all acks)--> Running   背景事件開始執行
//   Loaded   --Start(any nack)--> Loaded    不排程事件
//   Running/Loaded --Stop--> Loaded
//
// 部署與量測:
//   兩者都經由 dispatch.Dispatcher 對所有 environment 併發呼叫，
//   每個 environment 的 ack/info 原樣保留在回傳的 map 中。
//
// 背景事件:
//   Start 成功後，依實驗的執行模型設定 plugins，將事件交給
//   scheduler.Handler.Start 並立即返回；一個 watcher goroutine 等待
//   該批事件結束並記錄結果。事件失敗只寫入日誌與指標。
//
// 並發安全:
//   - execMu 串行化 Execute/Start/Stop
//   - mu 保護 state/experiment/batch/results，Status 不會被長時間的部署阻塞
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/umbra-broker/internal/dispatch"
	"github.com/ChuLiYu/umbra-broker/internal/experiment"
	"github.com/ChuLiYu/umbra-broker/internal/plugins"
	"github.com/ChuLiYu/umbra-broker/internal/scheduler"
	"github.com/ChuLiYu/umbra-broker/internal/transport"
	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotLoaded     = errors.New("no experiment loaded")
	ErrUnknownAction = errors.New("unknown action")
)

// State is the lifecycle state of the loaded experiment.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateRunning  State = "running"
)

// Remote kinds recorded in metrics.
const (
	kindDeploy  = "deploy"
	kindMeasure = "measure"
)

// ParseAction validates a requested lifecycle action.
func ParseAction(s string) (types.Action, error) {
	switch a := types.Action(s); a {
	case types.ActionStart, types.ActionStop:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Remote reaches the scenario and monitor services of environments.
type Remote interface {
	Establish(ctx context.Context, addr string, req *transport.Workflow) (*transport.Status, error)
	Measure(ctx context.Context, addr string, req *transport.Directrix) (*transport.Status, error)
}

// Recorder receives coordinator metrics.
type Recorder interface {
	RecordExecution(action string, failed bool, elapsed time.Duration)
	RecordRemoteCall(kind string, ack bool)
	SetEventsRunning(n int)
	scheduler.Observer
}

type nopRecorder struct{}

func (nopRecorder) RecordExecution(string, bool, time.Duration)   {}
func (nopRecorder) RecordRemoteCall(string, bool)                 {}
func (nopRecorder) SetEventsRunning(int)                          {}
func (nopRecorder) ObserveIteration(string, time.Duration, error) {}

// Config Coordinator 配置
type Config struct {
	Address          string // broker address handed to monitors as flush target
	MaxConcurrency   int    // fan-out bound, 0 = unbounded
	StopEventsOnStop bool   // Stop cancels the background events of the last Start
}

// Request is one execution request.
type Request struct {
	ID       string
	Action   string
	Scenario []byte
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State         State    `json:"state"`
	Experiment    string   `json:"experiment,omitempty"`
	Environments  []string `json:"environments"`
	EventsRunning []string `json:"events_running"`
}

// eventBatch is the set of events scheduled by one Start.
type eventBatch struct {
	uids []string
}

// Coordinator 實驗協調器
type Coordinator struct {
	cfg        Config
	remote     Remote
	dispatcher *dispatch.Dispatcher
	events     *scheduler.Handler
	catalog    plugins.Catalog
	recorder   Recorder
	base       *slog.Logger // handed to plugins and the scheduler
	logger     *slog.Logger

	execMu sync.Mutex // serializes lifecycle operations

	mu         sync.Mutex
	state      State
	experiment *experiment.Experiment
	loadErr    error
	batch      *eventBatch
	results    map[string]any

	watchers sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithCatalog sets the plugins available to experiments.
func WithCatalog(cat plugins.Catalog) Option {
	return func(c *Coordinator) { c.catalog = cat }
}

// WithRecorder sets the metrics recorder. It also observes event iterations.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// NewCoordinator 建立新的 Coordinator 實例
func NewCoordinator(cfg Config, remote Remote, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		remote:   remote,
		recorder: nopRecorder{},
		logger:   slog.Default(),
		state:    StateUnloaded,
		results:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.base = c.logger
	c.logger = c.base.With("component", "broker")
	c.dispatcher = dispatch.New(cfg.MaxConcurrency)
	c.events = scheduler.NewHandler(
		scheduler.WithLogger(c.base),
		scheduler.WithObserver(c.recorder),
	)
	if c.catalog == nil {
		base := c.base
		c.catalog = plugins.Catalog{
			types.ModelScenario: func() plugins.Plugin { return plugins.NewScenario(remote, base) },
		}
	}
	return c
}

// ============================================================================
// 生命週期
// ============================================================================

// Load parses raw and replaces the current experiment. Failures are reduced
// to false, cancel the running events and leave the coordinator unloaded;
// LoadError returns the cause.
func (c *Coordinator) Load(raw []byte) bool {
	exp, err := experiment.Parse(raw)
	if err != nil {
		c.logger.Info("Could not load scenario", "error", err)
		c.mu.Lock()
		c.experiment = nil
		c.loadErr = err
		c.state = StateUnloaded
		c.mu.Unlock()

		// an unloaded coordinator runs no events
		c.cancelEvents(context.Background())
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.experiment = exp
	c.loadErr = nil
	if c.state == StateUnloaded {
		c.state = StateLoaded
	}
	c.logger.Info("Scenario loaded",
		"experiment", exp.ID,
		"model", exp.Topology.Model(),
		"environments", len(exp.Topology.Envs))
	return true
}

// LoadError returns the error of the last failed Load, or nil.
func (c *Coordinator) LoadError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// Start deploys the loaded experiment under id. When every environment
// acknowledges it starts measurement and schedules the experiment events in
// the background, returning the per-environment deployment info. Otherwise
// the same map is returned as the error payload and nothing else happens.
func (c *Coordinator) Start(ctx context.Context, id string) (types.Payload, types.Payload, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	return c.start(ctx, id)
}

func (c *Coordinator) start(ctx context.Context, id string) (types.Payload, types.Payload, error) {
	exp := c.loaded()
	if exp == nil {
		return nil, nil, ErrNotLoaded
	}

	acks, stats := c.deploy(ctx, id, exp.Topology, types.ActionStart)
	if !acks.All() {
		return types.Payload{}, stats, nil
	}

	c.measure(ctx, exp.Topology, stats, types.ActionStart)

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	c.scheduleEvents(ctx, exp)
	return stats, types.Payload{}, nil
}

// Stop tears the loaded experiment down, mirroring Start.
func (c *Coordinator) Stop(ctx context.Context, id string) (types.Payload, types.Payload, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	return c.stop(ctx, id)
}

func (c *Coordinator) stop(ctx context.Context, id string) (types.Payload, types.Payload, error) {
	exp := c.loaded()
	if exp == nil {
		return nil, nil, ErrNotLoaded
	}

	if c.cfg.StopEventsOnStop {
		c.cancelEvents(ctx)
	}

	acks, stats := c.deploy(ctx, id, exp.Topology, types.ActionStop)

	// loaded even when a teardown is refused
	c.mu.Lock()
	c.state = StateLoaded
	c.mu.Unlock()

	if !acks.All() {
		return types.Payload{}, stats, nil
	}

	c.measure(ctx, exp.Topology, stats, types.ActionStop)
	return stats, types.Payload{}, nil
}

// Execute loads req.Scenario and performs req.Action. It always returns a
// Report; failures are carried in its error payload.
func (c *Coordinator) Execute(ctx context.Context, req Request) types.Report {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	begin := time.Now()
	report := types.Report{ID: req.ID, Info: types.Payload{}, Error: types.Payload{}}

	if !c.Load(req.Scenario) {
		report.Error = types.Payload{
			"Load error": fmt.Sprintf("scenario could not be parsed/loaded: %v", c.LoadError()),
		}
	} else if action, err := ParseAction(req.Action); err != nil {
		c.logger.Warn("Unknown action", "id", req.ID, "error", err)
		report.Error = types.Payload{
			"Execution error": fmt.Sprintf("Unknown action (%s) to execute config", req.Action),
		}
	} else {
		var info, errPayload types.Payload
		if action == types.ActionStart {
			info, errPayload, err = c.start(ctx, req.ID)
		} else {
			info, errPayload, err = c.stop(ctx, req.ID)
		}
		if err != nil {
			report.Error = types.Payload{"Execution error": err.Error()}
		} else {
			report.Info, report.Error = info, errPayload
		}
	}

	c.recorder.RecordExecution(req.Action, report.Failed(), time.Since(begin))
	c.logger.Info("Execution finished",
		"id", req.ID,
		"action", req.Action,
		"failed", report.Failed(),
		"duration", time.Since(begin))
	return report
}

func (c *Coordinator) loaded() *experiment.Experiment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.experiment
}

// ============================================================================
// 部署與量測
// ============================================================================

// deploy sends the environment-scoped topology to every environment's
// scenario service.
func (c *Coordinator) deploy(ctx context.Context, id string, topo *experiment.Topology, action types.Action) (types.AckMap, types.Payload) {
	envs := topo.Environments()
	built := topo.BuildEnvironments()

	targets := make(map[string]string, len(built))
	for name := range built {
		if env, ok := envs[name]; ok {
			targets[name] = env.ComponentAddress(types.ComponentScenario)
		}
	}

	c.logger.Info("Calling scenarios", "action", action, "environments", len(targets))

	acks, infos := c.dispatcher.Dispatch(ctx, targets, func(ctx context.Context, name, addr string) (bool, any) {
		scenario, err := types.EncodePayload(built[name])
		if err != nil {
			return false, err.Error()
		}
		status, err := c.remote.Establish(ctx, addr, transport.NewWorkflow(id, string(action), scenario))
		ack, info := transport.Outcome(status, err)
		c.recorder.RecordRemoteCall(kindDeploy, ack)
		if !ack {
			c.logger.Info("Environment scenario failed", "environment", name, "error", info)
		}
		return ack, info
	})

	if acks.All() {
		c.logger.Info("All environment scenarios acknowledged", "action", action, "acks", acks)
	} else {
		c.logger.Info("Environment scenarios error", "action", action, "acks", acks)
	}
	return acks, types.Payload(infos)
}

// measure asks the monitor of every deployed environment to start or stop
// collecting. Monitor failures are logged and do not change the outcome.
func (c *Coordinator) measure(ctx context.Context, topo *experiment.Topology, stats types.Payload, action types.Action) {
	envs := topo.Environments()

	targets := make(map[string]string, len(stats))
	for name := range stats {
		targets[name] = envs[name].ComponentAddress(types.ComponentMonitor)
	}

	acks, infos := c.dispatcher.Dispatch(ctx, targets, func(ctx context.Context, name, addr string) (bool, any) {
		directrix := BuildDirectrix(action, name, stats[name], c.cfg.Address)
		status, err := c.remote.Measure(ctx, addr, directrix)
		ack, info := transport.Outcome(status, err)
		c.recorder.RecordRemoteCall(kindMeasure, ack)
		return ack, info
	})

	if !acks.All() {
		c.logger.Warn("Call monitors failed", "action", action, "acks", acks, "info", infos)
		return
	}
	c.logger.Info("Call monitors", "action", action, "acks", acks)
}

// ============================================================================
// 背景事件
// ============================================================================

// scheduleEvents configures the plugins of exp and starts its events in the
// background. Lingering events of a previous Start are cancelled first.
func (c *Coordinator) scheduleEvents(ctx context.Context, exp *experiment.Experiment) {
	c.cancelEvents(ctx)

	registry := c.catalog.Configure(exp.Topology, c.base)
	calls := registry.Schedule(exp)
	if len(calls) == 0 {
		c.logger.Info("No events to schedule", "experiment", exp.ID)
		return
	}

	statuses := c.events.Start(ctx, calls)
	uids := make([]string, 0, len(statuses))
	for uid, status := range statuses {
		if status != scheduler.StatusOK {
			c.logger.Warn("Could not start event", "uid", uid)
			continue
		}
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	batch := &eventBatch{uids: uids}

	c.mu.Lock()
	c.batch = batch
	c.results = make(map[string]any)
	c.mu.Unlock()

	c.recorder.SetEventsRunning(len(c.events.Running()))
	c.logger.Info("Scheduling events", "experiment", exp.ID, "events", len(uids))

	wait := c.events.Join(uids)
	c.watchers.Add(1)
	go c.watch(batch, wait)
}

// watch records the results of batch once every event has finished.
func (c *Coordinator) watch(batch *eventBatch, wait func(context.Context) map[string]any) {
	defer c.watchers.Done()

	results := wait(context.Background())

	for _, uid := range batch.uids {
		if _, ok := results[uid]; !ok {
			c.logger.Warn("Event produced no result", "uid", uid)
		}
	}

	c.mu.Lock()
	if c.batch == batch {
		for uid, v := range results {
			c.results[uid] = v
		}
	}
	c.mu.Unlock()

	c.recorder.SetEventsRunning(len(c.events.Running()))
	c.logger.Info("Events finished", "events", len(batch.uids), "results", len(results))
}

// cancelEvents stops the events of the last Start, if any are still known.
func (c *Coordinator) cancelEvents(ctx context.Context) {
	c.mu.Lock()
	batch := c.batch
	c.mu.Unlock()
	if batch == nil {
		return
	}

	statuses := c.events.Stop(ctx, batch.uids)
	if len(statuses) > 0 {
		c.logger.Info("Cancelled events", "statuses", statuses)
	}
	c.recorder.SetEventsRunning(len(c.events.Running()))
}

// EventResults returns the last result per event uid of the latest batch,
// filled once that batch has finished.
func (c *Coordinator) EventResults() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]any, len(c.results))
	for uid, v := range c.results {
		out[uid] = v
	}
	return out
}

// Status returns the current lifecycle view.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state, Environments: []string{}}
	if c.experiment != nil {
		st.Experiment = c.experiment.ID
		st.Environments = c.experiment.Topology.EnvironmentNames()
	}
	c.mu.Unlock()

	st.EventsRunning = c.events.Running()
	return st
}

// Close cancels every background event and waits for the watchers.
func (c *Coordinator) Close(ctx context.Context) error {
	c.execMu.Lock()
	c.cancelEvents(ctx)
	c.execMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.watchers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
