package plugins

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/umbra-broker/internal/experiment"
	"github.com/ChuLiYu/umbra-broker/internal/scheduler"
	"github.com/ChuLiYu/umbra-broker/internal/transport"
	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// ActionEnvironmentEvent is the workflow action of scenario events.
const ActionEnvironmentEvent = "environment_event"

// Scenario forwards events to the scenario service of their target environment.
type Scenario struct {
	caller EnvironmentCaller
	logger *slog.Logger
	envs   map[string]types.Environment
}

// NewScenario creates an unconfigured scenario plugin.
func NewScenario(caller EnvironmentCaller, logger *slog.Logger) *Scenario {
	return &Scenario{
		caller: caller,
		logger: logger.With("component", "plugin", "model", types.ModelScenario),
	}
}

func (s *Scenario) Model() types.ExecutionModel { return types.ModelScenario }

// Configure records the environments of topo.
func (s *Scenario) Configure(topo *experiment.Topology) bool {
	if topo == nil {
		return false
	}
	s.envs = topo.Environments()
	return true
}

// Schedule maps each event onto its target environment.
func (s *Scenario) Schedule(events []types.Event) map[string]scheduler.Call {
	calls := make(map[string]scheduler.Call, len(events))
	for _, ev := range events {
		target := asString(ev.Event["target"])
		env, ok := s.envs[target]
		if !ok {
			s.logger.Warn("Could not schedule event, unknown target environment", "event", ev.ID, "target", target)
			continue
		}
		calls[ev.ID] = scheduler.Call{
			Action:   s.call(ev, env.ComponentAddress(types.ComponentScenario)),
			Schedule: ev.Schedule,
		}
	}
	return calls
}

func (s *Scenario) call(ev types.Event, addr string) scheduler.Action {
	return func(ctx context.Context) (any, error) {
		scenario, err := types.EncodePayload(ev.Event)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Calling environment event", "event", ev.ID, "address", addr)
		status, err := s.caller.Establish(ctx, addr, transport.NewWorkflow(ev.ID, ActionEnvironmentEvent, scenario))
		return reduce("environment event "+ev.ID, status, err)
	}
}
