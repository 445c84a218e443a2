// Package plugins turns domain events into scheduled calls. One plugin serves
// one execution model; the scenario plugin is always present.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/umbra-broker/internal/experiment"
	"github.com/ChuLiYu/umbra-broker/internal/scheduler"
	"github.com/ChuLiYu/umbra-broker/internal/transport"
	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// ErrUnknownCategory is returned when no plugin serves a category.
var ErrUnknownCategory = errors.New("unknown event category")

// Plugin translates the events of its category into scheduled calls.
type Plugin interface {
	// Model is the execution model, and event category, the plugin serves.
	Model() types.ExecutionModel
	// Configure validates the plugin settings found in topo. A plugin that
	// returns false must not be registered.
	Configure(topo *experiment.Topology) bool
	// Schedule builds one call per resolvable event, keyed by event id.
	// Unresolvable events are dropped with a warning.
	Schedule(events []types.Event) map[string]scheduler.Call
}

// EnvironmentCaller reaches an environment's scenario service.
type EnvironmentCaller interface {
	Establish(ctx context.Context, addr string, req *transport.Workflow) (*transport.Status, error)
}

// LedgerCaller reaches a ledger agent.
type LedgerCaller interface {
	Submit(ctx context.Context, addr string, req *transport.Instruction) (*transport.Status, error)
}

// Registry maps execution models to configured plugins.
// It is built once per start and not mutated afterwards.
type Registry struct {
	plugins map[types.ExecutionModel]Plugin
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		plugins: make(map[types.ExecutionModel]Plugin),
		logger:  logger.With("component", "plugin-registry"),
	}
}

// Register adds a plugin, keyed by its Model().
func (r *Registry) Register(p Plugin) {
	m := p.Model()
	r.plugins[m] = p
	r.logger.Info("plugin registered", "model", m)
}

// Get returns the plugin for a model.
func (r *Registry) Get(m types.ExecutionModel) (Plugin, error) {
	p, ok := r.plugins[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, m)
	}
	return p, nil
}

// Models returns the registered models in sorted order.
func (r *Registry) Models() []types.ExecutionModel {
	out := make([]types.ExecutionModel, 0, len(r.plugins))
	for m := range r.plugins {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Schedule asks every registered plugin for the calls of its category.
// Uids are "<category>/<event id>" so ids may repeat across categories.
func (r *Registry) Schedule(exp *experiment.Experiment) map[string]scheduler.Call {
	calls := make(map[string]scheduler.Call)
	for _, m := range r.Models() {
		events := exp.EventsFor(string(m))
		if len(events) == 0 {
			continue
		}
		scheduled := r.plugins[m].Schedule(events)
		r.logger.Info("Scheduling plugin events", "model", m, "events", len(events), "scheduled", len(scheduled))
		for id, call := range scheduled {
			calls[EventUID(m, id)] = call
		}
	}

	for _, category := range exp.Categories() {
		if _, err := r.Get(types.ExecutionModel(category)); err != nil {
			r.logger.Warn("Events left unscheduled", "category", category, "error", err)
		}
	}
	return calls
}

// EventUID is the scheduler uid of an event.
func EventUID(m types.ExecutionModel, id string) string {
	return string(m) + "/" + id
}

// Factory creates an unconfigured plugin.
type Factory func() Plugin

// Catalog lists the plugins the broker knows how to build.
type Catalog map[types.ExecutionModel]Factory

// DefaultCatalog returns the scenario and fabric plugins wired to client.
func DefaultCatalog(client *transport.Client, logger *slog.Logger) Catalog {
	return Catalog{
		types.ModelScenario: func() Plugin { return NewScenario(client, logger) },
		types.ModelFabric:   func() Plugin { return NewFabric(client, logger) },
	}
}

// Configure builds a Registry for topo: the plugin of the topology's model,
// if any, plus the scenario plugin. Plugins failing configuration are skipped.
func (c Catalog) Configure(topo *experiment.Topology, logger *slog.Logger) *Registry {
	reg := NewRegistry(logger)

	models := []types.ExecutionModel{types.ModelScenario}
	if m := topo.Model(); m != "" && m != types.ModelScenario {
		models = append([]types.ExecutionModel{m}, models...)
	}

	for _, m := range models {
		factory, ok := c[m]
		if !ok {
			reg.logger.Warn("No plugin for execution model", "model", m)
			continue
		}
		p := factory()
		if !p.Configure(topo) {
			reg.logger.Warn("Plugin configuration failed", "model", m)
			continue
		}
		reg.Register(p)
	}
	return reg
}

// reduce turns a remote outcome into a scheduled action result.
func reduce(what string, status *transport.Status, err error) (any, error) {
	ack, info := transport.Outcome(status, err)
	if !ack {
		return nil, fmt.Errorf("%s: %v", what, info)
	}
	return info, nil
}

// asMap accepts both decoded JSON objects and Payloads.
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case types.Payload:
		return m
	case map[string]any:
		return m
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
