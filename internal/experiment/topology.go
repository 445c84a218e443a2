package experiment

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// Node kinds.
const (
	NodeContainer = "container"
	NodeSwitch    = "switch"
)

// Link placement relative to environments.
const (
	LinkInternal = "internal"
	LinkExternal = "external"
)

// Topology is the partitioned view of an experiment network.
type Topology struct {
	Name         string                       `json:"name" yaml:"name"`
	ModelName    string                       `json:"model" yaml:"model"`
	Envs         map[string]types.Environment `json:"environments" yaml:"environments"`
	Nodes        map[string]Node              `json:"nodes" yaml:"nodes"`
	Links        []Link                       `json:"links" yaml:"links"`
	ModelConfigs map[string]types.Payload     `json:"settings" yaml:"settings"`
}

// Node is a host or switch placed in one environment.
type Node struct {
	Environment string        `json:"environment" yaml:"environment"`
	Type        string        `json:"type" yaml:"type"`
	Profile     types.Payload `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// Link connects two nodes.
type Link struct {
	Src    string        `json:"src" yaml:"src"`
	Dst    string        `json:"dst" yaml:"dst"`
	Params types.Payload `json:"params,omitempty" yaml:"params,omitempty"`
}

func (t *Topology) validate() error {
	if len(t.Envs) == 0 {
		return fmt.Errorf("%w: topology has no environments", ErrInvalidExperiment)
	}
	for name, env := range t.Envs {
		if env.ComponentAddress(types.ComponentScenario) == "" {
			return fmt.Errorf("%w: environment %s has no scenario address", ErrInvalidExperiment, name)
		}
	}
	for name, node := range t.Nodes {
		if _, ok := t.Envs[node.Environment]; !ok {
			return fmt.Errorf("%w: node %s references unknown environment %q", ErrInvalidExperiment, name, node.Environment)
		}
		switch node.Type {
		case "", NodeContainer, NodeSwitch:
		default:
			return fmt.Errorf("%w: node %s has unknown type %q", ErrInvalidExperiment, name, node.Type)
		}
	}
	for _, link := range t.Links {
		for _, end := range []string{link.Src, link.Dst} {
			if _, ok := t.Nodes[end]; !ok {
				return fmt.Errorf("%w: link %s-%s references unknown node %q", ErrInvalidExperiment, link.Src, link.Dst, end)
			}
		}
	}
	return nil
}

// Model returns the execution model declared by the topology.
func (t *Topology) Model() types.ExecutionModel {
	return types.ExecutionModel(t.ModelName)
}

// Settings returns the configuration block declared for a model, or nil.
func (t *Topology) Settings(model types.ExecutionModel) types.Payload {
	return t.ModelConfigs[string(model)]
}

// Environments returns every environment keyed by name, names filled in.
func (t *Topology) Environments() map[string]types.Environment {
	out := make(map[string]types.Environment, len(t.Envs))
	for name, env := range t.Envs {
		env.Name = name
		out[name] = env
	}
	return out
}

// EnvironmentNames returns the environment names in sorted order.
func (t *Topology) EnvironmentNames() []string {
	names := make([]string, 0, len(t.Envs))
	for name := range t.Envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildEnvironments splits the topology into one deployable payload per
// environment. A link is carried by every environment one of its endpoints
// lives in.
func (t *Topology) BuildEnvironments() map[string]types.Payload {
	hosts := make(map[string]types.Payload, len(t.Envs))
	switches := make(map[string][]string, len(t.Envs))
	links := make(map[string]types.Payload, len(t.Envs))
	for name := range t.Envs {
		hosts[name] = types.Payload{}
		switches[name] = []string{}
		links[name] = types.Payload{}
	}

	for name, node := range t.Nodes {
		if node.Type == NodeSwitch {
			switches[node.Environment] = append(switches[node.Environment], name)
			continue
		}
		host := types.Payload{"name": name, "environment": node.Environment}
		for k, v := range node.Profile {
			host[k] = v
		}
		hosts[node.Environment][name] = host
	}

	for _, link := range t.Links {
		srcEnv := t.Nodes[link.Src].Environment
		dstEnv := t.Nodes[link.Dst].Environment
		placement := LinkInternal
		if srcEnv != dstEnv {
			placement = LinkExternal
		}
		entry := types.Payload{
			"src":  link.Src,
			"dst":  link.Dst,
			"type": placement,
		}
		if len(link.Params) > 0 {
			entry["params"] = link.Params
		}
		key := link.Src + "-" + link.Dst
		links[srcEnv][key] = entry
		links[dstEnv][key] = entry
	}

	out := make(map[string]types.Payload, len(t.Envs))
	for name := range t.Envs {
		sort.Strings(switches[name])
		out[name] = types.Payload{
			"topology": types.Payload{
				"hosts":    hosts[name],
				"switches": switches[name],
				"links":    links[name],
			},
		}
	}
	return out
}
