package broker

import (
	"sort"
	"strings"

	"github.com/ChuLiYu/umbra-broker/internal/transport"
	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// Monitor probe defaults, in seconds.
const (
	probeDuration = "3600"
	probeInterval = "5"
)

// BuildDirectrix builds the measurement request of one environment. On start
// the container probe targets the hosts reported by the deployment info.
func BuildDirectrix(action types.Action, env string, info any, flushAddr string) *transport.Directrix {
	targets := ""
	if action == types.ActionStart {
		targets = strings.Join(hostNames(info), ",")
	}

	return &transport.Directrix{
		Action: string(action),
		Flush: transport.Flush{
			Live:        true,
			Environment: env,
			Address:     flushAddr,
		},
		Sources: []transport.Source{
			{
				ID:   1,
				Name: "container",
				Parameters: map[string]string{
					"targets":  targets,
					"duration": probeDuration,
					"interval": probeInterval,
				},
				Schedule: map[string]any{},
			},
			{
				ID:   2,
				Name: "host",
				Parameters: map[string]string{
					"duration": probeDuration,
					"interval": probeInterval,
				},
				Schedule: map[string]any{},
			},
		},
	}
}

// hostNames returns the sorted keys of info.topology.hosts.
func hostNames(info any) []string {
	hosts := asMap(asMap(asMap(info)["topology"])["hosts"])
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case types.Payload:
		return m
	case map[string]any:
		return m
	}
	return nil
}
