// Package experiment parses experiment descriptions and exposes the
// topology view the broker deploys from.
package experiment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// ErrInvalidExperiment is returned for any malformed or inconsistent description.
var ErrInvalidExperiment = errors.New("invalid experiment")

// Experiment is one loaded experiment: its topology and domain events.
type Experiment struct {
	ID       string                   `json:"id" yaml:"id"`
	Topology *Topology                `json:"topology" yaml:"topology"`
	Events   map[string][]types.Event `json:"events" yaml:"events"`
}

// Parse decodes a JSON or YAML experiment description and validates it.
func Parse(raw []byte) (*Experiment, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty description", ErrInvalidExperiment)
	}

	exp := &Experiment{}
	var err error
	if raw[0] == '{' {
		err = json.Unmarshal(raw, exp)
	} else {
		err = yaml.Unmarshal(raw, exp)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExperiment, err)
	}

	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// Validate checks that the description can be deployed.
func (e *Experiment) Validate() error {
	if e.Topology == nil {
		return fmt.Errorf("%w: missing topology", ErrInvalidExperiment)
	}
	if err := e.Topology.validate(); err != nil {
		return err
	}
	for category, events := range e.Events {
		seen := make(map[string]bool, len(events))
		for _, ev := range events {
			if ev.ID == "" {
				return fmt.Errorf("%w: %s event without id", ErrInvalidExperiment, category)
			}
			if seen[ev.ID] {
				return fmt.Errorf("%w: duplicate %s event %q", ErrInvalidExperiment, category, ev.ID)
			}
			seen[ev.ID] = true
		}
	}
	return nil
}

// EventsFor returns the events declared under a category.
func (e *Experiment) EventsFor(category string) []types.Event {
	return e.Events[category]
}

// Categories returns the declared event categories in sorted order.
func (e *Experiment) Categories() []string {
	out := make([]string, 0, len(e.Events))
	for c := range e.Events {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
