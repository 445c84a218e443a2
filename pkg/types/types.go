// Package types defines the core domain model shared by the umbra broker:
// timing descriptors, events, environments, and reports.
package types

import (
	"math"
	"time"
)

// Action is the lifecycle verb requested for an experiment.
type Action string

// Actions understood by the broker and the environment services.
const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// ExecutionModel identifies an action domain. Plugins are registered per model.
type ExecutionModel string

const (
	// ModelScenario is the generic environment model, always present.
	ModelScenario ExecutionModel = "scenario"
	// ModelFabric is the Hyperledger Fabric ledger model.
	ModelFabric ExecutionModel = "fabric"
)

// Component names inside an environment record.
const (
	ComponentScenario = "scenario"
	ComponentMonitor  = "monitor"
)

// Schedule is the timing descriptor of one scheduled call. All values are
// expressed in seconds.
type Schedule struct {
	From     float64 `json:"from" yaml:"from"`         // delay before the first iteration
	Until    float64 `json:"until" yaml:"until"`       // cumulative budget, 0 = unbounded
	Duration float64 `json:"duration" yaml:"duration"` // per-iteration wait, 0 = natural completion
	Interval float64 `json:"interval" yaml:"interval"` // delay between iterations
	Repeat   int     `json:"repeat" yaml:"repeat"`     // iterations, 0 = once
}

// Iterations returns the number of iterations requested, normalizing 0 to 1.
func (s Schedule) Iterations() int {
	if s.Repeat <= 0 {
		return 1
	}
	return s.Repeat
}

// FromDelay returns From as a time.Duration.
func (s Schedule) FromDelay() time.Duration { return seconds(s.From) }

// UntilBudget returns Until as a time.Duration.
func (s Schedule) UntilBudget() time.Duration { return seconds(s.Until) }

// DurationWait returns Duration as a time.Duration.
func (s Schedule) DurationWait() time.Duration { return seconds(s.Duration) }

// IntervalDelay returns Interval as a time.Duration.
func (s Schedule) IntervalDelay() time.Duration { return seconds(s.Interval) }

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(math.Round(v * float64(time.Second)))
}

// Payload is an arbitrary structured document carried as UTF-8 JSON on the wire.
type Payload map[string]any

// Event is a domain action description plus its timing descriptor.
type Event struct {
	ID       string   `json:"id" yaml:"id"`
	Event    Payload  `json:"event" yaml:"event"`
	Schedule Schedule `json:"schedule" yaml:"schedule"`
}

// Component is one addressable service of an environment.
type Component struct {
	Address string `json:"address" yaml:"address"`
}

// Environment is one independently addressed deployment target.
type Environment struct {
	Name       string               `json:"name" yaml:"name"`
	Address    string               `json:"address" yaml:"address"`
	Components map[string]Component `json:"components" yaml:"components"`
}

// ComponentAddress returns the address of the named component, or "".
func (e Environment) ComponentAddress(name string) string {
	if e.Components == nil {
		return ""
	}
	return e.Components[name].Address
}

// AckMap holds the acknowledgement of every target of one fan-out.
type AckMap map[string]bool

// All reports whether every target acknowledged. An empty map is acknowledged.
func (a AckMap) All() bool {
	for _, ack := range a {
		if !ack {
			return false
		}
	}
	return true
}

// Report is the terminal result of one broker execution.
type Report struct {
	ID    string  `json:"id"`
	Info  Payload `json:"info"`
	Error Payload `json:"error"`
}

// Failed reports whether the execution produced an error payload.
func (r Report) Failed() bool {
	return len(r.Error) > 0
}
