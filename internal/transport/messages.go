package transport

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// Workflow is the deployment request sent to an environment's scenario service.
type Workflow struct {
	ID        string                 `json:"id"`
	Action    string                 `json:"action"`
	Scenario  []byte                 `json:"scenario"`
	Timestamp *timestamppb.Timestamp `json:"timestamp"`
}

// NewWorkflow builds a Workflow stamped with the current time.
func NewWorkflow(id string, action string, scenario []byte) *Workflow {
	return &Workflow{
		ID:        id,
		Action:    action,
		Scenario:  scenario,
		Timestamp: timestamppb.New(time.Now()),
	}
}

// Status is the response of every environment-side call.
// An empty Error means success.
type Status struct {
	Error string `json:"error"`
	Info  []byte `json:"info"`
}

// Directrix is the measurement request sent to an environment's monitor.
type Directrix struct {
	Action  string   `json:"action"`
	Flush   Flush    `json:"flush"`
	Sources []Source `json:"sources"`
}

// Flush tells a monitor where to stream its measurements.
type Flush struct {
	Live        bool   `json:"live"`
	Environment string `json:"environment"`
	Address     string `json:"address"`
}

// Source is one measurement probe.
type Source struct {
	ID         int               `json:"id"`
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters"`
	Schedule   map[string]any    `json:"schedule"`
}

// Instruction is a ledger action forwarded to the ledger agent.
type Instruction struct {
	ID         string        `json:"id"`
	Action     string        `json:"action"`
	Parameters types.Payload `json:"parameters"`
}

// Config is an execution request submitted to the broker.
type Config struct {
	ID        string                 `json:"id"`
	Action    string                 `json:"action"`
	Scenario  []byte                 `json:"scenario"`
	Timestamp *timestamppb.Timestamp `json:"timestamp"`
}

// Report is the broker's answer to a Config.
type Report struct {
	ID    string `json:"id"`
	Info  []byte `json:"info"`
	Error []byte `json:"error"`
}

// ToReport converts a domain report to its wire form.
func ToReport(r types.Report) *Report {
	return &Report{
		ID:    r.ID,
		Info:  types.MustEncodePayload(r.Info),
		Error: types.MustEncodePayload(r.Error),
	}
}

// FromReport converts a wire report back to the domain form.
func FromReport(r *Report) (types.Report, error) {
	info, err := types.DecodePayload(r.Info)
	if err != nil {
		return types.Report{}, err
	}
	errPayload, err := types.DecodePayload(r.Error)
	if err != nil {
		return types.Report{}, err
	}
	return types.Report{ID: r.ID, Info: info, Error: errPayload}, nil
}
