package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ChuLiYu/umbra-broker/internal/experiment"
	"github.com/ChuLiYu/umbra-broker/internal/scheduler"
	"github.com/ChuLiYu/umbra-broker/internal/transport"
	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// fabricAction lists what an action resolves from settings and which event
// fields it passes through.
type fabricAction struct {
	orderer bool
	org     bool
	peers   bool
	fields  []string
}

var fabricActions = map[string]fabricAction{
	"info_network":            {orderer: true},
	"create_channel":          {orderer: true, org: true, fields: []string{"user", "channel", "profile"}},
	"join_channel":            {orderer: true, org: true, peers: true, fields: []string{"user", "channel"}},
	"info_channels":           {org: true, peers: true, fields: []string{"user"}},
	"info_channel":            {org: true, peers: true, fields: []string{"user", "channel"}},
	"info_channel_config":     {org: true, peers: true, fields: []string{"user", "channel"}},
	"info_channel_chaincodes": {org: true, peers: true, fields: []string{"user"}},
	"chaincode_install":       {org: true, peers: true, fields: []string{"user", "chaincode_name", "chaincode_path", "chaincode_version"}},
	"chaincode_instantiate":   {org: true, peers: true, fields: []string{"user", "channel", "chaincode_args", "chaincode_name", "chaincode_version"}},
	"chaincode_invoke":        {org: true, peers: true, fields: []string{"user", "channel", "chaincode_args", "chaincode_name"}},
	"chaincode_query":         {org: true, peers: true, fields: []string{"user", "channel", "chaincode_args", "chaincode_name"}},
}

// Fabric resolves ledger events against the network settings and forwards
// them to the ledger agent.
type Fabric struct {
	ledger LedgerCaller
	logger *slog.Logger

	settings  map[string]any
	configsdk string
	chaincode string
	configtx  string
	agent     string
}

// NewFabric creates an unconfigured fabric plugin.
func NewFabric(ledger LedgerCaller, logger *slog.Logger) *Fabric {
	return &Fabric{
		ledger: ledger,
		logger: logger.With("component", "plugin", "model", types.ModelFabric),
	}
}

func (f *Fabric) Model() types.ExecutionModel { return types.ModelFabric }

// Configure reads settings, configsdk, chaincode and configtx from the fabric
// block of topo. All are required, as is settings.agent.address.
func (f *Fabric) Configure(topo *experiment.Topology) bool {
	if topo == nil {
		return false
	}
	cfg := topo.Settings(types.ModelFabric)

	f.settings = asMap(cfg["settings"])
	f.configsdk = asString(cfg["configsdk"])
	f.chaincode = asString(cfg["chaincode"])
	f.configtx = asString(cfg["configtx"])
	f.agent = asString(asMap(f.settings["agent"])["address"])

	if len(f.settings) == 0 || f.configsdk == "" || f.chaincode == "" || f.configtx == "" {
		f.logger.Info("Fabric configs FAILED")
		return false
	}
	if f.agent == "" {
		f.logger.Info("Fabric configs FAILED, no agent address")
		return false
	}
	f.logger.Info("Fabric configs OK", "configsdk", f.configsdk, "chaincode", f.chaincode, "configtx", f.configtx)
	return true
}

// Schedule builds one ledger call per event with a known action.
func (f *Fabric) Schedule(events []types.Event) map[string]scheduler.Call {
	calls := make(map[string]scheduler.Call, len(events))
	for _, ev := range events {
		action := asString(ev.Event["action"])
		def, ok := fabricActions[action]
		if !ok {
			f.logger.Warn("Could not schedule fabric event, unknown action", "event", ev.ID, "action", action)
			continue
		}
		calls[ev.ID] = scheduler.Call{
			Action:   f.call(ev, action, def),
			Schedule: ev.Schedule,
		}
	}
	return calls
}

func (f *Fabric) call(ev types.Event, action string, def fabricAction) scheduler.Action {
	return func(ctx context.Context) (any, error) {
		params, err := f.resolve(ev.Event, def)
		if err != nil {
			return nil, fmt.Errorf("fabric event %s (%s): %w", ev.ID, action, err)
		}
		f.logger.Debug("Submitting fabric event", "event", ev.ID, "action", action)
		status, err := f.ledger.Submit(ctx, f.agent, &transport.Instruction{
			ID:         ev.ID,
			Action:     action,
			Parameters: params,
		})
		return reduce("fabric event "+ev.ID, status, err)
	}
}

// resolve replaces org, orderer and peer names with their FQDNs.
func (f *Fabric) resolve(ev types.Payload, def fabricAction) (types.Payload, error) {
	params := types.Payload{
		"net_profile": f.configsdk,
		"configtx":    f.configtx,
		"chaincode":   f.chaincode,
	}

	if def.orderer {
		name := asString(ev["orderer"])
		fqdn := asString(asMap(asMap(f.settings["orderers"])[name])["orderer_fqdn"])
		if fqdn == "" {
			return nil, fmt.Errorf("unknown orderer %q", name)
		}
		params["orderer"] = fqdn
	}

	var org map[string]any
	if def.org {
		name := asString(ev["org"])
		org = asMap(asMap(f.settings["orgs"])[name])
		fqdn := asString(org["org_fqdn"])
		if fqdn == "" {
			return nil, fmt.Errorf("unknown org %q", name)
		}
		params["org"] = fqdn
	}

	if def.peers {
		wanted := stringList(ev["peers"])
		var fqdns []string
		for _, p := range asMap(org["peers"]) {
			peer := asMap(p)
			if slices.Contains(wanted, asString(peer["name"])) {
				fqdns = append(fqdns, asString(peer["peer_fqdn"]))
			}
		}
		if len(fqdns) == 0 {
			return nil, fmt.Errorf("unknown peers %v in org %q", wanted, asString(ev["org"]))
		}
		slices.Sort(fqdns)
		params["peers"] = fqdns
	}

	for _, field := range def.fields {
		if v, ok := ev[field]; ok {
			params[field] = v
		}
	}
	return params, nil
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
