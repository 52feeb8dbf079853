package mqttgw

import (
	"encoding/json"
	"fmt"

	"github.com/lxp-bridge/bridge/internal/config"
)

// haDevice groups every entity published for one inverter under a single
// Home Assistant device card.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// haSensorConfig is the discovery payload for a read-only sensor entity.
type haSensorConfig struct {
	Name              string   `json:"name"`
	StateTopic        string   `json:"state_topic"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	UniqueID          string   `json:"unique_id"`
	StateClass        string   `json:"state_class,omitempty"`
	Device            haDevice `json:"device"`
}

// haNumberConfig is the discovery payload for a writable holding-register
// number entity (command_topic round-trips through the cmd grammar).
type haNumberConfig struct {
	Name         string   `json:"name"`
	StateTopic   string   `json:"state_topic"`
	CommandTopic string   `json:"command_topic"`
	Min          float64  `json:"min"`
	Max          float64  `json:"max"`
	UniqueID     string   `json:"unique_id"`
	Device       haDevice `json:"device"`
}

// publishDiscovery publishes Home Assistant discovery documents for every
// enabled inverter. This deliberately covers a representative slice of
// registers rather than the full ~200-register table (out of scope, spec.md
// section 1), enough to demonstrate the discovery/state/command wiring.
func (g *Gateway) publishDiscovery(cfg config.MQTT) {
	prefix := cfg.HomeAssistant.PrefixOrDefault()
	for _, inv := range g.Store.Snapshot().EnabledInverters() {
		g.publishInverterDiscovery(prefix, cfg.NamespaceOrDefault(), inv)
	}
}

func (g *Gateway) publishInverterDiscovery(prefix, namespace string, inv config.Inverter) {
	device := haDevice{
		Identifiers: []string{inv.Datalog},
		Name:        fmt.Sprintf("Inverter %s", inv.Datalog),
		Manufacturer: "lxp-bridge",
	}

	socConfig := haSensorConfig{
		Name:              "State of Charge",
		StateTopic:        fmt.Sprintf("%s/inputs/all", inv.Datalog),
		UnitOfMeasurement: "%",
		UniqueID:          inv.Datalog + "_soc",
		StateClass:        "measurement",
		Device:            device,
	}
	g.publishDiscoveryDoc(fmt.Sprintf("%s/sensor/%s_soc/config", prefix, inv.Datalog), socConfig)

	chargeRate := haNumberConfig{
		Name:         "Charge Rate",
		StateTopic:   fmt.Sprintf("%s/hold/%d", inv.Datalog, 64),
		CommandTopic: fmt.Sprintf("%s/cmd/%s/charge_rate", namespace, inv.Datalog),
		Min:          0,
		Max:          100,
		UniqueID:     inv.Datalog + "_charge_rate",
		Device:       device,
	}
	g.publishDiscoveryDoc(fmt.Sprintf("%s/number/%s_charge_rate/config", prefix, inv.Datalog), chargeRate)
}

func (g *Gateway) publishDiscoveryDoc(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		g.Log.Error().Err(err).Str("topic", topic).Msg("failed to marshal discovery document")
		return
	}
	g.enqueue(outgoing{topic: topic, payload: body, qos: 2, retain: true})
}
