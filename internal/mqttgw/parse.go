// Package mqttgw implements the MQTT gateway: connecting to the broker,
// subscribing to command topics, parsing the command grammar, dispatching
// to the command primitives, publishing results, and Home Assistant
// discovery. Adapted from the teacher's mqtt_worker.go/mqtt_sender.go,
// generalized from battery sensors to inverter registers.
package mqttgw

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
	"github.com/lxp-bridge/bridge/internal/command"
)

// Target selects which configured inverters a command applies to: either
// "all" enabled inverters, or one datalog serial (spec.md section 6).
type Target struct {
	All     bool
	Datalog string
}

// Command is a parsed MQTT command topic/payload pair.
type Command struct {
	Topic   string // original topic, used to build the result topic
	Target  Target
	Verb    string
	Args    []string
	Payload string
}

// ResultTopic is the topic a FAIL/OK status is published to for this command.
func (c Command) ResultTopic() string {
	return c.Topic + "/result"
}

// ParseCommand parses a full command topic ({namespace}/cmd/{target}/{verb}
// [/{arg}...]) plus its raw payload into a Command, stripping the
// {namespace}/cmd/ prefix itself.
func ParseCommand(namespace, topic string, payload []byte) (Command, error) {
	prefix := namespace + "/cmd/"
	if !strings.HasPrefix(topic, prefix) {
		return Command{}, bridgeerr.New(bridgeerr.KindBadCommand, fmt.Sprintf("topic %q is not a command topic", topic))
	}

	rest := strings.TrimPrefix(topic, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return Command{}, bridgeerr.New(bridgeerr.KindBadCommand, fmt.Sprintf("malformed command topic %q", topic))
	}

	targetStr, verb, args := parts[0], parts[1], parts[2:]

	target := Target{}
	if targetStr == "all" {
		target.All = true
	} else {
		if len(targetStr) != 10 {
			return Command{}, bridgeerr.New(bridgeerr.KindBadCommand, fmt.Sprintf("target %q is neither \"all\" nor a 10-char datalog serial", targetStr))
		}
		target.Datalog = targetStr
	}

	return Command{
		Topic:   topic,
		Target:  target,
		Verb:    verb,
		Args:    args,
		Payload: string(payload),
	}, nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindBadCommand, fmt.Sprintf("expected a u16, got %q", s), err)
	}
	return uint16(v), nil
}

func parseBoolPayload(s string) (bool, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, bridgeerr.New(bridgeerr.KindBadCommand, fmt.Sprintf("expected payload 0 or 1, got %q", s))
	}
}

// parseTimeOfDay parses "HH:MM" into a command.TimeOfDay.
func parseTimeOfDay(s string) (command.TimeOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return command.TimeOfDay{}, bridgeerr.New(bridgeerr.KindBadTime, fmt.Sprintf("expected HH:MM, got %q", s))
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return command.TimeOfDay{}, bridgeerr.Wrap(bridgeerr.KindBadTime, "invalid hour", err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return command.TimeOfDay{}, bridgeerr.Wrap(bridgeerr.KindBadTime, "invalid minute", err)
	}
	if h < 0 || h > 255 || m < 0 || m > 255 {
		return command.TimeOfDay{}, bridgeerr.New(bridgeerr.KindBadTime, fmt.Sprintf("time %q out of range", s))
	}
	return command.TimeOfDay{Hour: uint8(h), Minute: uint8(m)}, nil
}

// parseTimeRange parses "HH:MM-HH:MM" into (start, end).
func parseTimeRange(s string) (start, end command.TimeOfDay, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return command.TimeOfDay{}, command.TimeOfDay{}, bridgeerr.New(bridgeerr.KindBadTime, fmt.Sprintf("expected HH:MM-HH:MM, got %q", s))
	}
	start, err = parseTimeOfDay(parts[0])
	if err != nil {
		return command.TimeOfDay{}, command.TimeOfDay{}, err
	}
	end, err = parseTimeOfDay(parts[1])
	if err != nil {
		return command.TimeOfDay{}, command.TimeOfDay{}, err
	}
	return start, end, nil
}

func actionFromVerbSuffix(verb string) (command.Action, bool) {
	switch {
	case strings.Contains(verb, "ac_charge_time"), verb == "ac_charge":
		return command.AcCharge, true
	case strings.Contains(verb, "ac_first_time"):
		return command.AcFirst, true
	case strings.Contains(verb, "charge_priority_time"), verb == "charge_priority":
		return command.ChargePriority, true
	case strings.Contains(verb, "forced_discharge_time"), verb == "forced_discharge":
		return command.ForcedDischarge, true
	default:
		return 0, false
	}
}
