package mqttgw

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
	"github.com/lxp-bridge/bridge/internal/command"
	"github.com/lxp-bridge/bridge/internal/config"
)

// Dispatch resolves cmd's target inverters and runs the matching command
// primitive against each, per the verb grammar in spec.md section 6.
func (g *Gateway) Dispatch(ctx context.Context, cmd Command) error {
	cfg := g.Store.Snapshot()

	var targets []config.Inverter
	if cmd.Target.All {
		targets = cfg.EnabledInverters()
	} else {
		inv, ok := cfg.InverterByDatalog(cmd.Target.Datalog)
		if !ok || !inv.Enabled {
			return bridgeerr.New(bridgeerr.KindBadCommand, fmt.Sprintf("unknown or disabled inverter datalog %q", cmd.Target.Datalog))
		}
		targets = []config.Inverter{inv}
	}
	if len(targets) == 0 {
		return bridgeerr.New(bridgeerr.KindBadCommand, "command matched no enabled inverters")
	}

	var firstErr error
	for _, inv := range targets {
		if err := g.dispatchOne(ctx, cmd, inv); err != nil {
			g.Log.Warn().Err(err).Str("datalog", inv.Datalog).Str("verb", cmd.Verb).Msg("command failed for inverter")
			if firstErr == nil {
				firstErr = err
			}
		} else {
			g.countSent(cmd.Verb)
		}
	}
	return firstErr
}

// countSent increments the sent-packet counter for the wire command a
// dispatched verb maps to, at the dispatch boundary itself rather than
// deep inside internal/command, so every MQTT-triggered read_hold/set_hold/
// ac_charge/etc. is reflected in coordinator.Stats the same way the
// on-connect handshake and RepublishHoldings already are.
func (g *Gateway) countSent(verb string) {
	if g.Stats == nil {
		return
	}
	switch verb {
	case "read_param":
		g.Stats.IncPacketsSent("read_param")
	case "write_param":
		g.Stats.IncPacketsSent("write_param")
	default:
		g.Stats.IncPacketsSent("translated_data")
	}
}

func (g *Gateway) dispatchOne(ctx context.Context, cmd Command, inv config.Inverter) error {
	ch := g.commandChannels()

	if action, ok := actionFromVerbSuffix(cmd.Verb); ok {
		return g.dispatchAction(ctx, cmd, inv, action, ch)
	}

	switch cmd.Verb {
	case "read_inputs":
		page, err := argInt(cmd.Args, 0)
		if err != nil {
			return err
		}
		if page < 1 || page > 4 {
			return bridgeerr.New(bridgeerr.KindBadCommand, fmt.Sprintf("read_inputs page %d out of range 1..4", page))
		}
		register := uint16((page - 1) * 40)
		_, err = command.ReadInput(ctx, ch, inv, register, 40)
		return err

	case "read_input":
		register, count, err := argRegisterCount(cmd.Args)
		if err != nil {
			return err
		}
		_, err = command.ReadInput(ctx, ch, inv, register, count)
		return err

	case "read_hold":
		register, count, err := argRegisterCount(cmd.Args)
		if err != nil {
			return err
		}
		_, err = command.ReadHold(ctx, ch, inv, register, count)
		return err

	case "read_param":
		register, err := argU16(cmd.Args, 0)
		if err != nil {
			return err
		}
		_, err = command.ReadHold(ctx, ch, inv, register, 1)
		return err

	case "set_hold":
		register, err := argU16(cmd.Args, 0)
		if err != nil {
			return err
		}
		value, err := parseUint16(cmd.Payload)
		if err != nil {
			return err
		}
		_, err = command.SetHold(ctx, ch, inv, register, value)
		return err

	case "write_param":
		register, err := argU16(cmd.Args, 0)
		if err != nil {
			return err
		}
		value, err := parseUint16(cmd.Payload)
		if err != nil {
			return err
		}
		_, err = command.WriteParam(ctx, ch, inv, register, []byte{byte(value), byte(value >> 8)})
		return err

	case "charge_rate":
		return g.setPercent(ctx, ch, inv, command.ChargePowerPercentCmd, cmd.Payload)
	case "discharge_rate":
		return g.setPercent(ctx, ch, inv, command.DischgPowerPercentCmd, cmd.Payload)
	case "ac_charge_rate":
		return g.setPercent(ctx, ch, inv, command.AcChargePowerCmd, cmd.Payload)
	case "ac_charge_soc_limit":
		return g.setPercent(ctx, ch, inv, command.AcChargeSocLimit, cmd.Payload)
	case "discharge_cutoff_soc_limit":
		return g.setPercent(ctx, ch, inv, command.DischgCutOffSocEod, cmd.Payload)

	default:
		return bridgeerr.New(bridgeerr.KindBadCommand, fmt.Sprintf("unknown command verb %q", cmd.Verb))
	}
}

func (g *Gateway) dispatchAction(ctx context.Context, cmd Command, inv config.Inverter, action command.Action, ch command.Channels) error {
	switch cmd.Verb {
	case "ac_charge", "charge_priority", "forced_discharge":
		enable, err := parseBoolPayload(cmd.Payload)
		if err != nil {
			return err
		}
		bit := bitForAction(action)
		_, err = command.UpdateHoldBit(ctx, ch, inv, command.Register21, bit, enable)
		return err

	default:
		num, err := argInt(cmd.Args, 0)
		if err != nil {
			return err
		}
		if len(cmd.Args) == 0 {
			return bridgeerr.New(bridgeerr.KindBadCommand, "time register verb requires a slot number 1..3")
		}
		if isReadTimeVerb(cmd.Verb) {
			_, _, err := command.ReadTimeRegister(ctx, ch, inv, action, num)
			return err
		}
		start, end, err := parseTimeRange(cmd.Payload)
		if err != nil {
			return err
		}
		_, err = command.SetTimeRegister(ctx, ch, inv, action, num, start, end)
		return err
	}
}

func isReadTimeVerb(verb string) bool {
	return len(verb) >= 4 && verb[:4] == "read"
}

func bitForAction(action command.Action) uint16 {
	switch action {
	case command.AcCharge:
		return command.AcChargeEnableBit
	case command.ChargePriority:
		return command.ChargePriorityEnableBit
	case command.ForcedDischarge:
		return command.ForcedDischargeEnableBit
	default:
		return 0
	}
}

func (g *Gateway) setPercent(ctx context.Context, ch command.Channels, inv config.Inverter, register uint16, payload string) error {
	value, err := parseUint16(payload)
	if err != nil {
		return err
	}
	_, err = command.SetHold(ctx, ch, inv, register, value)
	return err
}

func argInt(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, bridgeerr.New(bridgeerr.KindBadCommand, "missing required argument")
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindBadCommand, "expected an integer argument", err)
	}
	return v, nil
}

func argU16(args []string, i int) (uint16, error) {
	if i >= len(args) {
		return 0, bridgeerr.New(bridgeerr.KindBadCommand, "missing required argument")
	}
	return parseUint16(args[i])
}

func argRegisterCount(args []string) (register, count uint16, err error) {
	if len(args) < 2 {
		return 0, 0, bridgeerr.New(bridgeerr.KindBadCommand, "expected register and count arguments")
	}
	register, err = parseUint16(args[0])
	if err != nil {
		return 0, 0, err
	}
	count, err = parseUint16(args[1])
	if err != nil {
		return 0, 0, err
	}
	return register, count, nil
}
