// Package command implements the one-shot request/reply primitives the
// coordinator issues against a single inverter: ReadHold, ReadInput,
// SetHold, WriteParam and the read-modify-write UpdateHold. Each follows
// the same subscribe-before-send shape as original_source's
// coordinator/commands module, adapted to session.WaitForReply.
package command

import (
	"context"
	"fmt"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
	"github.com/lxp-bridge/bridge/internal/session"
)

// Channels bundles the two shared, system-wide packet buses a command
// needs to issue a request and wait for its reply.
type Channels struct {
	ToInverter   *bus.Bus[protocol.Packet]
	FromInverter *bus.Bus[protocol.Packet]
	ConnLost     *bus.Bus[protocol.Serial]
}

func (c Channels) connLostSub() *bus.Subscription[protocol.Serial] {
	if c.ConnLost == nil {
		return nil
	}
	return c.ConnLost.Subscribe()
}

func serials(inv config.Inverter) (datalog, serial protocol.Serial, err error) {
	datalog, err = protocol.ParseSerial(inv.Datalog)
	if err != nil {
		return protocol.Serial{}, protocol.Serial{}, bridgeerr.Wrap(bridgeerr.KindConfig, "invalid datalog serial", err)
	}
	serial, err = protocol.ParseSerial(inv.Serial)
	if err != nil {
		return protocol.Serial{}, protocol.Serial{}, bridgeerr.Wrap(bridgeerr.KindConfig, "invalid inverter serial", err)
	}
	return datalog, serial, nil
}

// sendAndWait subscribes for request's reply before sending it, matching
// the "no lost wake-up" requirement from session.WaitForReply.
func sendAndWait(ctx context.Context, ch Channels, request protocol.Packet) (protocol.Packet, error) {
	sub := session.SubscribeForReply(ch.FromInverter)
	defer sub.Close()

	lostSub := ch.connLostSub()
	if lostSub != nil {
		defer lostSub.Close()
	}

	ch.ToInverter.Send(request)

	return session.WaitForReply(ctx, sub, lostSub, request)
}

// ReadHold reads count holding registers starting at register.
func ReadHold(ctx context.Context, ch Channels, inv config.Inverter, register, count uint16) (protocol.Packet, error) {
	datalog, serial, err := serials(inv)
	if err != nil {
		return protocol.Packet{}, err
	}

	request := protocol.Packet{TranslatedData: &protocol.TranslatedData{
		Datalog:        datalog,
		DeviceFunction: protocol.ReadHold,
		Inverter:       serial,
		Register:       register,
		Values:         []byte{byte(count), 0},
	}}

	return sendAndWait(ctx, ch, request)
}

// ReadInput reads count input registers starting at register.
func ReadInput(ctx context.Context, ch Channels, inv config.Inverter, register, count uint16) (protocol.Packet, error) {
	datalog, serial, err := serials(inv)
	if err != nil {
		return protocol.Packet{}, err
	}

	request := protocol.Packet{TranslatedData: &protocol.TranslatedData{
		Datalog:        datalog,
		DeviceFunction: protocol.ReadInput,
		Inverter:       serial,
		Register:       register,
		Values:         []byte{byte(count), 0},
	}}

	return sendAndWait(ctx, ch, request)
}

// SetHold writes a single holding register to value. Refuses to send when
// inv is configured read-only, mirroring original_source's set_hold guard.
func SetHold(ctx context.Context, ch Channels, inv config.Inverter, register, value uint16) (protocol.Packet, error) {
	if inv.IsReadOnly() {
		return protocol.Packet{}, bridgeerr.New(bridgeerr.KindReadOnly,
			fmt.Sprintf("cannot set holding register %d: inverter %s is read-only", register, inv.Datalog))
	}

	datalog, serial, err := serials(inv)
	if err != nil {
		return protocol.Packet{}, err
	}

	request := protocol.Packet{TranslatedData: &protocol.TranslatedData{
		Datalog:        datalog,
		DeviceFunction: protocol.WriteSingle,
		Inverter:       serial,
		Register:       register,
		Values:         []byte{byte(value), byte(value >> 8)},
	}}

	reply, err := sendAndWait(ctx, ch, request)
	if err != nil {
		return protocol.Packet{}, err
	}

	if got := reply.Value(); got != value {
		return protocol.Packet{}, bridgeerr.New(bridgeerr.KindWriteMismatch,
			fmt.Sprintf("failed to set register %d: got back value %d (wanted %d)", register, got, value))
	}

	return reply, nil
}

// WriteParam writes an arbitrary multi-register parameter block starting
// at register using the WriteParam packet variant (used for the six-page
// holding configuration writes original_source calls "write_param").
func WriteParam(ctx context.Context, ch Channels, inv config.Inverter, register uint16, values []byte) (protocol.Packet, error) {
	if inv.IsReadOnly() {
		return protocol.Packet{}, bridgeerr.New(bridgeerr.KindReadOnly,
			fmt.Sprintf("cannot write param at register %d: inverter %s is read-only", register, inv.Datalog))
	}
	if len(values)%2 != 0 {
		return protocol.Packet{}, bridgeerr.New(bridgeerr.KindBadCommand, "write param values must be an even number of bytes")
	}

	datalog, _, err := serials(inv)
	if err != nil {
		return protocol.Packet{}, err
	}

	request := protocol.Packet{WriteParam: &protocol.WriteParam{
		Datalog:  datalog,
		Register: register,
		Values:   values,
	}}

	return sendAndWait(ctx, ch, request)
}

// UpdateHold performs a read-modify-write of one holding register: it always
// issues a fresh ReadHold, applies mutate, and writes back the result if it
// changed. The register cache gets populated as a side effect of every
// ReadHold/SetHold reply flowing back through the coordinator's normal
// packet handling, but UpdateHold never substitutes a cached value for the
// wire read — a command that arrived on MQTT always sees the inverter's
// current state, per spec.md section 4.4.
func UpdateHold(ctx context.Context, ch Channels, inv config.Inverter, register uint16, mutate func(current uint16) uint16) (protocol.Packet, error) {
	reply, err := ReadHold(ctx, ch, inv, register, 1)
	if err != nil {
		return protocol.Packet{}, err
	}
	current := reply.Value()

	next := mutate(current)
	if next == current {
		return protocol.Packet{}, nil
	}

	return SetHold(ctx, ch, inv, register, next)
}

// UpdateHoldBit is UpdateHold specialised to setting or clearing a single
// bit of register, the shape every ac_charge/charge_priority/
// forced_discharge MQTT verb uses (spec.md section 4.4).
func UpdateHoldBit(ctx context.Context, ch Channels, inv config.Inverter, register, bit uint16, enable bool) (protocol.Packet, error) {
	return UpdateHold(ctx, ch, inv, register, func(current uint16) uint16 {
		if enable {
			return current | bit
		}
		return current &^ bit
	})
}
