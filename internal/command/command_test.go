package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
)

func testInverter(readOnly bool) config.Inverter {
	ro := readOnly
	return config.Inverter{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     1,
		Serial:   "SN00000001",
		Datalog:  "BA12345678",
		ReadOnly: &ro,
	}
}

func newChannels() Channels {
	return Channels{
		ToInverter:   bus.New[protocol.Packet](16),
		FromInverter: bus.New[protocol.Packet](16),
		ConnLost:     bus.New[protocol.Serial](4),
	}
}

// fakeInverter answers every TranslatedData request it sees on toInverter
// with a canned reply on fromInverter, standing in for a real session.
func fakeInverter(t *testing.T, ch Channels, reply func(req protocol.Packet) protocol.Packet) {
	t.Helper()
	sub := ch.ToInverter.Subscribe()
	go func() {
		defer sub.Close()
		select {
		case req := <-sub.C():
			ch.FromInverter.Send(reply(req))
		case <-time.After(2 * time.Second):
		}
	}()
}

// fakeInverterSeq answers a fixed sequence of requests in order, one reply
// per request, standing in for the ReadHold-then-SetHold round trip a
// read-modify-write issues.
func fakeInverterSeq(t *testing.T, ch Channels, replies ...func(req protocol.Packet) protocol.Packet) {
	t.Helper()
	sub := ch.ToInverter.Subscribe()
	go func() {
		defer sub.Close()
		for _, reply := range replies {
			select {
			case req := <-sub.C():
				ch.FromInverter.Send(reply(req))
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()
}

func TestReadHoldSendsRequestAndMatchesReply(t *testing.T) {
	ch := newChannels()
	inv := testInverter(false)
	datalog, err := protocol.ParseSerial(inv.Datalog)
	require.NoError(t, err)
	serial, err := protocol.ParseSerial(inv.Serial)
	require.NoError(t, err)

	fakeInverter(t, ch, func(req protocol.Packet) protocol.Packet {
		return protocol.Packet{TranslatedData: &protocol.TranslatedData{
			Datalog:        datalog,
			DeviceFunction: protocol.ReadHold,
			Inverter:       serial,
			Register:       req.TranslatedData.Register,
			Values:         []byte{0x34, 0x12},
		}}
	})

	reply, err := ReadHold(context.Background(), ch, inv, 21, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), reply.Value())
}

func TestSetHoldRejectsWhenReadOnly(t *testing.T) {
	ch := newChannels()
	inv := testInverter(true)

	_, err := SetHold(context.Background(), ch, inv, 21, 5)
	assert.Error(t, err)
}

func TestSetHoldFailsOnValueMismatch(t *testing.T) {
	ch := newChannels()
	inv := testInverter(false)
	datalog, _ := protocol.ParseSerial(inv.Datalog)
	serial, _ := protocol.ParseSerial(inv.Serial)

	fakeInverter(t, ch, func(req protocol.Packet) protocol.Packet {
		return protocol.Packet{TranslatedData: &protocol.TranslatedData{
			Datalog:        datalog,
			DeviceFunction: protocol.WriteSingle,
			Inverter:       serial,
			Register:       req.TranslatedData.Register,
			Values:         []byte{0xFF, 0xFF}, // wrong value
		}}
	})

	_, err := SetHold(context.Background(), ch, inv, 21, 5)
	assert.Error(t, err)
}

func TestSetHoldSucceedsOnMatchingEcho(t *testing.T) {
	ch := newChannels()
	inv := testInverter(false)
	datalog, _ := protocol.ParseSerial(inv.Datalog)
	serial, _ := protocol.ParseSerial(inv.Serial)

	fakeInverter(t, ch, func(req protocol.Packet) protocol.Packet {
		return protocol.Packet{TranslatedData: &protocol.TranslatedData{
			Datalog:        datalog,
			DeviceFunction: protocol.WriteSingle,
			Inverter:       serial,
			Register:       req.TranslatedData.Register,
			Values:         []byte{5, 0},
		}}
	})

	reply, err := SetHold(context.Background(), ch, inv, 21, 5)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), reply.Value())
}

func TestUpdateHoldAlwaysReadsBeforeSkippingWriteWhenUnchanged(t *testing.T) {
	ch := newChannels()
	inv := testInverter(false)
	datalog, _ := protocol.ParseSerial(inv.Datalog)
	serial, _ := protocol.ParseSerial(inv.Serial)

	var reads int
	fakeInverterSeq(t, ch, func(req protocol.Packet) protocol.Packet {
		reads++
		return protocol.Packet{TranslatedData: &protocol.TranslatedData{
			Datalog:        datalog,
			DeviceFunction: protocol.ReadHold,
			Inverter:       serial,
			Register:       req.TranslatedData.Register,
			Values:         []byte{7, 0},
		}}
	})

	reply, err := UpdateHold(context.Background(), ch, inv, 21, func(current uint16) uint16 {
		return current // no change
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.Packet{}, reply)
	assert.Equal(t, 1, reads, "UpdateHold must always issue a ReadHold, even when the result is discarded")
}

func TestUpdateHoldReadsThenWritesWhenChanged(t *testing.T) {
	ch := newChannels()
	inv := testInverter(false)
	datalog, _ := protocol.ParseSerial(inv.Datalog)
	serial, _ := protocol.ParseSerial(inv.Serial)

	fakeInverterSeq(t, ch,
		func(req protocol.Packet) protocol.Packet {
			return protocol.Packet{TranslatedData: &protocol.TranslatedData{
				Datalog:        datalog,
				DeviceFunction: protocol.ReadHold,
				Inverter:       serial,
				Register:       req.TranslatedData.Register,
				Values:         []byte{7, 0},
			}}
		},
		func(req protocol.Packet) protocol.Packet {
			return protocol.Packet{TranslatedData: &protocol.TranslatedData{
				Datalog:        datalog,
				DeviceFunction: protocol.WriteSingle,
				Inverter:       serial,
				Register:       req.TranslatedData.Register,
				Values:         []byte{9, 0},
			}}
		},
	)

	reply, err := UpdateHold(context.Background(), ch, inv, 21, func(current uint16) uint16 {
		return 9
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(9), reply.Value())
}

// TestUpdateHoldBitIssuesReadHoldEvenWithStaleCachedValue mirrors spec.md
// section 8 scenario 5: register 21 seeded to 0x0000 elsewhere must not
// suppress the ReadHold UpdateHoldBit issues before computing SetHold.
func TestUpdateHoldBitIssuesReadHoldEvenWithStaleCachedValue(t *testing.T) {
	ch := newChannels()
	inv := testInverter(false)
	datalog, _ := protocol.ParseSerial(inv.Datalog)
	serial, _ := protocol.ParseSerial(inv.Serial)

	var seenRegisters []uint16
	fakeInverterSeq(t, ch,
		func(req protocol.Packet) protocol.Packet {
			seenRegisters = append(seenRegisters, req.TranslatedData.Register)
			return protocol.Packet{TranslatedData: &protocol.TranslatedData{
				Datalog:        datalog,
				DeviceFunction: protocol.ReadHold,
				Inverter:       serial,
				Register:       req.TranslatedData.Register,
				Values:         []byte{0x00, 0x00},
			}}
		},
		func(req protocol.Packet) protocol.Packet {
			seenRegisters = append(seenRegisters, req.TranslatedData.Register)
			return protocol.Packet{TranslatedData: &protocol.TranslatedData{
				Datalog:        datalog,
				DeviceFunction: protocol.WriteSingle,
				Inverter:       serial,
				Register:       req.TranslatedData.Register,
				Values:         []byte{0x80, 0x00},
			}}
		},
	)

	reply, err := UpdateHoldBit(context.Background(), ch, inv, 21, 0x0080, true)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0080), reply.Value())
	assert.Equal(t, []uint16{21, 21}, seenRegisters, "ReadHold then SetHold must both reach register 21")
}
