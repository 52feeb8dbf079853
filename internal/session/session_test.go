package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
)

func testInverter() config.Inverter {
	return config.Inverter{
		Enabled: true,
		Host:    "127.0.0.1",
		Port:    1,
		Serial:  "SN00000001",
		Datalog: "BA12345678",
	}
}

// pipeDialer returns a Dialer whose every call hands back one end of an
// in-memory net.Pipe, with the other end delivered on serverConn.
func pipeDialer(serverConn chan net.Conn) Dialer {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		serverConn <- server
		return client, nil
	}
}

func newTestSession(dial Dialer) (*Session, *bus.Bus[protocol.Packet], *bus.Bus[protocol.Packet], *bus.Bus[protocol.Serial]) {
	toInverter := bus.New[protocol.Packet](16)
	fromInverter := bus.New[protocol.Packet](16)
	connLost := bus.New[protocol.Serial](4)
	s := &Session{
		Inverter:     testInverter(),
		ToInverter:   toInverter,
		FromInverter: fromInverter,
		ConnLost:     connLost,
		Connected:    bus.New[protocol.Serial](4),
		Dial:         dial,
		Log:          zerolog.Nop(),
	}
	return s, toInverter, fromInverter, connLost
}

func TestSessionDecodesFramesOntoFromInverterBus(t *testing.T) {
	conns := make(chan net.Conn, 1)
	s, _, fromInverter, _ := newTestSession(pipeDialer(conns))

	sub := fromInverter.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	server := <-conns
	datalog, err := protocol.ParseSerial("BA12345678")
	require.NoError(t, err)

	frame, err := protocol.Encode(protocol.Packet{Heartbeat: &protocol.Heartbeat{Datalog: datalog}})
	require.NoError(t, err)

	go func() { _, _ = server.Write(frame) }()

	select {
	case pkt := <-sub.C():
		require.NotNil(t, pkt.Heartbeat)
		assert.Equal(t, datalog, pkt.Heartbeat.Datalog)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded heartbeat")
	}
}

func TestSessionWriterFiltersByDatalog(t *testing.T) {
	conns := make(chan net.Conn, 1)
	s, toInverter, _, _ := newTestSession(pipeDialer(conns))
	s.Inverter.DelayMs = ptrU64(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	server := <-conns

	otherDatalog, err := protocol.ParseSerial("ZZ99999999")
	require.NoError(t, err)
	mineDatalog, err := protocol.ParseSerial("BA12345678")
	require.NoError(t, err)

	toInverter.Send(protocol.Packet{Heartbeat: &protocol.Heartbeat{Datalog: otherDatalog}})
	toInverter.Send(protocol.Packet{Heartbeat: &protocol.Heartbeat{Datalog: mineDatalog}})

	readDone := make(chan protocol.Packet, 1)
	go func() {
		buf := make([]byte, 256)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		result, err := protocol.Decode(buf[:n])
		if err != nil {
			return
		}
		readDone <- result.Packet
	}()

	select {
	case pkt := <-readDone:
		require.NotNil(t, pkt.Heartbeat)
		assert.Equal(t, mineDatalog, pkt.Heartbeat.Datalog)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filtered write")
	}
}

func TestSessionPublishesConnLostOnReadError(t *testing.T) {
	conns := make(chan net.Conn, 1)
	s, _, _, connLost := newTestSession(pipeDialer(conns))

	lostSub := connLost.Subscribe()
	defer lostSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	server := <-conns
	_ = server.Close()

	datalog, err := protocol.ParseSerial("BA12345678")
	require.NoError(t, err)

	select {
	case lost := <-lostSub.C():
		assert.Equal(t, datalog, lost)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection-lost notification")
	}
}

func ptrU64(v uint64) *uint64 { return &v }
