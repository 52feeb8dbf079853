package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/command"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
)

func testInverter() config.Inverter {
	ro := false
	return config.Inverter{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     1,
		Serial:   "SN00000001",
		Datalog:  "BA12345678",
		ReadOnly: &ro,
	}
}

func newChannels() command.Channels {
	return command.Channels{
		ToInverter:   bus.New[protocol.Packet](16),
		FromInverter: bus.New[protocol.Packet](16),
		ConnLost:     bus.New[protocol.Serial](4),
	}
}

func TestWriteTimesyncPacksAndSendsThreeRegisters(t *testing.T) {
	ch := newChannels()
	inv := testInverter()
	datalog, err := protocol.ParseSerial(inv.Datalog)
	require.NoError(t, err)
	serial, err := protocol.ParseSerial(inv.Serial)
	require.NoError(t, err)

	var seenRegisters []uint16
	sub := ch.ToInverter.Subscribe()
	go func() {
		defer sub.Close()
		for i := 0; i < 3; i++ {
			select {
			case req := <-sub.C():
				seenRegisters = append(seenRegisters, req.TranslatedData.Register)
				ch.FromInverter.Send(protocol.Packet{TranslatedData: &protocol.TranslatedData{
					Datalog:        datalog,
					DeviceFunction: protocol.WriteSingle,
					Inverter:       serial,
					Register:       req.TranslatedData.Register,
					Values:         req.TranslatedData.Values,
				}})
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()

	now := time.Date(2026, time.March, 5, 14, 30, 45, 0, time.UTC)
	err = writeTimesync(context.Background(), ch, inv, now)
	require.NoError(t, err)
	assert.Equal(t, []uint16{registerMonthYear, registerHourDay, registerSecondMinute}, seenRegisters)
}

func TestRunReturnsImmediatelyWhenDisabled(t *testing.T) {
	store := config.NewStore(config.Config{Scheduler: &config.Scheduler{Enabled: false}})
	s := New(store, command.Channels{}, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a disabled scheduler")
	}
}

func TestRunSkipsInvalidCronExpressionWithoutBlockingForever(t *testing.T) {
	store := config.NewStore(config.Config{Scheduler: &config.Scheduler{
		Enabled:      true,
		TimesyncCron: "not a cron expression",
	}})
	s := New(store, command.Channels{}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunNeverFiresRepublishWhenItsCronFailsToParse(t *testing.T) {
	store := config.NewStore(config.Config{Scheduler: &config.Scheduler{
		Enabled:               true,
		RepublishHoldingsCron: "not a cron expression either",
	}})
	called := false
	s := New(store, command.Channels{}, func(ctx context.Context) error {
		called = true
		return nil
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.False(t, called, "republish should never fire when its cron expression fails to parse")
}
