// Package coordinator wires the inverter sessions, the register caches and
// the downstream sinks together: it dispatches inbound packets by device
// function, drives the on-connect holding-register handshake, and turns
// MQTT commands into outbound requests. Grounded on original_source's
// coordinator/mod.rs, adapted to Go channels and a per-inverter Cache.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/cache"
	"github.com/lxp-bridge/bridge/internal/command"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
	"github.com/lxp-bridge/bridge/internal/reading"
)

// Publisher is the downstream fan-out surface the coordinator pushes
// derived topics/values to. internal/mqttgw implements it over MQTT;
// nil-safe no-op implementations make the coordinator testable without one.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// ReadingSink is the downstream surface of internal/influxsink and
// internal/dbsink: each owns its own batching task and back-pressure
// policy (spec.md section 4.7), so Enqueue never blocks the coordinator.
type ReadingSink interface {
	Enqueue(r reading.Input)
}

// readHoldBlockSize and readHoldBlockCount mirror original_source's six fixed
// 40-register pages read on connect (spec.md section 4.5 item 3). The page
// size stays 40 whatever an inverter's register_block_size is set to.
const (
	readHoldBlockSize  = 40
	readHoldBlockCount = 6
)

// Coordinator owns the per-inverter register caches and dispatches all
// inbound/outbound traffic for the inverters in store's current snapshot.
type Coordinator struct {
	Store        *config.Store
	ToInverter   *bus.Bus[protocol.Packet]
	FromInverter *bus.Bus[protocol.Packet]
	ConnLost     *bus.Bus[protocol.Serial]
	Connected    *bus.Bus[protocol.Serial]
	Publisher    Publisher
	Influx       ReadingSink
	Database     ReadingSink
	Stats        *Stats
	Log          zerolog.Logger

	mu     sync.Mutex
	caches map[string]*cache.Cache
}

// New constructs a Coordinator; call Run to start its receive loops. influx
// and database may be nil, in which case readings are simply not forwarded.
func New(store *config.Store, toInverter, fromInverter *bus.Bus[protocol.Packet], connLost, connected *bus.Bus[protocol.Serial], pub Publisher, influx, database ReadingSink, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		Store:        store,
		ToInverter:   toInverter,
		FromInverter: fromInverter,
		ConnLost:     connLost,
		Connected:    connected,
		Publisher:    pub,
		Influx:       influx,
		Database:     database,
		Stats:        NewStats(),
		Log:          log,
		caches:       make(map[string]*cache.Cache),
	}
}

// Run drives the inverter packet receiver and the connect-handshake
// listener until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.receiveInverterPackets(ctx)
	}()

	go func() {
		defer wg.Done()
		c.watchConnections(ctx)
	}()

	wg.Wait()
}

// CacheFor returns (creating if necessary) the register cache for datalog,
// starting its owning goroutine the first time it's requested.
func (c *Coordinator) CacheFor(ctx context.Context, datalog string) *cache.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()

	ca, ok := c.caches[datalog]
	if !ok {
		ca = cache.New()
		c.caches[datalog] = ca
		go ca.Run(ctx)
	}
	return ca
}

func (c *Coordinator) commandChannels() command.Channels {
	return command.Channels{ToInverter: c.ToInverter, FromInverter: c.FromInverter, ConnLost: c.ConnLost}
}

func (c *Coordinator) receiveInverterPackets(ctx context.Context) {
	sub := c.FromInverter.Subscribe()
	defer sub.Close()

	for {
		select {
		case pkt := <-sub.C():
			c.handlePacket(ctx, pkt)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handlePacket(ctx context.Context, pkt protocol.Packet) {
	switch {
	case pkt.Heartbeat != nil:
		c.Stats.IncPacketsReceived("heartbeat")
		return
	case pkt.ReadParam != nil:
		c.Stats.IncPacketsReceived("read_param")
		return
	case pkt.WriteParam != nil:
		c.Stats.IncPacketsReceived("write_param")
		return
	case pkt.TranslatedData == nil:
		return
	}

	c.Stats.IncPacketsReceived("translated_data")
	td := pkt.TranslatedData
	datalog := td.Datalog.String()
	c.Stats.RecordLastMessage(datalog, fmt.Sprintf("%s register=%d", td.DeviceFunction, td.Register))

	cfg := c.Store.Snapshot()
	inv, ok := cfg.InverterByDatalog(datalog)
	if !ok {
		c.Log.Warn().Str("datalog", datalog).Msg("no enabled inverter found for datalog")
		return
	}

	if expected, err := protocol.ParseSerial(inv.Serial); err == nil && expected != td.Inverter {
		c.Log.Warn().Str("datalog", datalog).Str("got", td.Inverter.String()).Str("want", inv.Serial).Msg("serial mismatch")
		c.Stats.IncSerialMismatches()
		return
	}

	ca := c.CacheFor(ctx, datalog)

	switch td.DeviceFunction {
	case protocol.ReadInput:
		c.publishInputs(ctx, cfg.MQTT, datalog, td)

	case protocol.ReadHold:
		pairs := td.Pairs()
		for _, rv := range pairs {
			ca.Write(cache.Write{Register: rv.Register, Value: rv.Value})
			c.Stats.IncCacheWrites()
		}
		c.publishHoldPairs(ctx, datalog, pairs)

	case protocol.WriteMulti:
		pairs := td.Pairs()
		for _, rv := range pairs {
			ca.Write(cache.Write{Register: rv.Register, Value: rv.Value})
			c.Stats.IncCacheWrites()
		}
		c.publishWriteMultiConfirmation(ctx, datalog, pairs)

	case protocol.WriteSingle:
		value := td.Value()
		ca.Write(cache.Write{Register: td.Register, Value: value})
		c.Stats.IncCacheWrites()
		c.publishWriteConfirmation(ctx, datalog, td.Register, value)
	}
}

// publishInputs publishes one decoded ReadInput page to its literal topic
// name: register 0 is always the "all" page; any other register is the
// "1" page, gated on PublishIndividualInputEnabled so a deployment that
// only wants the bulk page can suppress the rest (spec.md section 4.5 item
// 1 and section 6). The Influx/database sinks get every page regardless of
// that gate.
func (c *Coordinator) publishInputs(ctx context.Context, mqtt config.MQTT, datalog string, td *protocol.TranslatedData) {
	if c.Publisher != nil && (td.Register == 0 || mqtt.PublishIndividualInputEnabled()) {
		variant := "1"
		if td.Register == 0 {
			variant = "all"
		}
		topic := fmt.Sprintf("%s/inputs/%s", datalog, variant)

		payload, err := json.Marshal(inputFields(td))
		if err != nil {
			c.Log.Error().Err(err).Msg("failed to encode input registers")
			c.Stats.IncMQTTErrors()
		} else if err := c.Publisher.Publish(ctx, topic, payload, false); err != nil {
			c.Log.Error().Err(err).Msg("failed to publish input registers")
			c.Stats.IncMQTTErrors()
		} else {
			c.Stats.IncMQTTSent()
		}
	}

	r := reading.Input{Datalog: datalog, Register: td.Register, Values: td.Values, Time: time.Now()}
	if c.Influx != nil {
		c.Influx.Enqueue(r)
	}
	if c.Database != nil {
		c.Database.Enqueue(r)
	}
}

// inputFields decodes a ReadInput page into a register-keyed map, the same
// reg_N naming internal/influxsink uses for its line-protocol fields; per
// spec.md's non-goal against decoding each register's human meaning, this
// stays a generic register->value map rather than a named struct.
func inputFields(td *protocol.TranslatedData) map[string]uint16 {
	pairs := td.Pairs()
	out := make(map[string]uint16, len(pairs))
	for _, rv := range pairs {
		out[fmt.Sprintf("reg_%d", rv.Register)] = rv.Value
	}
	return out
}

func (c *Coordinator) publishHoldPairs(ctx context.Context, datalog string, pairs []protocol.RegisterValue) {
	if c.Publisher == nil {
		return
	}
	for _, rv := range pairs {
		topic := fmt.Sprintf("%s/hold/%d", datalog, rv.Register)
		if err := c.Publisher.Publish(ctx, topic, []byte(fmt.Sprintf("%d", rv.Value)), true); err != nil {
			c.Log.Error().Err(err).Msg("failed to publish holding register")
			c.Stats.IncMQTTErrors()
			continue
		}
		c.Stats.IncMQTTSent()
	}
}

func (c *Coordinator) publishWriteMultiConfirmation(ctx context.Context, datalog string, pairs []protocol.RegisterValue) {
	if c.Publisher == nil {
		return
	}
	topic := fmt.Sprintf("%s/write_multi/status", datalog)
	payload := []byte(fmt.Sprintf("OK: %v", pairs))
	if err := c.Publisher.Publish(ctx, topic, payload, false); err != nil {
		c.Log.Error().Err(err).Msg("failed to publish write multi confirmation")
		c.Stats.IncMQTTErrors()
		return
	}
	c.Stats.IncMQTTSent()
}

func (c *Coordinator) publishWriteConfirmation(ctx context.Context, datalog string, register, value uint16) {
	if c.Publisher == nil {
		return
	}
	topic := fmt.Sprintf("%s/write/status", datalog)
	payload := []byte(fmt.Sprintf("OK: %d = %d", register, value))
	if err := c.Publisher.Publish(ctx, topic, payload, false); err != nil {
		c.Log.Error().Err(err).Msg("failed to publish write confirmation")
		c.Stats.IncMQTTErrors()
		return
	}
	c.Stats.IncMQTTSent()
}

// watchConnections runs the on-connect holding-register handshake whenever
// a session reports its TCP connection established, and records a
// disconnection in Stats whenever a session reports its connection lost.
func (c *Coordinator) watchConnections(ctx context.Context) {
	sub := c.Connected.Subscribe()
	defer sub.Close()

	var lostC <-chan protocol.Serial
	if c.ConnLost != nil {
		lostSub := c.ConnLost.Subscribe()
		defer lostSub.Close()
		lostC = lostSub.C()
	}

	for {
		select {
		case datalog := <-sub.C():
			go c.handleInverterConnected(ctx, datalog)
		case datalog := <-lostC:
			c.Stats.RecordDisconnection(datalog.String())
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleInverterConnected(ctx context.Context, datalog protocol.Serial) {
	cfg := c.Store.Snapshot()
	inv, ok := cfg.InverterByDatalog(datalog.String())
	if !ok {
		c.Log.Warn().Str("datalog", datalog.String()).Msg("unknown inverter datalog connected")
		return
	}
	if !inv.PublishHoldingsOnConnectEnabled() {
		return
	}

	c.Log.Info().Str("datalog", datalog.String()).Msg("reading holding registers on connect")

	for page := 0; page < readHoldBlockCount; page++ {
		register := uint16(page * readHoldBlockSize)
		c.Stats.IncPacketsSent("translated_data")
		if _, err := command.ReadHold(ctx, c.commandChannels(), inv, register, readHoldBlockSize); err != nil {
			c.Log.Warn().Err(err).Uint16("register", register).Msg("on-connect holding read failed")
			return
		}
	}

	c.readTimeRegisters(ctx, inv)
}

// timeRegisterActions enumerates the four time-register groups read after
// the six holding pages on connect (spec.md section 4.5 item 3).
var timeRegisterActions = []command.Action{
	command.AcCharge,
	command.AcFirst,
	command.ChargePriority,
	command.ForcedDischarge,
}

func (c *Coordinator) readTimeRegisters(ctx context.Context, inv config.Inverter) {
	for _, action := range timeRegisterActions {
		for num := 1; num <= 3; num++ {
			c.Stats.IncPacketsSent("translated_data")
			if _, _, err := command.ReadTimeRegister(ctx, c.commandChannels(), inv, action, num); err != nil {
				c.Log.Warn().Err(err).Str("action", action.String()).Int("slot", num).Msg("on-connect time register read failed")
				return
			}
		}
	}
}

// RepublishHoldings re-reads every 40-register holding page for every
// enabled inverter, used by the scheduler's republish_holdings job.
func (c *Coordinator) RepublishHoldings(ctx context.Context) error {
	cfg := c.Store.Snapshot()
	var firstErr error
	for _, inv := range cfg.EnabledInverters() {
		for page := 0; page < readHoldBlockCount; page++ {
			register := uint16(page * readHoldBlockSize)
			c.Stats.IncPacketsSent("translated_data")
			if _, err := command.ReadHold(ctx, c.commandChannels(), inv, register, readHoldBlockSize); err != nil {
				c.Log.Warn().Err(err).Str("datalog", inv.Datalog).Msg("republish holdings read failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		c.readTimeRegisters(ctx, inv)
	}
	if firstErr != nil {
		return bridgeerr.Wrap(bridgeerr.KindSinkError, "republish holdings encountered errors", firstErr)
	}
	return nil
}
