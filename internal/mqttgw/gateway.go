package mqttgw

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/command"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/coordinator"
	"github.com/lxp-bridge/bridge/internal/protocol"
)

// outgoing is one queued publish, mirroring the teacher's MQTTMessage.
type outgoing struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Gateway owns the broker connection: it subscribes to command topics,
// dispatches parsed commands to the command primitives, and exposes
// Publish so the coordinator can treat it as its egress sink.
type Gateway struct {
	Store        *config.Store
	ToInverter   *bus.Bus[protocol.Packet]
	FromInverter *bus.Bus[protocol.Packet]
	ConnLost     *bus.Bus[protocol.Serial]
	Stats        *coordinator.Stats
	Log          zerolog.Logger

	NewClient func(opts *mqtt.ClientOptions) mqtt.Client // overridable for tests

	mu       sync.Mutex
	client   mqtt.Client
	queue    []outgoing
	outgoing chan outgoing
}

// New constructs a Gateway; call Run to connect and start serving. stats is
// incremented at the dispatch boundary so every MQTT-triggered command is
// reflected in the same sent-packet counters the on-connect handshake and
// RepublishHoldings use, per spec.md section 4.5 item 4.
func New(store *config.Store, toInverter, fromInverter *bus.Bus[protocol.Packet], connLost *bus.Bus[protocol.Serial], stats *coordinator.Stats, log zerolog.Logger) *Gateway {
	return &Gateway{
		Store:        store,
		ToInverter:   toInverter,
		FromInverter: fromInverter,
		ConnLost:     connLost,
		Stats:        stats,
		Log:          log,
		NewClient:    mqtt.NewClient,
		outgoing:     make(chan outgoing, 256),
	}
}

func (g *Gateway) commandChannels() command.Channels {
	return command.Channels{ToInverter: g.ToInverter, FromInverter: g.FromInverter, ConnLost: g.ConnLost}
}

// Run connects to the broker and serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	cfg := g.Store.Snapshot().MQTT
	if !cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.PortOrDefault()))
	opts.SetClientID("lxp-bridge")
	if cfg.Username != nil {
		opts.SetUsername(*cfg.Username)
	}
	if cfg.Password != nil {
		opts.SetPassword(*cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		g.Log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		g.Log.Info().Str("host", cfg.Host).Msg("connected to mqtt broker")
		g.onConnect(ctx, client, cfg)
	})

	client := g.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	g.mu.Lock()
	g.client = client
	g.mu.Unlock()

	g.senderLoop(ctx)

	if client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

func (g *Gateway) onConnect(ctx context.Context, client mqtt.Client, cfg config.MQTT) {
	topic := cfg.NamespaceOrDefault() + "/cmd/#"
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		g.handleCommandMessage(ctx, cfg.NamespaceOrDefault(), msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		g.Log.Error().Err(token.Error()).Str("topic", topic).Msg("failed to subscribe to command topic")
		return
	}

	if cfg.HomeAssistant.Enabled {
		g.publishDiscovery(cfg)
	}

	g.flushQueue()
}

func (g *Gateway) handleCommandMessage(ctx context.Context, namespace, topic string, payload []byte) {
	cmd, err := ParseCommand(namespace, topic, payload)
	if err != nil {
		g.Log.Warn().Err(err).Str("topic", topic).Msg("failed to parse command")
		return
	}

	g.Log.Info().Str("topic", topic).Str("verb", cmd.Verb).Msg("dispatching mqtt command")

	if err := g.Dispatch(ctx, cmd); err != nil {
		g.Log.Warn().Err(err).Str("topic", topic).Msg("command failed")
		g.enqueue(outgoing{topic: cmd.ResultTopic(), payload: []byte("FAIL"), qos: 0, retain: false})
	}
}

// Publish implements coordinator.Publisher.
func (g *Gateway) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	g.enqueue(outgoing{topic: topic, payload: payload, qos: 0, retain: retain})
	return nil
}

func (g *Gateway) enqueue(msg outgoing) {
	select {
	case g.outgoing <- msg:
	default:
		g.Log.Warn().Str("topic", msg.topic).Msg("mqtt outgoing queue full, dropping message")
	}
}

func (g *Gateway) senderLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.outgoing:
			g.publishNow(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) publishNow(msg outgoing) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()

	if client == nil || !client.IsConnected() {
		g.mu.Lock()
		g.queue = append(g.queue, msg)
		g.mu.Unlock()
		return
	}

	token := client.Publish(msg.topic, msg.qos, msg.retain, msg.payload)
	token.Wait()
	if token.Error() != nil {
		g.Log.Error().Err(token.Error()).Str("topic", msg.topic).Msg("failed to publish")
	}
}

func (g *Gateway) flushQueue() {
	g.mu.Lock()
	pending := g.queue
	g.queue = nil
	client := g.client
	g.mu.Unlock()

	for _, msg := range pending {
		if client == nil || !client.IsConnected() {
			continue
		}
		token := client.Publish(msg.topic, msg.qos, msg.retain, msg.payload)
		token.Wait()
		if token.Error() != nil {
			g.Log.Error().Err(token.Error()).Str("topic", msg.topic).Msg("failed to publish queued message")
		}
	}
}
