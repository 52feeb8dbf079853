// Package influxsink implements the InfluxDB sink (spec.md section 4.7):
// a task that consumes decoded input readings from a dedicated channel
// and writes each reading as one line-protocol point as soon as it is
// dequeued; readings are not batched together. A circuit breaker trips on
// repeated write failures rather than hammering a down server. Grounded
// on soothill-matter-data-logger/storage/influxdb.go and circuit_breaker.go.
package influxsink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
	"github.com/lxp-bridge/bridge/internal/reading"
)

const (
	queueCapacity    = 256
	healthTimeout    = 5 * time.Second
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// StatsRecorder is the slice of internal/coordinator.Stats the sink
// mutates; satisfied structurally so this package never imports coordinator.
type StatsRecorder interface {
	IncInfluxWrites()
	IncInfluxErrors()
}

// Sink owns the InfluxDB client and the queue of readings awaiting write.
// A nil *Sink is valid and Enqueue/Run on it are no-ops, so the coordinator
// can be wired against a disabled sink without a branch at every call site.
//
// Writes use the blocking write API rather than the client's default
// asynchronous batching: the circuit breaker needs a real synchronous
// failure signal per write to count consecutive failures against, which
// the fire-and-forget WriteAPI doesn't give it.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	breaker  *gobreaker.CircuitBreaker
	queue    chan reading.Input
	stats    StatsRecorder
	log      zerolog.Logger
}

// New connects to InfluxDB and verifies its health. If cfg is disabled, New
// returns (nil, nil) and the returned *Sink is the inert zero value above.
func New(cfg config.Influx, stats StatsRecorder, log zerolog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := influxdb2.NewClient(cfg.URL, authToken(cfg))

	healthCtx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, bridgeerr.Wrap(bridgeerr.KindSinkError, "influxdb health check failed", err)
	}
	if health.Status != "pass" {
		client.Close()
		msg := "unknown error"
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, bridgeerr.New(bridgeerr.KindSinkError, "influxdb unhealthy: "+msg)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influx",
		Timeout: breakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
	})

	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking("", cfg.Database),
		breaker:  breaker,
		queue:    make(chan reading.Input, queueCapacity),
		stats:    stats,
		log:      log,
	}, nil
}

// authToken renders the username/password pair as the v1-compat auth token
// influxdb-client-go expects ("user:pass"), per its README's 1.x bridge.
func authToken(cfg config.Influx) string {
	if cfg.Username == nil {
		return ""
	}
	password := ""
	if cfg.Password != nil {
		password = *cfg.Password
	}
	return *cfg.Username + ":" + password
}

// Enqueue hands r to the write task. When the queue is full the oldest
// pending reading is dropped to make room, and an error is counted —
// back-pressure never blocks the coordinator (spec.md section 4.7).
func (s *Sink) Enqueue(r reading.Input) {
	if s == nil {
		return
	}
	select {
	case s.queue <- r:
		return
	default:
	}

	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- r:
	default:
	}
	s.stats.IncInfluxErrors()
}

// Run drains the queue until ctx is cancelled, then closes the client.
func (s *Sink) Run(ctx context.Context) {
	if s == nil {
		return
	}
	defer s.client.Close()

	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, r reading.Input) {
	td := &protocol.TranslatedData{Register: r.Register, Values: r.Values}
	pairs := td.Pairs()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		fields := make(map[string]interface{}, len(pairs))
		for _, rv := range pairs {
			fields[fmt.Sprintf("reg_%d", rv.Register)] = int64(rv.Value)
		}
		p := influxdb2.NewPoint(
			"inverter_inputs",
			map[string]string{"datalog": r.Datalog},
			fields,
			r.Time,
		)
		return nil, s.writeAPI.WritePoint(ctx, p)
	})
	if err != nil {
		s.log.Error().Err(err).Str("datalog", r.Datalog).Msg("influx write rejected")
		s.stats.IncInfluxErrors()
		return
	}
	s.stats.IncInfluxWrites()
}

// Health reports whether the underlying client can still reach InfluxDB.
func (s *Sink) Health(ctx context.Context) error {
	if s == nil {
		return nil
	}
	health, err := s.client.Health(ctx)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindSinkError, "influxdb health check failed", err)
	}
	if health.Status != "pass" {
		return bridgeerr.New(bridgeerr.KindSinkError, "influxdb unhealthy")
	}
	return nil
}
