// Command lxp-bridge runs the protocol bridge between solar inverters and
// their downstream consumers: an MQTT broker with optional Home Assistant
// discovery, InfluxDB, relational databases, and a cron-driven scheduler.
//
// Component wiring and the ordered startup/shutdown sequence follow
// original_source/src/lib.rs's app() function. The panic-recovering
// component supervisor (safeGo) and the flag/.env startup shape follow
// ryansname-powerctl/src/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/command"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/coordinator"
	"github.com/lxp-bridge/bridge/internal/dbsink"
	"github.com/lxp-bridge/bridge/internal/debugshell"
	"github.com/lxp-bridge/bridge/internal/influxsink"
	"github.com/lxp-bridge/bridge/internal/mqttgw"
	"github.com/lxp-bridge/bridge/internal/protocol"
	"github.com/lxp-bridge/bridge/internal/scheduler"
	"github.com/lxp-bridge/bridge/internal/session"
	"github.com/lxp-bridge/bridge/internal/statsmetrics"
)

const (
	packetBusCapacity = 256
	serialBusCapacity = 16
	shutdownGrace     = 500 * time.Millisecond

	exitOK          = 0
	exitConfigError = 255
	exitRuntimeErr  = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the bridge's YAML config file")
	debug := flag.Bool("debug", false, "start the interactive debug shell")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: error loading .env file: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return exitConfigError
	}

	log := buildLogger(cfg.DefaultedLogLevel())
	store := config.NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	toInverter := bus.New[protocol.Packet](packetBusCapacity)
	fromInverter := bus.New[protocol.Packet](packetBusCapacity)
	connLost := bus.New[protocol.Serial](serialBusCapacity)
	connected := bus.New[protocol.Serial](serialBusCapacity)
	channels := command.Channels{ToInverter: toInverter, FromInverter: fromInverter, ConnLost: connLost}

	// Publisher and sinks are wired onto the coordinator after construction:
	// the gateway and the sinks all share coord.Stats, so none of them can
	// be built before the coordinator itself exists.
	coord := coordinator.New(store, toInverter, fromInverter, connLost, connected, nil, nil, nil, log.With().Str("component", "coordinator").Logger())

	gateway := mqttgw.New(store, toInverter, fromInverter, connLost, coord.Stats, log.With().Str("component", "mqtt").Logger())
	coord.Publisher = gateway

	influx, err := influxsink.New(cfg.Influx, coord.Stats, log.With().Str("component", "influx").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to start influxdb sink")
		return exitRuntimeErr
	}
	coord.Influx = influx

	databases, err := dbsink.NewMulti(cfg.EnabledDatabases(), coord.Stats, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to start database sinks")
		return exitRuntimeErr
	}
	coord.Database = databases

	sched := scheduler.New(store, channels, coord.RepublishHoldings, log.With().Str("component", "scheduler").Logger())

	sessions := make([]*session.Session, 0, len(cfg.EnabledInverters()))
	for _, inv := range cfg.EnabledInverters() {
		sessions = append(sessions, &session.Session{
			Inverter:     inv,
			ToInverter:   toInverter,
			FromInverter: fromInverter,
			ConnLost:     connLost,
			Connected:    connected,
			Log:          log.With().Str("component", "session").Str("datalog", inv.Datalog).Logger(),
		})
	}

	// Ordered startup, per original_source's app(): databases, then influx,
	// then the coordinator, then the inverter sessions, then the scheduler
	// and MQTT gateway together.
	safeGo(ctx, cancel, "database-sink", log, databases.Run)
	safeGo(ctx, cancel, "influx-sink", log, influx.Run)
	safeGo(ctx, cancel, "coordinator", log, coord.Run)

	for _, s := range sessions {
		s := s
		safeGo(ctx, cancel, "session-"+s.Inverter.Datalog, log, s.Run)
	}

	if *metricsAddr != "" {
		serveMetrics(ctx, *metricsAddr, coord.Stats, log)
	}

	if *debug {
		shell := debugshell.New(store, channels, coord.Stats, log.With().Str("component", "debugshell").Logger())
		safeGo(ctx, cancel, "debug-shell", log, func(ctx context.Context) {
			if err := shell.Run(ctx, cancel); err != nil {
				log.Error().Err(err).Msg("debug shell exited with error")
			}
		})
	}

	safeGo(ctx, cancel, "scheduler", log, sched.Run)
	safeGo(ctx, cancel, "mqtt-gateway", log, func(ctx context.Context) {
		if err := gateway.Run(ctx); err != nil {
			log.Error().Err(err).Msg("mqtt gateway exited with error")
			cancel()
		}
	})

	return waitForShutdown(ctx, cancel, log)
}

// waitForShutdown blocks until a signal arrives or a supervised component
// exhausts its retries and cancels ctx, then gives running components a
// short grace period to drain before the process exits.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, log zerolog.Logger) int {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Warn().Msg("a component failed fatally, shutting down")
		exitCode = exitRuntimeErr
	}

	cancel()
	time.Sleep(shutdownGrace)
	return exitCode
}

// serveMetrics mounts the Prometheus handler and serves it until ctx is
// cancelled. A crashed metrics endpoint never takes down the bridge itself,
// so it runs outside safeGo's retry supervision.
func serveMetrics(ctx context.Context, addr string, stats statsmetrics.Source, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", statsmetrics.Handler(stats))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("serving prometheus metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// buildLogger configures the console-writer zerolog.Logger every component
// receives, following soothill-matter-data-logger/pkg/logger's console
// format and RFC3339 timestamps. An unrecognised level falls back to info
// rather than failing startup over a typo in loglevel.
func buildLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(logLevel).With().Timestamp().Logger()
}
