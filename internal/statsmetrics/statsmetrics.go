// Package statsmetrics exposes internal/coordinator.Stats as Prometheus
// metrics (SPEC_FULL.md's expanded component spec: "a read-only mirror of
// the Stats counters ... labelled by datalog serial and packet kind").
// Grounded on soothill-matter-data-logger/pkg/metrics's counter/gauge
// naming and the teacher's transitive prometheus/client_golang dependency,
// but implemented as a pull-based prometheus.Collector rather than
// soothill's promauto globals: a Collector reads Stats.Snapshot() fresh on
// every scrape, so it's always consistent with the live counters without
// needing a second write path threaded through the coordinator.
package statsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lxp-bridge/bridge/internal/coordinator"
)

// Source is the slice of *coordinator.Stats a Collector mirrors.
type Source interface {
	Snapshot() coordinator.Stats
}

// Collector implements prometheus.Collector over a Source, translating
// lxp_bridge_* metric names from the struct fields of coordinator.Stats.
type Collector struct {
	stats Source

	packetsReceivedByKind *prometheus.Desc
	packetsSentByKind     *prometheus.Desc
	mqttSent              *prometheus.Desc
	mqttErrors            *prometheus.Desc
	influxWrites          *prometheus.Desc
	influxErrors          *prometheus.Desc
	databaseWrites        *prometheus.Desc
	databaseErrors        *prometheus.Desc
	cacheWrites           *prometheus.Desc
	cacheErrors           *prometheus.Desc
	serialMismatches      *prometheus.Desc
	disconnectionsByDatalog *prometheus.Desc
}

// New builds a Collector over stats. Register it with a prometheus.Registry
// before scraping.
func New(stats Source) *Collector {
	return &Collector{
		stats: stats,
		packetsReceivedByKind: prometheus.NewDesc(
			"lxp_bridge_packets_received_total",
			"Packets received from inverters, by packet kind.",
			[]string{"kind"}, nil,
		),
		packetsSentByKind: prometheus.NewDesc(
			"lxp_bridge_packets_sent_total",
			"Packets sent to inverters, by packet kind.",
			[]string{"kind"}, nil,
		),
		mqttSent: prometheus.NewDesc(
			"lxp_bridge_mqtt_messages_sent_total", "MQTT messages published.", nil, nil,
		),
		mqttErrors: prometheus.NewDesc(
			"lxp_bridge_mqtt_errors_total", "MQTT publish failures.", nil, nil,
		),
		influxWrites: prometheus.NewDesc(
			"lxp_bridge_influx_writes_total", "Successful InfluxDB writes.", nil, nil,
		),
		influxErrors: prometheus.NewDesc(
			"lxp_bridge_influx_errors_total", "Failed or dropped InfluxDB writes.", nil, nil,
		),
		databaseWrites: prometheus.NewDesc(
			"lxp_bridge_database_writes_total", "Successful relational database writes.", nil, nil,
		),
		databaseErrors: prometheus.NewDesc(
			"lxp_bridge_database_errors_total", "Failed or dropped relational database writes.", nil, nil,
		),
		cacheWrites: prometheus.NewDesc(
			"lxp_bridge_cache_writes_total", "Register cache updates.", nil, nil,
		),
		cacheErrors: prometheus.NewDesc(
			"lxp_bridge_cache_errors_total", "Register cache update failures.", nil, nil,
		),
		serialMismatches: prometheus.NewDesc(
			"lxp_bridge_serial_mismatches_total", "Packets discarded for an inverter/datalog serial mismatch.", nil, nil,
		),
		disconnectionsByDatalog: prometheus.NewDesc(
			"lxp_bridge_disconnections_total", "Lost TCP connections, by datalog serial.", []string{"datalog"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsReceivedByKind
	ch <- c.packetsSentByKind
	ch <- c.mqttSent
	ch <- c.mqttErrors
	ch <- c.influxWrites
	ch <- c.influxErrors
	ch <- c.databaseWrites
	ch <- c.databaseErrors
	ch <- c.cacheWrites
	ch <- c.cacheErrors
	ch <- c.serialMismatches
	ch <- c.disconnectionsByDatalog
}

// Collect implements prometheus.Collector, reading a fresh snapshot on
// every call.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.packetsReceivedByKind, prometheus.CounterValue, float64(snap.HeartbeatReceived), "heartbeat")
	ch <- prometheus.MustNewConstMetric(c.packetsReceivedByKind, prometheus.CounterValue, float64(snap.TranslatedDataReceived), "translated_data")
	ch <- prometheus.MustNewConstMetric(c.packetsReceivedByKind, prometheus.CounterValue, float64(snap.ReadParamReceived), "read_param")
	ch <- prometheus.MustNewConstMetric(c.packetsReceivedByKind, prometheus.CounterValue, float64(snap.WriteParamReceived), "write_param")

	ch <- prometheus.MustNewConstMetric(c.packetsSentByKind, prometheus.CounterValue, float64(snap.HeartbeatSent), "heartbeat")
	ch <- prometheus.MustNewConstMetric(c.packetsSentByKind, prometheus.CounterValue, float64(snap.TranslatedDataSent), "translated_data")
	ch <- prometheus.MustNewConstMetric(c.packetsSentByKind, prometheus.CounterValue, float64(snap.ReadParamSent), "read_param")
	ch <- prometheus.MustNewConstMetric(c.packetsSentByKind, prometheus.CounterValue, float64(snap.WriteParamSent), "write_param")

	ch <- prometheus.MustNewConstMetric(c.mqttSent, prometheus.CounterValue, float64(snap.MQTTMessagesSent))
	ch <- prometheus.MustNewConstMetric(c.mqttErrors, prometheus.CounterValue, float64(snap.MQTTErrors))
	ch <- prometheus.MustNewConstMetric(c.influxWrites, prometheus.CounterValue, float64(snap.InfluxWrites))
	ch <- prometheus.MustNewConstMetric(c.influxErrors, prometheus.CounterValue, float64(snap.InfluxErrors))
	ch <- prometheus.MustNewConstMetric(c.databaseWrites, prometheus.CounterValue, float64(snap.DatabaseWrites))
	ch <- prometheus.MustNewConstMetric(c.databaseErrors, prometheus.CounterValue, float64(snap.DatabaseErrors))
	ch <- prometheus.MustNewConstMetric(c.cacheWrites, prometheus.CounterValue, float64(snap.CacheWrites))
	ch <- prometheus.MustNewConstMetric(c.cacheErrors, prometheus.CounterValue, float64(snap.CacheErrors))
	ch <- prometheus.MustNewConstMetric(c.serialMismatches, prometheus.CounterValue, float64(snap.SerialMismatches))

	for datalog, count := range snap.Disconnections {
		ch <- prometheus.MustNewConstMetric(c.disconnectionsByDatalog, prometheus.CounterValue, float64(count), datalog)
	}
}

// Handler builds a fresh registry holding only this Collector and returns
// an http.Handler serving it in the Prometheus exposition format, ready to
// mount at /metrics.
func Handler(stats Source) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(New(stats))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
