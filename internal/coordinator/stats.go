package coordinator

import (
	"fmt"
	"sync"
)

// Stats accumulates the lifetime packet and sink counters the coordinator
// publishes to the stats metrics mirror and prints on request. A single
// mutex guards every field, matching original_source's PacketStats shape.
type Stats struct {
	mu sync.Mutex

	PacketsReceived uint64
	PacketsSent     uint64

	HeartbeatReceived      uint64
	TranslatedDataReceived uint64
	ReadParamReceived      uint64
	WriteParamReceived     uint64

	HeartbeatSent      uint64
	TranslatedDataSent uint64
	ReadParamSent      uint64
	WriteParamSent     uint64

	MQTTMessagesSent uint64
	MQTTErrors       uint64
	InfluxWrites     uint64
	InfluxErrors     uint64
	DatabaseWrites   uint64
	DatabaseErrors   uint64
	CacheWrites      uint64
	CacheErrors      uint64

	SerialMismatches uint64

	Disconnections map[string]uint64
	LastMessage    map[string]string
}

// NewStats returns a ready-to-use Stats.
func NewStats() *Stats {
	return &Stats{
		Disconnections: make(map[string]uint64),
		LastMessage:    make(map[string]string),
	}
}

func (s *Stats) IncPacketsReceived(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PacketsReceived++
	switch kind {
	case "heartbeat":
		s.HeartbeatReceived++
	case "translated_data":
		s.TranslatedDataReceived++
	case "read_param":
		s.ReadParamReceived++
	case "write_param":
		s.WriteParamReceived++
	}
}

func (s *Stats) IncPacketsSent(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PacketsSent++
	switch kind {
	case "heartbeat":
		s.HeartbeatSent++
	case "translated_data":
		s.TranslatedDataSent++
	case "read_param":
		s.ReadParamSent++
	case "write_param":
		s.WriteParamSent++
	}
}

func (s *Stats) IncMQTTErrors()  { s.mu.Lock(); s.MQTTErrors++; s.mu.Unlock() }
func (s *Stats) IncMQTTSent()    { s.mu.Lock(); s.MQTTMessagesSent++; s.mu.Unlock() }
func (s *Stats) IncCacheErrors() { s.mu.Lock(); s.CacheErrors++; s.mu.Unlock() }
func (s *Stats) IncCacheWrites() { s.mu.Lock(); s.CacheWrites++; s.mu.Unlock() }
func (s *Stats) IncInfluxWrites() { s.mu.Lock(); s.InfluxWrites++; s.mu.Unlock() }
func (s *Stats) IncInfluxErrors() { s.mu.Lock(); s.InfluxErrors++; s.mu.Unlock() }
func (s *Stats) IncDatabaseWrites() { s.mu.Lock(); s.DatabaseWrites++; s.mu.Unlock() }
func (s *Stats) IncDatabaseErrors() { s.mu.Lock(); s.DatabaseErrors++; s.mu.Unlock() }

func (s *Stats) IncSerialMismatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SerialMismatches++
}

func (s *Stats) RecordDisconnection(datalog string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disconnections[datalog]++
}

func (s *Stats) RecordLastMessage(datalog, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastMessage[datalog] = summary
}

// Snapshot returns a copy of the counters safe to read without the mutex.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		PacketsReceived:        s.PacketsReceived,
		PacketsSent:            s.PacketsSent,
		HeartbeatReceived:      s.HeartbeatReceived,
		TranslatedDataReceived: s.TranslatedDataReceived,
		ReadParamReceived:      s.ReadParamReceived,
		WriteParamReceived:     s.WriteParamReceived,
		HeartbeatSent:          s.HeartbeatSent,
		TranslatedDataSent:     s.TranslatedDataSent,
		ReadParamSent:          s.ReadParamSent,
		WriteParamSent:         s.WriteParamSent,
		MQTTMessagesSent:       s.MQTTMessagesSent,
		MQTTErrors:             s.MQTTErrors,
		InfluxWrites:           s.InfluxWrites,
		InfluxErrors:           s.InfluxErrors,
		DatabaseWrites:         s.DatabaseWrites,
		DatabaseErrors:         s.DatabaseErrors,
		CacheWrites:            s.CacheWrites,
		CacheErrors:            s.CacheErrors,
		SerialMismatches:       s.SerialMismatches,
		Disconnections:         make(map[string]uint64, len(s.Disconnections)),
		LastMessage:            make(map[string]string, len(s.LastMessage)),
	}
	for k, v := range s.Disconnections {
		out.Disconnections[k] = v
	}
	for k, v := range s.LastMessage {
		out.LastMessage[k] = v
	}
	return out
}

// String renders a one-line human-readable summary, used by internal/debugshell's
// "stats" command.
func (s *Stats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf(
		"received=%d sent=%d mqtt_sent=%d mqtt_errors=%d influx_writes=%d influx_errors=%d "+
			"database_writes=%d database_errors=%d cache_writes=%d cache_errors=%d serial_mismatches=%d",
		snap.PacketsReceived, snap.PacketsSent, snap.MQTTMessagesSent, snap.MQTTErrors,
		snap.InfluxWrites, snap.InfluxErrors, snap.DatabaseWrites, snap.DatabaseErrors,
		snap.CacheWrites, snap.CacheErrors, snap.SerialMismatches,
	)
}
