// Package reading defines the decoded data shape the coordinator forwards
// to the Influx and database sinks (spec.md section 4.7). It exists so
// internal/influxsink and internal/dbsink can share one wire shape without
// either importing internal/coordinator.
package reading

import "time"

// Input is one decoded ReadInput frame: a page of input registers read
// from one inverter at one instant. It carries the raw register payload
// rather than named fields, matching spec.md section 1's scoping of the
// ~200-register human-readable decode table out of this core.
type Input struct {
	Datalog  string
	Register uint16
	Values   []byte
	Time     time.Time
}
