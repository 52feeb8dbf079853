// Package config loads, validates, and hot-swaps the bridge's YAML
// configuration file (spec.md section 6).
package config

// Config is the top-level YAML document.
type Config struct {
	Inverters []Inverter       `yaml:"inverters" validate:"dive"`
	MQTT      MQTT             `yaml:"mqtt"`
	Influx    Influx           `yaml:"influx"`
	Databases []Database       `yaml:"databases" validate:"dive"`
	Scheduler *Scheduler       `yaml:"scheduler"`
	LogLevel  string           `yaml:"loglevel"`
	ReadOnly  bool             `yaml:"read_only"`
}

// Inverter is one configured inverter connection (spec.md section 3).
type Inverter struct {
	Enabled                  bool    `yaml:"enabled"`
	Host                     string  `yaml:"host" validate:"required"`
	Port                     uint16  `yaml:"port" validate:"required"`
	Serial                   string  `yaml:"serial" validate:"len=10"`
	Datalog                  string  `yaml:"datalog" validate:"len=10"`
	Heartbeats               *bool   `yaml:"heartbeats"`
	PublishHoldingsOnConnect *bool   `yaml:"publish_holdings_on_connect"`
	ReadTimeoutS             *uint64 `yaml:"read_timeout"`
	TCPNoDelay               *bool   `yaml:"tcp_nodelay"`
	RegisterBlockSize        *uint16 `yaml:"register_block_size"`
	DelayMs                  *uint64 `yaml:"delay_ms"`
	ReadOnly                 *bool   `yaml:"read_only"`
}

const (
	defaultReadTimeoutS      uint64 = 900
	defaultRegisterBlockSize uint16 = 40
	defaultDelayMs           uint64 = 1000
)

func (i Inverter) HeartbeatsEnabled() bool { return i.Heartbeats != nil && *i.Heartbeats }

func (i Inverter) PublishHoldingsOnConnectEnabled() bool {
	return i.PublishHoldingsOnConnect != nil && *i.PublishHoldingsOnConnect
}

func (i Inverter) ReadTimeout() uint64 {
	if i.ReadTimeoutS == nil {
		return defaultReadTimeoutS
	}
	return *i.ReadTimeoutS
}

func (i Inverter) TCPNoDelayEnabled() bool {
	if i.TCPNoDelay == nil {
		return true
	}
	return *i.TCPNoDelay
}

func (i Inverter) RegisterBlockSizeOrDefault() uint16 {
	if i.RegisterBlockSize == nil {
		return defaultRegisterBlockSize
	}
	return *i.RegisterBlockSize
}

func (i Inverter) DelayMsOrDefault() uint64 {
	if i.DelayMs == nil {
		return defaultDelayMs
	}
	return *i.DelayMs
}

func (i Inverter) IsReadOnly() bool { return i.ReadOnly != nil && *i.ReadOnly }

// HomeAssistant controls MQTT discovery publication (spec.md section 6).
type HomeAssistant struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

func (h HomeAssistant) PrefixOrDefault() string {
	if h.Prefix == "" {
		return "homeassistant"
	}
	return h.Prefix
}

// MQTT is the broker connection and topic configuration.
type MQTT struct {
	Enabled                bool          `yaml:"enabled"`
	Host                   string        `yaml:"host"`
	Port                   uint16        `yaml:"port"`
	Username               *string       `yaml:"username"`
	Password               *string       `yaml:"password"`
	Namespace              string        `yaml:"namespace"`
	HomeAssistant          HomeAssistant `yaml:"homeassistant"`
	PublishIndividualInput *bool         `yaml:"publish_individual_input"`
}

func (m MQTT) PortOrDefault() uint16 {
	if m.Port == 0 {
		return 1883
	}
	return m.Port
}

func (m MQTT) NamespaceOrDefault() string {
	if m.Namespace == "" {
		return "lxp"
	}
	return m.Namespace
}

func (m MQTT) PublishIndividualInputEnabled() bool {
	return m.PublishIndividualInput != nil && *m.PublishIndividualInput
}

// Influx is the InfluxDB sink configuration.
type Influx struct {
	Enabled  bool    `yaml:"enabled"`
	URL      string  `yaml:"url"`
	Username *string `yaml:"username"`
	Password *string `yaml:"password"`
	Database string  `yaml:"database"`
}

// Database is one relational database sink configuration. The URL scheme
// (postgres://, mysql://, sqlite://) selects the driver (internal/dbsink).
type Database struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Scheduler controls the cron-driven periodic jobs (spec.md section 4.8).
type Scheduler struct {
	Enabled                bool   `yaml:"enabled"`
	TimesyncCron           string `yaml:"timesync_cron"`
	RepublishHoldingsCron  string `yaml:"republish_holdings_cron"`
}

func (c Config) DefaultedLogLevel() string {
	if c.LogLevel == "" {
		return "debug"
	}
	return c.LogLevel
}

// EnabledInverters returns the subset of Inverters with Enabled set.
func (c Config) EnabledInverters() []Inverter {
	var out []Inverter
	for _, inv := range c.Inverters {
		if inv.Enabled {
			out = append(out, inv)
		}
	}
	return out
}

// EnabledDatabases returns the subset of Databases with Enabled set.
func (c Config) EnabledDatabases() []Database {
	var out []Database
	for _, db := range c.Databases {
		if db.Enabled {
			out = append(out, db)
		}
	}
	return out
}

// InverterByDatalog finds an enabled inverter by its datalog serial.
func (c Config) InverterByDatalog(datalog string) (Inverter, bool) {
	for _, inv := range c.EnabledInverters() {
		if inv.Datalog == datalog {
			return inv, true
		}
	}
	return Inverter{}, false
}
