package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
)

// Load reads, parses, and validates the YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, bridgeerr.Wrap(bridgeerr.KindConfig, "reading config file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, bridgeerr.Wrap(bridgeerr.KindConfig, "parsing config yaml", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, bridgeerr.Wrap(bridgeerr.KindConfig, "validating config", err)
	}

	return cfg, nil
}

var structValidator = validator.New()

// Validate applies go-playground/validator struct tags for structural
// rules, then the semantic rules spec.md section 6 calls out that tags
// can't express: parseable Influx/database URLs, non-zero read timeouts,
// non-empty cron expressions when a scheduler job is configured.
func Validate(cfg Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}

	for _, inv := range cfg.Inverters {
		if inv.Host == "" {
			return fmt.Errorf("inverter %s: host must not be empty", inv.Datalog)
		}
		if inv.Port < 1 {
			return fmt.Errorf("inverter %s: port %d out of range [1,65535]", inv.Datalog, inv.Port)
		}
		if inv.ReadTimeout() == 0 {
			return fmt.Errorf("inverter %s: read_timeout must be non-zero", inv.Datalog)
		}
	}

	if cfg.Influx.Enabled {
		if _, err := url.Parse(cfg.Influx.URL); err != nil {
			return fmt.Errorf("influx: invalid url %q: %w", cfg.Influx.URL, err)
		}
	}

	for _, db := range cfg.EnabledDatabases() {
		if _, err := url.Parse(db.URL); err != nil {
			return fmt.Errorf("database: invalid url %q: %w", db.URL, err)
		}
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Host == "" {
			return fmt.Errorf("mqtt: host must not be empty when enabled")
		}
		port := cfg.MQTT.PortOrDefault()
		if port < 1 {
			return fmt.Errorf("mqtt: port %d out of range [1,65535]", port)
		}
	}

	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		if cfg.Scheduler.TimesyncCron == "" && cfg.Scheduler.RepublishHoldingsCron == "" {
			return fmt.Errorf("scheduler: enabled but no cron expression configured")
		}
	}

	return nil
}
