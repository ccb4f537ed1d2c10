// Package config loads regelapi settings from the environment.
//
// Every variable carries the REGELAPI_ prefix, e.g. REGELAPI_DB_PATH.
// Command-line flags override what is loaded here.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every environment variable name.
const Prefix = "REGELAPI_"

// Config is the runtime configuration of the serve command and the
// one-shot commands.
type Config struct {
	DBPath    string `env:"DB_PATH" envDefault:"regelapi.db"`
	LogDBPath string `env:"LOG_DB_PATH" envDefault:"regelapi-log.db"`

	Partitions       int           `env:"PARTITIONS" envDefault:"4"`
	RequestTopic     string        `env:"REQUEST_TOPIC" envDefault:"behov"`
	ResultTopic      string        `env:"RESULT_TOPIC" envDefault:"subsumsjon"`
	ConsumptionTopic string        `env:"CONSUMPTION_TOPIC" envDefault:"subsumsjon-brukt"`
	ConsumerGroup    string        `env:"CONSUMER_GROUP" envDefault:"regelapi"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`

	PublishTimeout   time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"10s"`
	BreakerTripAfter uint32        `env:"BREAKER_TRIP_AFTER" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`

	ReevaluationInterval time.Duration `env:"REEVALUATION_INTERVAL" envDefault:"1s"`
	ReevaluationAttempts int           `env:"REEVALUATION_ATTEMPTS" envDefault:"15"`

	JanitorInitialDelay time.Duration `env:"JANITOR_INITIAL_DELAY" envDefault:"10m"`
	JanitorPeriod       time.Duration `env:"JANITOR_PERIOD" envDefault:"12h"`
	RetentionWindow     time.Duration `env:"RETENTION_WINDOW" envDefault:"720h"`
	HardCeiling         time.Duration `env:"HARD_CEILING" envDefault:"2160h"`

	HealthPort int `env:"HEALTH_PORT" envDefault:"8081"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects empty names and non-positive durations and counts.
func (c Config) Validate() error {
	var errs []error
	names := []struct {
		name, value string
	}{
		{"DB_PATH", c.DBPath},
		{"LOG_DB_PATH", c.LogDBPath},
		{"REQUEST_TOPIC", c.RequestTopic},
		{"RESULT_TOPIC", c.ResultTopic},
		{"CONSUMPTION_TOPIC", c.ConsumptionTopic},
		{"CONSUMER_GROUP", c.ConsumerGroup},
	}
	for _, n := range names {
		if n.value == "" {
			errs = append(errs, fmt.Errorf("%s%s must not be empty", Prefix, n.name))
		}
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"PUBLISH_TIMEOUT", c.PublishTimeout},
		{"BREAKER_COOLDOWN", c.BreakerCooldown},
		{"REEVALUATION_INTERVAL", c.ReevaluationInterval},
		{"JANITOR_PERIOD", c.JanitorPeriod},
		{"RETENTION_WINDOW", c.RetentionWindow},
		{"HARD_CEILING", c.HardCeiling},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive, got %s", Prefix, d.name, d.d))
		}
	}
	if c.JanitorInitialDelay < 0 {
		errs = append(errs, fmt.Errorf("%sJANITOR_INITIAL_DELAY must not be negative, got %s", Prefix, c.JanitorInitialDelay))
	}

	counts := []struct {
		name string
		n    int
	}{
		{"PARTITIONS", c.Partitions},
		{"REEVALUATION_ATTEMPTS", c.ReevaluationAttempts},
		{"BREAKER_TRIP_AFTER", int(c.BreakerTripAfter)},
	}
	for _, n := range counts {
		if n.n <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive, got %d", Prefix, n.name, n.n))
		}
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("%sHEALTH_PORT out of range: %d", Prefix, c.HealthPort))
	}

	return errors.Join(errs...)
}
