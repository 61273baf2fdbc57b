// Package config loads broker settings from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/taskbroker/logging"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store backends.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// Environment overrides for secrets that should stay out of files.
const (
	EnvPostgresURL = "TASKBROKER_POSTGRES_URL"
	EnvNATSURL     = "TASKBROKER_NATS_URL"
	EnvNATSToken   = "TASKBROKER_NATS_TOKEN"
)

// Duration is a time.Duration written as "1s", "250ms" and so on.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full broker configuration.
type Config struct {
	Broker    BrokerConfig    `toml:"broker"`
	Store     StoreConfig     `toml:"store"`
	NATS      NATSConfig      `toml:"nats"`
	Bus       BusConfig       `toml:"bus"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// BrokerConfig holds the polling and heartbeat periods.
type BrokerConfig struct {
	// ClaimInterval re-polls for work from other processes. Zero means
	// rely on the dispatch gate and bus alone.
	ClaimInterval     Duration `toml:"claim_interval"`
	ObserveInterval   Duration `toml:"observe_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

// StoreConfig selects and configures the task store.
type StoreConfig struct {
	Backend string `toml:"backend"`

	// Bucket is the JetStream KV bucket for the nats backend.
	Bucket string `toml:"bucket"`

	// PostgresURL is the DSN for the postgres backend.
	PostgresURL string `toml:"postgres_url"`
	MaxConns    int32  `toml:"max_conns"`
	Migrate     bool   `toml:"migrate"`
}

// NATSConfig is the connection shared by the nats store and the bus.
type NATSConfig struct {
	URL   string `toml:"url"`
	Name  string `toml:"name"`
	Token string `toml:"token"`

	// User and Password are used when no token is set.
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// BusConfig enables cross-process notifications.
type BusConfig struct {
	Enabled bool   `toml:"enabled"`
	Subject string `toml:"subject"`
}

// SweeperConfig configures the staleness sweep.
type SweeperConfig struct {
	Timeout       Duration `toml:"timeout"`
	CheckInterval Duration `toml:"check_interval"`
	Requeue       bool     `toml:"requeue"`
	MaxRetries    int      `toml:"max_retries"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled bool `toml:"enabled"`

	// Endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	ServiceName string            `toml:"service_name"`
	Headers     map[string]string `toml:"headers"`

	// SampleRatio keeps this fraction of traces; 0 keeps all.
	SampleRatio float64 `toml:"sample_ratio"`
}

// LogConfig configures console logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a single-process configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ClaimInterval:     Duration{time.Second},
			ObserveInterval:   Duration{time.Second},
			HeartbeatInterval: Duration{time.Second},
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Bucket:  "taskbroker",
			Migrate: true,
		},
		NATS: NATSConfig{
			URL:  "nats://127.0.0.1:4222",
			Name: "taskbroker",
		},
		Bus: BusConfig{
			Subject: "taskbroker",
		},
		Sweeper: SweeperConfig{
			Timeout:       Duration{5 * time.Second},
			CheckInterval: Duration{time.Second},
			Requeue:       true,
			MaxRetries:    3,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "taskbroker",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"taskbroker.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskbroker", "config.toml"))
	}
	return paths
}

// Load reads the first config found in StandardPaths. With no file it
// returns the defaults and an empty path.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return cfg, path, nil
		}
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg, "", cfg.Validate()
}

// LoadFile reads path over the defaults, applies environment overrides
// and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets the environment supply connection secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPostgresURL); v != "" {
		c.Store.PostgresURL = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvNATSToken); v != "" {
		c.NATS.Token = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Broker.ClaimInterval.Duration < 0 {
		return fmt.Errorf("%w: broker.claim_interval must not be negative", ErrInvalidConfig)
	}
	if c.Broker.ObserveInterval.Duration <= 0 {
		return fmt.Errorf("%w: broker.observe_interval must be positive", ErrInvalidConfig)
	}
	if c.Broker.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("%w: broker.heartbeat_interval must be positive", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Store.Bucket == "" {
			return fmt.Errorf("%w: store.bucket is required for the nats backend", ErrInvalidConfig)
		}
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats.url is required for the nats backend", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("%w: store.postgres_url (or %s) is required for the postgres backend", ErrInvalidConfig, EnvPostgresURL)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if c.Bus.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats.url is required when the bus is enabled", ErrInvalidConfig)
		}
		if c.Bus.Subject == "" {
			return fmt.Errorf("%w: bus.subject is required when the bus is enabled", ErrInvalidConfig)
		}
	}

	if c.Sweeper.Timeout.Duration <= 0 || c.Sweeper.CheckInterval.Duration <= 0 {
		return fmt.Errorf("%w: sweeper intervals must be positive", ErrInvalidConfig)
	}
	if c.Sweeper.Timeout.Duration <= c.Broker.HeartbeatInterval.Duration {
		return fmt.Errorf("%w: sweeper.timeout must exceed broker.heartbeat_interval", ErrInvalidConfig)
	}
	if c.Sweeper.MaxRetries < 0 {
		return fmt.Errorf("%w: sweeper.max_retries must not be negative", ErrInvalidConfig)
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("%w: telemetry.protocol must be grpc or http", ErrInvalidConfig)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("%w: telemetry.sample_ratio must be between 0 and 1", ErrInvalidConfig)
		}
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: unknown log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}
