package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device simulator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// MQTTConfig contains MQTT broker connection settings for the cloud platform.
type MQTTConfig struct {
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	ConnectTimeout int                 `yaml:"connect_timeout"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
	Heartbeat      HeartbeatConfig     `yaml:"heartbeat"`
}

// MQTTBrokerConfig contains broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// MQTTAuthConfig contains authentication credentials for the cloud platform.
// Tenant is prepended to the username in the Cumulocity tenant/user form.
type MQTTAuthConfig struct {
	Tenant   string `yaml:"tenant"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection backoff settings.
type MQTTReconnectConfig struct {
	// BaseDelay is the first retry delay in seconds. Doubles per attempt.
	BaseDelay int `yaml:"base_delay"`

	// MaxDelay caps the backoff delay in seconds.
	MaxDelay int `yaml:"max_delay"`

	// MaxAttempts is the number of consecutive failures before the
	// connection is parked in the failed state.
	MaxAttempts int `yaml:"max_attempts"`
}

// HeartbeatConfig contains connection liveness probe settings.
type HeartbeatConfig struct {
	// Interval between liveness probes in seconds.
	Interval int `yaml:"interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains settings for the optional telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SimulatorConfig contains per-device simulation settings.
type SimulatorConfig struct {
	// MeasurementInterval is the seconds between measurement ticks (1-300).
	// Read at worker start; changes apply only to subsequently started workers.
	MeasurementInterval int `yaml:"measurement_interval"`

	// RateLimit is the sustained publish rate allowed per device (msgs/sec).
	RateLimit float64 `yaml:"rate_limit"`

	// RateLimitBurst is the token bucket size for publish bursts.
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// StopGracePeriod is the seconds to wait for a worker to unwind
	// before it is abandoned.
	StopGracePeriod int `yaml:"stop_grace_period"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IOTSIM_SECTION_KEY
// For example: IOTSIM_DATABASE_PATH, IOTSIM_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading a file.
// Useful for tests and for running against a local broker.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS:            1,
			ConnectTimeout: 10,
			Reconnect: MQTTReconnectConfig{
				BaseDelay:   5,
				MaxDelay:    300,
				MaxAttempts: 50,
			},
			Heartbeat: HeartbeatConfig{
				Interval: 60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/iotsim.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     500,
			FlushInterval: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Simulator: SimulatorConfig{
			MeasurementInterval: 5,
			RateLimit:           2,
			RateLimitBurst:      4,
			StopGracePeriod:     5,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("IOTSIM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("IOTSIM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("IOTSIM_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("IOTSIM_MQTT_TENANT"); v != "" {
		cfg.MQTT.Auth.Tenant = v
	}
	if v := os.Getenv("IOTSIM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("IOTSIM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("IOTSIM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.BaseDelay < 1 {
		errs = append(errs, "mqtt.reconnect.base_delay must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.BaseDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must be >= base_delay")
	}
	if c.MQTT.Reconnect.MaxAttempts < 1 {
		errs = append(errs, "mqtt.reconnect.max_attempts must be at least 1")
	}
	if c.MQTT.Heartbeat.Interval < 1 {
		errs = append(errs, "mqtt.heartbeat.interval must be at least 1 second")
	}

	if c.Simulator.MeasurementInterval < 1 || c.Simulator.MeasurementInterval > 300 {
		errs = append(errs, "simulator.measurement_interval must be between 1 and 300 seconds")
	}
	if c.Simulator.RateLimit <= 0 {
		errs = append(errs, "simulator.rate_limit must be positive")
	}
	if c.Simulator.RateLimitBurst < 1 {
		errs = append(errs, "simulator.rate_limit_burst must be at least 1")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set IOTSIM_INFLUXDB_TOKEN)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the broker connect timeout as a Duration.
func (c *MQTTConfig) GetConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// GetBaseDelay returns the initial reconnect delay as a Duration.
func (c *MQTTReconnectConfig) GetBaseDelay() time.Duration {
	return time.Duration(c.BaseDelay) * time.Second
}

// GetMaxDelay returns the reconnect delay cap as a Duration.
func (c *MQTTReconnectConfig) GetMaxDelay() time.Duration {
	return time.Duration(c.MaxDelay) * time.Second
}

// GetInterval returns the heartbeat interval as a Duration.
func (c *HeartbeatConfig) GetInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// GetMeasurementInterval returns the tick interval as a Duration.
func (c *SimulatorConfig) GetMeasurementInterval() time.Duration {
	return time.Duration(c.MeasurementInterval) * time.Second
}

// GetStopGracePeriod returns the worker stop grace period as a Duration.
func (c *SimulatorConfig) GetStopGracePeriod() time.Duration {
	return time.Duration(c.StopGracePeriod) * time.Second
}
