package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Itron bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Meters   []MeterConfig  `yaml:"meters"`
	TLS      MeterTLSConfig `yaml:"tls"`
	History  HistoryConfig  `yaml:"history"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains bridge identity and polling settings.
type BridgeConfig struct {
	// Name is the display name used in Home Assistant discovery payloads.
	Name string `yaml:"name"`

	// TopicPrefix is the base MQTT topic for discovery and state topics.
	// Trailing slashes are stripped before topic composition.
	TopicPrefix string `yaml:"topic_prefix"`

	// PollInterval is the delay between poll cycles (seconds).
	PollInterval int `yaml:"poll_interval"`

	// SchemaDir is the directory containing the endpoint schema files.
	SchemaDir string `yaml:"schema_dir"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// KeepAliveInterval is how often the watchdog pings the connection (seconds).
	KeepAliveInterval int `yaml:"keep_alive_interval"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig paces the lazy reconnect path: after a failed
// connection attempt the client waits InitialDelay seconds before the
// next one, doubling up to MaxDelay.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// MeterConfig identifies a single meter to poll.
type MeterConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port address of the meter.
func (m MeterConfig) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// MeterTLSConfig contains the client credentials used to authenticate
// against the meter's HTTPS endpoints.
type MeterTLSConfig struct {
	// CertFile is the path to the client certificate (PEM).
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the client private key (PEM).
	KeyFile string `yaml:"key_file"`

	// CAFile is an optional CA bundle used to verify the meter's chain.
	// If empty, the system pool is used.
	CAFile string `yaml:"ca_file"`
}

// HistoryConfig contains local SQLite reading-history settings.
type HistoryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ITRONBRIDGE_SECTION_KEY
// For example: ITRONBRIDGE_MQTT_HOST, ITRONBRIDGE_TLS_CERT_FILE
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Name:         "Xcel Itron 5",
			TopicPrefix:  "homeassistant",
			PollInterval: 5,
			SchemaDir:    "./configs",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "itron-bridge",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			KeepAliveInterval: 30,
		},
		TLS: MeterTLSConfig{
			CertFile: "certs/.cert.pem",
			KeyFile:  "certs/.key.pem",
		},
		History: HistoryConfig{
			Enabled:     false,
			Path:        "./data/itron-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ITRONBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("ITRONBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ITRONBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ITRONBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ITRONBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Topic prefix
	if v := os.Getenv("ITRONBRIDGE_TOPIC_PREFIX"); v != "" {
		cfg.Bridge.TopicPrefix = v
	}

	// Meter credentials
	if v := os.Getenv("ITRONBRIDGE_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("ITRONBRIDGE_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("ITRONBRIDGE_TLS_CA_FILE"); v != "" {
		cfg.TLS.CAFile = v
	}

	// Meters: pipe-separated host:port list, e.g. "192.168.1.10:8081|192.168.1.11:8081"
	if v := os.Getenv("ITRONBRIDGE_METERS"); v != "" {
		if meters := parseMeterList(v); len(meters) > 0 {
			cfg.Meters = meters
		}
	}

	// InfluxDB
	if v := os.Getenv("ITRONBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// parseMeterList parses a pipe-separated list of host:port meter addresses.
// Malformed entries are skipped.
func parseMeterList(list string) []MeterConfig {
	var meters []MeterConfig
	for _, entry := range strings.Split(list, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		meters = append(meters, MeterConfig{Host: host, Port: port})
	}
	return meters
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.Name == "" {
		errs = append(errs, "bridge.name is required")
	}
	if c.Bridge.TopicPrefix == "" {
		errs = append(errs, "bridge.topic_prefix is required")
	}
	if c.Bridge.PollInterval < 1 {
		errs = append(errs, "bridge.poll_interval must be at least 1 second")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(c.Meters) == 0 {
		errs = append(errs, "at least one meter is required (meters or ITRONBRIDGE_METERS)")
	}
	for i, m := range c.Meters {
		if m.Host == "" {
			errs = append(errs, fmt.Sprintf("meters[%d].host is required", i))
		}
		if m.Port < 1 || m.Port > 65535 {
			errs = append(errs, fmt.Sprintf("meters[%d].port must be between 1 and 65535", i))
		}
	}

	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, "history.path is required when history is enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPollInterval returns the poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Bridge.PollInterval) * time.Second
}

// GetKeepAliveInterval returns the watchdog keep-alive interval as a Duration.
// Zero or negative means the caller's default applies.
func (c MQTTConfig) GetKeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Second
}

// GetReconnectInitialDelay returns the first reconnect backoff delay.
// Unset values fall back to one second.
func (c MQTTConfig) GetReconnectInitialDelay() time.Duration {
	if c.Reconnect.InitialDelay <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.Reconnect.InitialDelay) * time.Second
}

// GetReconnectMaxDelay returns the reconnect backoff ceiling.
// Unset values fall back to sixty seconds.
func (c MQTTConfig) GetReconnectMaxDelay() time.Duration {
	if c.Reconnect.MaxDelay <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Reconnect.MaxDelay) * time.Second
}
