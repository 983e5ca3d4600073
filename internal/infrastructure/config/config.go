package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gray Logic Edge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Modbus   ModbusConfig   `yaml:"modbus"`
	Sensors  []SensorConfig `yaml:"sensors"`
	Relays   []RelayConfig  `yaml:"relays"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HubConfig identifies this edge hub on the MQTT fabric.
type HubConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Timeouts  MQTTTimeoutConfig   `yaml:"timeouts"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
// An empty ClientID means a random one is generated at startup.
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

// MQTTTimeoutConfig contains per-operation timeouts in seconds.
type MQTTTimeoutConfig struct {
	Connect   int `yaml:"connect"`
	Publish   int `yaml:"publish"`
	Subscribe int `yaml:"subscribe"`
}

// MQTTReconnectConfig contains supervisor backoff settings in seconds.
// The reconnect interval starts at InitialDelay and doubles after every
// failed session, capped at MaxDelay.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// ModbusConfig contains the serial bus settings for the RTU master.
type ModbusConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Device   string        `yaml:"device"`
	BaudRate int           `yaml:"baud_rate"`
	DataBits int           `yaml:"data_bits"`
	Parity   string        `yaml:"parity"`
	StopBits int           `yaml:"stop_bits"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SensorConfig describes one polled bus sensor exposing a float32 value
// in two consecutive input registers.
type SensorConfig struct {
	ID       string        `yaml:"id"`
	Unit     uint8         `yaml:"unit"`
	Address  uint16        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

// RelayConfig describes one coil-driven output on the bus.
type RelayConfig struct {
	ID      string `yaml:"id"`
	Unit    uint8  `yaml:"unit"`
	Address uint16 `yaml:"address"`
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
// Environment variables follow the pattern: GRAYEDGE_SECTION_KEY
// For example: GRAYEDGE_DATABASE_PATH, GRAYEDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			ID:          "grayedge-01",
			Name:        "Gray Logic Edge",
			TopicPrefix: "grayedge",
		},
		Database: DatabaseConfig{
			Path:        "./data/grayedge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 0,
			Timeouts: MQTTTimeoutConfig{
				Connect:   10,
				Publish:   10,
				Subscribe: 10,
			},
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     900,
			},
		},
		Modbus: ModbusConfig{
			Device:   "/dev/ttyS2",
			BaudRate: 9600,
			DataBits: 8,
			Parity:   "N",
			StopBits: 1,
			Timeout:  3 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYEDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYEDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYEDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYEDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYEDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Modbus serial device varies per board revision
	if v := os.Getenv("GRAYEDGE_MODBUS_DEVICE"); v != "" {
		cfg.Modbus.Device = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYEDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Hub validation
	if c.Hub.ID == "" {
		errs = append(errs, "hub.id is required")
	}
	if c.Hub.TopicPrefix == "" {
		errs = append(errs, "hub.topic_prefix is required")
	}
	if strings.ContainsAny(c.Hub.TopicPrefix, "+#/") {
		errs = append(errs, "hub.topic_prefix must be a single topic level (no '/', '+' or '#')")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must be >= initial_delay")
	}

	// Modbus validation (only when the bus is in use)
	if c.Modbus.Enabled {
		if c.Modbus.Device == "" {
			errs = append(errs, "modbus.device is required when modbus is enabled")
		}
		if c.Modbus.BaudRate <= 0 {
			errs = append(errs, "modbus.baud_rate must be positive")
		}
		switch c.Modbus.Parity {
		case "N", "E", "O":
		default:
			errs = append(errs, "modbus.parity must be N, E, or O")
		}
		if c.Modbus.StopBits != 1 && c.Modbus.StopBits != 2 {
			errs = append(errs, "modbus.stop_bits must be 1 or 2")
		}
		if c.Modbus.DataBits != 7 && c.Modbus.DataBits != 8 {
			errs = append(errs, "modbus.data_bits must be 7 or 8")
		}
	} else if len(c.Sensors) > 0 || len(c.Relays) > 0 {
		errs = append(errs, "sensors/relays are configured but modbus is disabled")
	}

	// Sensor and relay validation
	seen := make(map[string]bool)
	for i, s := range c.Sensors {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("sensors[%d].id is required", i))
			continue
		}
		if seen["sensor:"+s.ID] {
			errs = append(errs, fmt.Sprintf("duplicate sensor id %q", s.ID))
		}
		seen["sensor:"+s.ID] = true
		if s.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("sensors[%d].interval must be positive", i))
		}
	}
	for i, r := range c.Relays {
		if r.ID == "" {
			errs = append(errs, fmt.Sprintf("relays[%d].id is required", i))
			continue
		}
		if seen["relay:"+r.ID] {
			errs = append(errs, fmt.Sprintf("duplicate relay id %q", r.ID))
		}
		seen["relay:"+r.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the MQTT connect timeout as a Duration.
func (m *MQTTConfig) GetConnectTimeout() time.Duration {
	return time.Duration(m.Timeouts.Connect) * time.Second
}

// GetPublishTimeout returns the MQTT publish timeout as a Duration.
func (m *MQTTConfig) GetPublishTimeout() time.Duration {
	return time.Duration(m.Timeouts.Publish) * time.Second
}

// GetSubscribeTimeout returns the MQTT subscribe timeout as a Duration.
func (m *MQTTConfig) GetSubscribeTimeout() time.Duration {
	return time.Duration(m.Timeouts.Subscribe) * time.Second
}

// GetInitialDelay returns the supervisor's initial backoff as a Duration.
func (m *MQTTConfig) GetInitialDelay() time.Duration {
	return time.Duration(m.Reconnect.InitialDelay) * time.Second
}

// GetMaxDelay returns the supervisor's backoff ceiling as a Duration.
func (m *MQTTConfig) GetMaxDelay() time.Duration {
	return time.Duration(m.Reconnect.MaxDelay) * time.Second
}
