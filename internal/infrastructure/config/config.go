package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-ramses/internal/bridges/ramses"
)

// DefaultPath is the configuration file used when no path is given.
const DefaultPath = "configs/ramses.yaml"

// Gateway transports.
const (
	TransportMQTT   = "mqtt"
	TransportSerial = "serial"
)

// Config is the root configuration of the RAMSES bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Devices   DevicesConfig   `yaml:"devices"`
	Engine    EngineConfig    `yaml:"engine"`
	PacketLog PacketLogConfig `yaml:"packet_log"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// GatewayConfig selects and configures the RF gateway.
type GatewayConfig struct {
	// Transport is "mqtt" for a ramses_esp gateway or "serial" for a USB
	// stick.
	Transport string `yaml:"transport"`

	// BaseTopic is the ramses_esp topic root. Default: RAMSES/GATEWAY
	BaseTopic string `yaml:"base_topic"`

	// ID is the gateway device id, e.g. "18:149960". When empty over MQTT
	// the gateway is discovered from its online topic.
	ID string `yaml:"id"`

	Serial SerialConfig `yaml:"serial"`
}

// SerialConfig configures a serial gateway.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// DevicesConfig holds the known device ids. Empty fan and CO2 ids are
// discovered from traffic.
type DevicesConfig struct {
	RemoteID string `yaml:"remote_id"`
	FanID    string `yaml:"fan_id"`
	CO2ID    string `yaml:"co2_id"`
}

// EngineConfig tunes the protocol engine.
type EngineConfig struct {
	// MaxRetries is the number of retransmissions of an unanswered request.
	// 0 sends each request once.
	MaxRetries int `yaml:"max_retries"`

	Timeout      time.Duration `yaml:"timeout"`
	StartupDelay time.Duration `yaml:"startup_delay"`

	// AwaitFanState makes fan commands wait for the fan's 31D9 confirmation.
	AwaitFanState bool `yaml:"await_fan_state"`

	// TxRate limits transmissions in frames per second. Zero disables pacing.
	TxRate  float64 `yaml:"tx_rate"`
	TxBurst int     `yaml:"tx_burst"`

	HumidityPollInterval time.Duration `yaml:"humidity_poll_interval"`
}

// PacketLogConfig configures the rolling packet log.
type PacketLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
	QueueSize  int    `yaml:"queue_size"`
}

// DatabaseConfig contains SQLite database settings for the device recorder.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// QueueSize bounds the device writes waiting for the database.
	QueueSize int `yaml:"queue_size"`
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

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// HealthConfig configures health reporting to Core.
type HealthConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_GATEWAY_ID, GRAYLOGIC_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-ramses",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Gateway: GatewayConfig{
			Transport: TransportMQTT,
			BaseTopic: ramses.DefaultBaseTopic,
			Serial: SerialConfig{
				BaudRate: ramses.DefaultBaudRate,
			},
		},
		Devices: DevicesConfig{
			RemoteID: ramses.DefaultRemoteID,
		},
		Engine: EngineConfig{
			MaxRetries:           ramses.DefaultMaxRetries,
			Timeout:              ramses.DefaultTimeout,
			StartupDelay:         ramses.DefaultStartupDelay,
			TxRate:               2,
			TxBurst:              3,
			HumidityPollInterval: ramses.DefaultHumidityPollInterval,
		},
		PacketLog: PacketLogConfig{
			Enabled:    true,
			Path:       ramses.DefaultPacketLogPath,
			MaxSize:    ramses.DefaultPacketLogMaxSizeMB,
			MaxBackups: ramses.DefaultPacketLogMaxBackups,
			QueueSize:  ramses.DefaultPacketLogQueueSize,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/ramses.db",
			WALMode:     true,
			BusyTimeout: 5,
			QueueSize:   ramses.DefaultRecorderQueueSize,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9464",
		},
		Health: HealthConfig{
			Interval:   ramses.DefaultHealthInterval,
			StaleAfter: ramses.DefaultStaleAfter,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/graylogic-ramses.log",
				MaxSize:    10,
				MaxBackups: 5,
				MaxAge:     30,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Gateway
	if v := os.Getenv("GRAYLOGIC_GATEWAY_TRANSPORT"); v != "" {
		cfg.Gateway.Transport = v
	}
	if v := os.Getenv("GRAYLOGIC_GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
	if v := os.Getenv("GRAYLOGIC_GATEWAY_SERIAL_PORT"); v != "" {
		cfg.Gateway.Serial.Port = v
	}

	// Devices
	if v := os.Getenv("GRAYLOGIC_DEVICES_FAN_ID"); v != "" {
		cfg.Devices.FanID = v
	}
	if v := os.Getenv("GRAYLOGIC_DEVICES_CO2_ID"); v != "" {
		cfg.Devices.CO2ID = v
	}

	// Storage
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: All validation failures joined with "; ", or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	// Gateway validation
	switch c.Gateway.Transport {
	case TransportMQTT:
		if c.Gateway.BaseTopic == "" {
			errs = append(errs, "gateway.base_topic is required for the mqtt transport")
		}
	case TransportSerial:
		if c.Gateway.Serial.Port == "" {
			errs = append(errs, "gateway.serial.port is required for the serial transport")
		}
		if c.Gateway.Serial.BaudRate <= 0 {
			errs = append(errs, "gateway.serial.baud_rate must be positive")
		}
		if c.Gateway.ID == "" {
			errs = append(errs, "gateway.id is required for the serial transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("gateway.transport must be %q or %q", TransportMQTT, TransportSerial))
	}

	// Device ids
	for _, id := range []struct{ key, value string }{
		{"gateway.id", c.Gateway.ID},
		{"devices.remote_id", c.Devices.RemoteID},
		{"devices.fan_id", c.Devices.FanID},
		{"devices.co2_id", c.Devices.CO2ID},
	} {
		if id.value == "" {
			continue
		}
		if _, err := ramses.ParseAddress(id.value); err != nil {
			errs = append(errs, fmt.Sprintf("%s %q is not a device id (expected TT:NNNNNN)", id.key, id.value))
		}
	}
	if c.Devices.RemoteID == "" {
		errs = append(errs, "devices.remote_id is required")
	}

	// Engine validation
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, "engine.max_retries must not be negative")
	}
	if c.Engine.Timeout <= 0 {
		errs = append(errs, "engine.timeout must be positive")
	}
	if c.Engine.TxRate < 0 {
		errs = append(errs, "engine.tx_rate must not be negative")
	}
	if c.Engine.TxRate > 0 && c.Engine.TxBurst < 1 {
		errs = append(errs, "engine.tx_burst must be at least 1 when tx_rate is set")
	}

	// Optional components
	if c.PacketLog.Enabled && c.PacketLog.Path == "" {
		errs = append(errs, "packet_log.path is required when enabled")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when enabled")
	}

	// Logging validation
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr":
	case "file":
		if c.Logging.File.Path == "" {
			errs = append(errs, "logging.file.path is required for file output")
		}
	default:
		errs = append(errs, "logging.output must be stdout, stderr or file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
