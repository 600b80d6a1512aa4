package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Viam bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Robot         RobotConfig         `yaml:"robot"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Commands      CommandConfig       `yaml:"commands"`
	Motors        []MotorConfig       `yaml:"motors"`
	Sensors       SensorConfig        `yaml:"sensors"`
	DataAPI       DataAPIConfig       `yaml:"data_api"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Database      DatabaseConfig      `yaml:"database"`
	History       HistoryConfig       `yaml:"history"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`

	// Flat motor keys kept for configs written against the original
	// integration options. They expand into Motors during Load.
	MotorNames    string `yaml:"motor_names"`
	OpenTime      int    `yaml:"open_time"`
	CloseTime     int    `yaml:"close_time"`
	FlipDirection bool   `yaml:"flip_direction"`
}

// RobotConfig identifies the remote robot and how to reach it.
type RobotConfig struct {
	Hostname         string `yaml:"hostname"`
	APIKeyID         string `yaml:"api_key_id"`
	APIKey           string `yaml:"api_key"`
	EntryID          string `yaml:"entry_id"`
	Port             int    `yaml:"port"`
	Path             string `yaml:"path"`
	TLS              bool   `yaml:"tls"`
	LocalDiscovery   bool   `yaml:"local_discovery"`
	MDNSService      string `yaml:"mdns_service"`
	MDNSInterface    string `yaml:"mdns_interface"`
	ConnectTimeout   int    `yaml:"connect_timeout"`
	DiscoveryTimeout int    `yaml:"discovery_timeout"`
}

// ConnectionConfig contains reconnection settings.
type ConnectionConfig struct {
	Backoff          BackoffConfig `yaml:"backoff"`
	AuthFailureDelay int           `yaml:"auth_failure_delay"`
}

// BackoffConfig describes an exponential backoff schedule (seconds).
type BackoffConfig struct {
	Floor  int     `yaml:"floor"`
	Max    int     `yaml:"max"`
	Jitter float64 `yaml:"jitter"`
}

// CommandConfig bounds motor commands.
type CommandConfig struct {
	Timeout    int `yaml:"timeout"`
	MaxRetries int `yaml:"max_retries"`
}

// MotorConfig describes one motor exposed as a cover.
type MotorConfig struct {
	Name          string `yaml:"name"`
	OpenTime      int    `yaml:"open_time"`
	CloseTime     int    `yaml:"close_time"`
	FlipDirection bool   `yaml:"flip_direction"`
}

// SensorConfig contains polling settings for the sensor aggregator.
type SensorConfig struct {
	UpdateInterval int      `yaml:"update_interval"`
	Concurrency    int      `yaml:"concurrency"`
	StaleFactor    float64  `yaml:"stale_factor"`
	ReadTimeout    int      `yaml:"read_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	Include        []string `yaml:"include"`
}

// DataAPIConfig contains cloud Data API settings.
type DataAPIConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	OrgID         string   `yaml:"org_id"`
	APIKey        string   `yaml:"api_key"`
	Bucket        string   `yaml:"bucket"`
	SensorNames   []string `yaml:"sensor_names"`
	LookbackHours int      `yaml:"lookback_hours"`
	QueryTimeout  int      `yaml:"query_timeout"`
	RangeTimeout  int      `yaml:"range_timeout"`
	RangeLimit    int      `yaml:"range_limit"`
}

// HomeAssistantConfig contains MQTT discovery settings.
type HomeAssistantConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
	HealthInterval  int    `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig controls local history retention.
type HistoryConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APIAuthConfig enables bearer-token authentication on the API.
// An empty secret leaves the API open to the local network.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for the reading recorder.
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
// Environment variables follow the pattern: VIAMBRIDGE_SECTION_KEY
// For example: VIAMBRIDGE_ROBOT_HOSTNAME, VIAMBRIDGE_API_PORT
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
	cfg.expandMotors()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Robot: RobotConfig{
			Port:             8080,
			Path:             "/rpc",
			TLS:              true,
			MDNSService:      "_rpc._tcp",
			ConnectTimeout:   10,
			DiscoveryTimeout: 15,
		},
		Connection: ConnectionConfig{
			Backoff: BackoffConfig{
				Floor:  1,
				Max:    30,
				Jitter: 0.2,
			},
			AuthFailureDelay: 300,
		},
		Commands: CommandConfig{
			Timeout:    5,
			MaxRetries: 2,
		},
		Sensors: SensorConfig{
			UpdateInterval: 30,
			Concurrency:    4,
			StaleFactor:    10,
			ReadTimeout:    5,
			MaxRetries:     1,
		},
		DataAPI: DataAPIConfig{
			URL:           "https://app.viam.com",
			Bucket:        "viam",
			LookbackHours: 24,
			QueryTimeout:  10,
			RangeTimeout:  15,
			RangeLimit:    100,
		},
		HomeAssistant: HomeAssistantConfig{
			Enabled:         true,
			DiscoveryPrefix: "homeassistant",
			BaseTopic:       "viam",
			HealthInterval:  30,
		},
		Database: DatabaseConfig{
			Path:        "./data/viambridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "viambridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8099,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		OpenTime:  defaultTravelSeconds,
		CloseTime: defaultTravelSeconds,
	}
}

// defaultTravelSeconds is the open/close travel time used when a motor omits one.
const defaultTravelSeconds = 10

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VIAMBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Robot
	if v := os.Getenv("VIAMBRIDGE_ROBOT_HOSTNAME"); v != "" {
		cfg.Robot.Hostname = v
	}
	if v := os.Getenv("VIAMBRIDGE_ROBOT_API_KEY_ID"); v != "" {
		cfg.Robot.APIKeyID = v
	}
	if v := os.Getenv("VIAMBRIDGE_ROBOT_API_KEY"); v != "" {
		cfg.Robot.APIKey = v
	}
	if v := os.Getenv("VIAMBRIDGE_MOTOR_NAMES"); v != "" {
		cfg.MotorNames = v
	}

	// Data API
	if v := os.Getenv("VIAMBRIDGE_DATA_API_ORG_ID"); v != "" {
		cfg.DataAPI.OrgID = v
	}
	if v := os.Getenv("VIAMBRIDGE_DATA_API_KEY"); v != "" {
		cfg.DataAPI.APIKey = v
	}
	if v := os.Getenv("VIAMBRIDGE_DATA_API_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.DataAPI.Enabled = enabled
		}
	}

	// Database
	if v := os.Getenv("VIAMBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("VIAMBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VIAMBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VIAMBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("VIAMBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("VIAMBRIDGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("VIAMBRIDGE_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("VIAMBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// expandMotors merges the flat motor_names list into Motors and fills
// per-motor travel defaults.
func (c *Config) expandMotors() {
	seen := make(map[string]bool, len(c.Motors))
	for _, m := range c.Motors {
		seen[m.Name] = true
	}

	for _, name := range SplitNames(c.MotorNames) {
		if seen[name] {
			continue
		}
		seen[name] = true
		c.Motors = append(c.Motors, MotorConfig{
			Name:          name,
			OpenTime:      c.OpenTime,
			CloseTime:     c.CloseTime,
			FlipDirection: c.FlipDirection,
		})
	}

	for i := range c.Motors {
		if c.Motors[i].OpenTime == 0 {
			c.Motors[i].OpenTime = defaultTravelSeconds
		}
		if c.Motors[i].CloseTime == 0 {
			c.Motors[i].CloseTime = defaultTravelSeconds
		}
	}
}

// SplitNames splits a comma-separated list, trimming blanks.
func SplitNames(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Robot validation
	if c.Robot.Hostname == "" {
		errs = append(errs, "robot.hostname is required")
	}
	if c.Robot.APIKeyID == "" || c.Robot.APIKey == "" {
		errs = append(errs, "robot.api_key_id and robot.api_key are required (set VIAMBRIDGE_ROBOT_API_KEY)")
	}
	if c.Robot.Port < 1 || c.Robot.Port > 65535 {
		errs = append(errs, "robot.port must be between 1 and 65535")
	}
	if c.Robot.ConnectTimeout < 1 {
		errs = append(errs, "robot.connect_timeout must be at least 1 second")
	}

	// Backoff validation
	if c.Connection.Backoff.Floor < 1 {
		errs = append(errs, "connection.backoff.floor must be at least 1 second")
	}
	if c.Connection.Backoff.Max < c.Connection.Backoff.Floor {
		errs = append(errs, "connection.backoff.max must not be below floor")
	}
	if c.Connection.Backoff.Jitter < 0 || c.Connection.Backoff.Jitter >= 1 {
		errs = append(errs, "connection.backoff.jitter must be in [0, 1)")
	}

	// Command validation
	if c.Commands.Timeout < 1 {
		errs = append(errs, "commands.timeout must be at least 1 second")
	}
	if c.Commands.MaxRetries < 0 {
		errs = append(errs, "commands.max_retries must not be negative")
	}

	// Motor validation
	names := make(map[string]bool, len(c.Motors))
	for i, m := range c.Motors {
		if m.Name == "" {
			errs = append(errs, fmt.Sprintf("motors[%d].name is required", i))
			continue
		}
		if names[m.Name] {
			errs = append(errs, fmt.Sprintf("motors[%d].name %q is duplicated", i, m.Name))
		}
		names[m.Name] = true
		if m.OpenTime < 1 || m.CloseTime < 1 {
			errs = append(errs, fmt.Sprintf("motors[%d] open_time and close_time must be at least 1 second", i))
		}
	}

	// Sensor validation
	if c.Sensors.UpdateInterval < 1 {
		errs = append(errs, "sensors.update_interval must be at least 1 second")
	}
	if c.Sensors.Concurrency < 1 {
		errs = append(errs, "sensors.concurrency must be at least 1")
	}
	if c.Sensors.StaleFactor < 1 {
		errs = append(errs, "sensors.stale_factor must be at least 1")
	}

	// Data API validation
	if c.DataAPI.Enabled {
		if c.DataAPI.URL == "" {
			errs = append(errs, "data_api.url is required when data_api is enabled")
		}
		if c.DataAPI.OrgID == "" || c.DataAPI.APIKey == "" {
			errs = append(errs, "data_api.org_id and data_api.api_key are required when data_api is enabled")
		}
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	const minJWTSecretLength = 32
	if s := c.API.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "api.auth.jwt_secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Seconds converts an integer seconds setting into a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// UpdateInterval returns the sensor poll interval.
func (c *Config) UpdateInterval() time.Duration {
	return Seconds(c.Sensors.UpdateInterval)
}

// StaleAfter returns the age after which a sensor reading is considered stale.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Sensors.StaleFactor * float64(c.UpdateInterval()))
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return Seconds(c.API.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return Seconds(c.API.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return Seconds(c.API.Timeouts.Idle)
}
