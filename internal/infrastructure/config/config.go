package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the timeline state resolver
// daemon. All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Site         SiteConfig         `yaml:"site"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	StateHandler StateHandlerConfig `yaml:"state_handler"`
	History      HistoryConfig      `yaml:"history"`
	Retention    RetentionConfig    `yaml:"retention"`
	Health       HealthConfig       `yaml:"health"`
	Devices      []DeviceConfig     `yaml:"devices"`
}

// SiteConfig identifies the installation (studio, gallery, OB truck).
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Metrics  bool             `yaml:"metrics"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for timing telemetry.
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

// SchedulerConfig holds the defaults for command schedulers. Devices can
// override each value.
type SchedulerConfig struct {
	// SendMode is "burst" or "in_order".
	SendMode string `yaml:"send_mode"`

	// LimitSlowSentMS reports commands started later than this after their
	// planned time. 0 disables the report.
	LimitSlowSentMS int `yaml:"limit_slow_sent_ms"`

	// LimitSlowFulfilledMS reports commands completed later than this after
	// their planned time. 0 disables the report.
	LimitSlowFulfilledMS int `yaml:"limit_slow_fulfilled_ms"`
}

// StateHandlerConfig holds the defaults for state handlers.
type StateHandlerConfig struct {
	TickIntervalMS int    `yaml:"tick_interval_ms"`
	ExecutionMode  string `yaml:"execution_mode"`
}

// HistoryConfig controls in-memory device state history.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	PurgeInterval int  `yaml:"purge_interval"`
	// WindowMinutes is how far back the retention job keeps history.
	WindowMinutes int `yaml:"window_minutes"`
}

// RetentionConfig controls the periodic cleanup job.
type RetentionConfig struct {
	// Schedule is a cron spec, e.g. "@every 1h" or "0 4 * * *".
	Schedule    string `yaml:"schedule"`
	MaxAgeHours int    `yaml:"max_age_hours"`
}

// HealthConfig controls the retained MQTT health message.
type HealthConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// DeviceConfig describes one driven device.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Disabled bool   `yaml:"disabled"`

	// Pipeline is "statehandler" (clock-driven) or "sequencer"
	// (history plus command scheduler).
	Pipeline string `yaml:"pipeline"`

	// ExecutionMode overrides state_handler.execution_mode.
	ExecutionMode string `yaml:"execution_mode"`

	// SendMode and the limits override the scheduler section.
	SendMode             string `yaml:"send_mode"`
	LimitSlowSentMS      *int   `yaml:"limit_slow_sent_ms"`
	LimitSlowFulfilledMS *int   `yaml:"limit_slow_fulfilled_ms"`

	// Options are passed to the device driver unchanged.
	Options map[string]any `yaml:"options"`
}

// Known values for device configuration fields.
var (
	DeviceTypes    = []string{"mqttsend"}
	Pipelines      = []string{"statehandler", "sequencer"}
	SendModes      = []string{"burst", "in_order"}
	ExecutionModes = []string{"salvo", "sequential"}
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TSR_SECTION_KEY
// For example: TSR_DATABASE_PATH, TSR_API_PORT
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
		Site: SiteConfig{
			ID:   "studio-a",
			Name: "Studio A",
		},
		Database: DatabaseConfig{
			Path:        "./data/tsrd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tsrd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Metrics: true,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "tsr",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Scheduler: SchedulerConfig{
			SendMode:             "burst",
			LimitSlowSentMS:      40,
			LimitSlowFulfilledMS: 100,
		},
		StateHandler: StateHandlerConfig{
			TickIntervalMS: 20,
			ExecutionMode:  "salvo",
		},
		History: HistoryConfig{
			Enabled:       true,
			PurgeInterval: 10,
			WindowMinutes: 60,
		},
		Retention: RetentionConfig{
			Schedule:    "@every 1h",
			MaxAgeHours: 168,
		},
		Health: HealthConfig{
			Enabled:         true,
			IntervalSeconds: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TSR_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Site
	if v := os.Getenv("TSR_SITE_ID"); v != "" {
		cfg.Site.ID = v
	}

	// Database
	if v := os.Getenv("TSR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TSR_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TSR_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("TSR_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TSR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("TSR_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TSR_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("TSR_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("TSR_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("TSR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if !oneOf(c.Scheduler.SendMode, SendModes) {
		errs = append(errs, fmt.Sprintf("scheduler.send_mode %q must be one of %v", c.Scheduler.SendMode, SendModes))
	}
	if c.Scheduler.LimitSlowSentMS < 0 || c.Scheduler.LimitSlowFulfilledMS < 0 {
		errs = append(errs, "scheduler limits must not be negative")
	}

	if c.StateHandler.TickIntervalMS < 1 {
		errs = append(errs, "state_handler.tick_interval_ms must be at least 1")
	}
	if !oneOf(c.StateHandler.ExecutionMode, ExecutionModes) {
		errs = append(errs, fmt.Sprintf("state_handler.execution_mode %q must be one of %v", c.StateHandler.ExecutionMode, ExecutionModes))
	}

	if c.History.PurgeInterval < 0 {
		errs = append(errs, "history.purge_interval must not be negative")
	}

	if c.Retention.Schedule == "" {
		errs = append(errs, "retention.schedule is required")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		}
		seen[d.ID] = true

		if !oneOf(d.Type, DeviceTypes) {
			errs = append(errs, fmt.Sprintf("%s.type %q must be one of %v", prefix, d.Type, DeviceTypes))
		}
		if d.Pipeline != "" && !oneOf(d.Pipeline, Pipelines) {
			errs = append(errs, fmt.Sprintf("%s.pipeline %q must be one of %v", prefix, d.Pipeline, Pipelines))
		}
		if d.SendMode != "" && !oneOf(d.SendMode, SendModes) {
			errs = append(errs, fmt.Sprintf("%s.send_mode %q must be one of %v", prefix, d.SendMode, SendModes))
		}
		if d.ExecutionMode != "" && !oneOf(d.ExecutionMode, ExecutionModes) {
			errs = append(errs, fmt.Sprintf("%s.execution_mode %q must be one of %v", prefix, d.ExecutionMode, ExecutionModes))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// TickInterval returns the state handler tick as a Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.StateHandler.TickIntervalMS) * time.Millisecond
}

// SlowSentLimit returns the device's slow-sent limit, falling back to the
// scheduler default.
func (c *Config) SlowSentLimit(d DeviceConfig) time.Duration {
	ms := c.Scheduler.LimitSlowSentMS
	if d.LimitSlowSentMS != nil {
		ms = *d.LimitSlowSentMS
	}
	return time.Duration(ms) * time.Millisecond
}

// SlowFulfilledLimit returns the device's slow-fulfilled limit, falling
// back to the scheduler default.
func (c *Config) SlowFulfilledLimit(d DeviceConfig) time.Duration {
	ms := c.Scheduler.LimitSlowFulfilledMS
	if d.LimitSlowFulfilledMS != nil {
		ms = *d.LimitSlowFulfilledMS
	}
	return time.Duration(ms) * time.Millisecond
}

// SendMode returns the device's send mode, falling back to the scheduler
// default.
func (c *Config) SendMode(d DeviceConfig) string {
	if d.SendMode != "" {
		return d.SendMode
	}
	return c.Scheduler.SendMode
}

// ExecutionMode returns the device's execution mode, falling back to the
// state handler default.
func (c *Config) ExecutionMode(d DeviceConfig) string {
	if d.ExecutionMode != "" {
		return d.ExecutionMode
	}
	return c.StateHandler.ExecutionMode
}

// HistoryWindow returns how long device history is kept.
func (c *Config) HistoryWindow() time.Duration {
	return time.Duration(c.History.WindowMinutes) * time.Minute
}

// RetentionMaxAge returns the report retention as a Duration.
func (c *Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeHours) * time.Hour
}

// HealthInterval returns the health publish interval as a Duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}
