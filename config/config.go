package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Config holds all configuration parameters for the gateway exporter
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	BLE           BLEConfig           `yaml:"ble"`
	RemoteWrite   RemoteWriteConfig   `yaml:"remoteWrite"`
	Logging       LoggingConfig       `yaml:"logging"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
}

// ServerConfig contains the HTTP listener configuration
type ServerConfig struct {
	Interface              string `yaml:"interface" env:"SERVER_INTERFACE" env-default:"0.0.0.0"`
	Port                   int    `yaml:"port" env:"SERVER_PORT" env-default:"9000"`
	MacMapping             string `yaml:"macMapping" env:"MAC_MAPPING"`
	MaxBodyBytes           int64  `yaml:"maxBodyBytes" env:"SERVER_MAX_BODY_BYTES" env-default:"1048576"`
	GatewayRateSeconds     int    `yaml:"gatewayRateSeconds" env:"GATEWAY_RATE_SECONDS" env-default:"1"`
	ShutdownTimeoutSeconds int    `yaml:"shutdownTimeoutSeconds" env:"SHUTDOWN_TIMEOUT_SECONDS" env-default:"10"`
}

// MQTTConfig contains the MQTT ingestion configuration
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" env:"MQTT_ENABLED" env-default:"false"`
	Broker   string `yaml:"broker" env:"MQTT_BROKER"`
	Port     int    `yaml:"port" env:"MQTT_PORT" env-default:"1883"`
	ClientID string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"ruuvi-gateway-exporter"`
	Topic    string `yaml:"topic" env:"MQTT_TOPIC" env-default:"ruuvi/#"`
	QoS      byte   `yaml:"qos" env:"MQTT_QOS" env-default:"0"`
	Username string `yaml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" env:"MQTT_PASSWORD"`
}

// BLEConfig contains the local BLE scanning configuration
type BLEConfig struct {
	Enabled   bool     `yaml:"enabled" env:"BLE_ENABLED" env-default:"false"`
	GatewayID string   `yaml:"gatewayId" env:"BLE_GATEWAY_ID" env-default:"local"`
	Sensors   []string `yaml:"sensors" env:"BLE_SENSORS" env-separator:","`
}

// RemoteWriteConfig contains the Prometheus remote_write push configuration
type RemoteWriteConfig struct {
	Enabled        bool   `yaml:"enabled" env:"REMOTE_WRITE_ENABLED" env-default:"false"`
	URL            string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username       string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password       string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	Schedule       string `yaml:"schedule" env:"REMOTE_WRITE_SCHEDULE" env-default:"@every 15s"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" env:"REMOTE_WRITE_TIMEOUT_SECONDS" env-default:"30"`
}

var macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Load reads configuration from configPath with environment variable
// overrides. An empty path reads the environment only.
func Load(configPath string) (*Config, error) {
	cfg, err := read(configPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadArgs parses command line arguments, loads the referenced config file
// and applies explicitly set flags on top of it.
func LoadArgs(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("ruuvi_gateway", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to YAML config file")
	port := fs.IntP("port", "p", 9000, "Port to listen on")
	iface := fs.StringP("interface", "i", "0.0.0.0", "Interface to bind to")
	macMapping := fs.StringP("mac-mapping", "m", "", "Path to YAML file with MAC address to name mappings")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := read(*configPath)
	if err != nil {
		return nil, err
	}

	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if fs.Changed("interface") {
		cfg.Server.Interface = *iface
	}
	if fs.Changed("mac-mapping") {
		cfg.Server.MacMapping = *macMapping
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func read(configPath string) (*Config, error) {
	var cfg Config

	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
		return &cfg, nil
	}

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}
	return &cfg, nil
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	if err := c.Server.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.MQTT.validate(); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if err := c.BLE.validate(); err != nil {
		return fmt.Errorf("ble: %w", err)
	}

	if err := c.RemoteWrite.validate(); err != nil {
		return fmt.Errorf("remoteWrite: %w", err)
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}

	if err := ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

func (s *ServerConfig) validate() error {
	if net.ParseIP(s.Interface) == nil {
		return fmt.Errorf("interface must be an IP address, got %q", s.Interface)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.MaxBodyBytes <= 0 {
		return fmt.Errorf("maxBodyBytes must be positive, got %d", s.MaxBodyBytes)
	}
	if s.GatewayRateSeconds <= 0 {
		return fmt.Errorf("gatewayRateSeconds must be positive, got %d", s.GatewayRateSeconds)
	}
	if s.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("shutdownTimeoutSeconds must be positive, got %d", s.ShutdownTimeoutSeconds)
	}
	return nil
}

func (m *MQTTConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if strings.TrimSpace(m.Broker) == "" {
		return errors.New("broker is required when MQTT is enabled")
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", m.Port)
	}
	if m.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	return nil
}

func (b *BLEConfig) validate() error {
	if !b.Enabled {
		return nil
	}
	if b.GatewayID == "" {
		return errors.New("gatewayId cannot be empty")
	}

	seen := make(map[string]bool)
	for i, mac := range b.Sensors {
		if !macAddressRegex.MatchString(mac) {
			return fmt.Errorf("sensor %d: invalid MAC address format: %s (expected format: XX:XX:XX:XX:XX:XX)", i, mac)
		}
		upper := strings.ToUpper(mac)
		if seen[upper] {
			return fmt.Errorf("sensor %d: duplicate MAC address %s", i, mac)
		}
		seen[upper] = true
		b.Sensors[i] = upper
	}
	return nil
}

func (r *RemoteWriteConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	if _, err := url.ParseRequestURI(r.URL); err != nil {
		return fmt.Errorf("invalid prometheusUrl: %w", err)
	}
	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", r.Schedule, err)
	}
	if r.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeoutSeconds must be positive, got %d", r.TimeoutSeconds)
	}
	return nil
}

// ListenAddress returns the host:port the HTTP server binds to
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Interface, fmt.Sprint(c.Server.Port))
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return NewLogger(&c.Logging)
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.String("listen_address", c.ListenAddress()),
		zap.String("mac_mapping", c.Server.MacMapping),
		zap.Int64("max_body_bytes", c.Server.MaxBodyBytes),
		zap.Int("gateway_rate_seconds", c.Server.GatewayRateSeconds),
		zap.Bool("mqtt_enabled", c.MQTT.Enabled),
		zap.String("mqtt_broker", c.MQTT.Broker),
		zap.String("mqtt_topic", c.MQTT.Topic),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.Bool("ble_enabled", c.BLE.Enabled),
		zap.String("ble_gateway_id", c.BLE.GatewayID),
		zap.Int("ble_sensors", len(c.BLE.Sensors)),
		zap.Bool("remote_write_enabled", c.RemoteWrite.Enabled),
		zap.String("prometheus_url", redactURL(c.RemoteWrite.URL)),
		zap.String("prometheus_username", c.RemoteWrite.Username),
		zap.Bool("prometheus_password_set", c.RemoteWrite.Password != ""),
		zap.String("remote_write_schedule", c.RemoteWrite.Schedule),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.String("otel_service_name", c.OpenTelemetry.ServiceName),
		zap.Bool("otel_traces_enabled", c.OpenTelemetry.Traces.Enabled),
		zap.Bool("otel_metrics_enabled", c.OpenTelemetry.Metrics.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
