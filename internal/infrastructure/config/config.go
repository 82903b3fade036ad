package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for NOC Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Router      RouterConfig      `yaml:"router"`
	Topology    TopologyConfig    `yaml:"topology"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Security    SecurityConfig    `yaml:"security"`
}

// SiteConfig identifies the network operations centre.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// RouterConfig is the appliance the device sync job enumerates.
// An empty Host disables the sync job.
type RouterConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// ConnectTimeout and ReadTimeout are in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`
	ReadTimeout    int `yaml:"read_timeout"`

	// SyncInterval is the period between sync runs, in seconds.
	SyncInterval int `yaml:"sync_interval"`

	// SyncCommand is the print command and its arguments as API words.
	SyncCommand []string `yaml:"sync_command"`
}

// TopologyConfig locates the topology file.
type TopologyConfig struct {
	File string `yaml:"file"`
}

// CorrelationConfig holds the identity tables used to map event devices
// to topology nodes.
type CorrelationConfig struct {
	// IPPrefixes are checked in order; the first prefix of the event IP wins.
	IPPrefixes []IPPrefixRule `yaml:"ip_prefixes"`

	// DeviceMap maps exact device names to nodes.
	DeviceMap map[string]DeviceRule `yaml:"device_map"`
}

// IPPrefixRule maps an IP address prefix to a node.
type IPPrefixRule struct {
	Prefix string `yaml:"prefix"`
	Node   string `yaml:"node"`
}

// DeviceRule maps a device to a node and, for PON devices, the PON id.
type DeviceRule struct {
	Node string `yaml:"node"`
	PON  string `yaml:"pon,omitempty"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// WebhookSecret must match the X-Webhook-Secret header of status webhooks.
	WebhookSecret string    `yaml:"webhook_secret"`
	JWT           JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings for operator endpoints.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path, then NOCCORE_* environment variables. The
// result is validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}

	cfg.Site = SiteConfig{ID: "noc-001", Name: "NOC", Timezone: "UTC"}
	cfg.Database = DatabaseConfig{Path: "./data/noccore.db", WALMode: true, BusyTimeout: 5}

	cfg.MQTT.Broker = MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "noccore"}
	cfg.MQTT.QoS = 1
	cfg.MQTT.Reconnect = MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60}

	cfg.API.Host, cfg.API.Port = "0.0.0.0", 8080
	cfg.API.Timeouts = APITimeoutConfig{Read: 30, Write: 30, Idle: 60}
	cfg.WebSocket = WebSocketConfig{Path: "/api/v1/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}

	cfg.InfluxDB.BatchSize, cfg.InfluxDB.FlushInterval = 100, 10
	cfg.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}

	cfg.Router = RouterConfig{Port: 8728, ConnectTimeout: 5, ReadTimeout: 10, SyncInterval: 300}
	cfg.Topology.File = "./configs/topology.yaml"
	cfg.Security.JWT.AccessTokenTTL = 15

	return cfg
}

// envString lists the string settings that NOCCORE_* variables replace.
// Secrets are normally injected this way rather than written to disk.
func envString(cfg *Config) map[string]*string {
	return map[string]*string{
		"NOCCORE_DATABASE_PATH":   &cfg.Database.Path,
		"NOCCORE_MQTT_HOST":       &cfg.MQTT.Broker.Host,
		"NOCCORE_MQTT_USERNAME":   &cfg.MQTT.Auth.Username,
		"NOCCORE_MQTT_PASSWORD":   &cfg.MQTT.Auth.Password,
		"NOCCORE_API_HOST":        &cfg.API.Host,
		"NOCCORE_INFLUXDB_TOKEN":  &cfg.InfluxDB.Token,
		"NOCCORE_ROUTER_HOST":     &cfg.Router.Host,
		"NOCCORE_ROUTER_USER":     &cfg.Router.User,
		"NOCCORE_ROUTER_PASSWORD": &cfg.Router.Password,
		"NOCCORE_TOPOLOGY_FILE":   &cfg.Topology.File,
		"NOCCORE_WEBHOOK_SECRET":  &cfg.Security.WebhookSecret,
		"NOCCORE_JWT_SECRET":      &cfg.Security.JWT.Secret,
	}
}

func applyEnvOverrides(cfg *Config) {
	for name, field := range envString(cfg) {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
	// A malformed port keeps the file value.
	if port, err := strconv.Atoi(os.Getenv("NOCCORE_API_PORT")); err == nil {
		cfg.API.Port = port
	}
}

const minJWTSecretLength = 32

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	check(c.Site.ID != "", "site.id is required")
	check(c.Database.Path != "", "database.path is required")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(validPort(c.API.Port), "api.port must be between 1 and 65535")
	check(c.Topology.File != "", "topology.file is required")

	// An empty router host disables device sync and its checks.
	if c.Router.Host != "" {
		check(validPort(c.Router.Port), "router.port must be between 1 and 65535")
		check(c.Router.User != "", "router.user is required when router.host is set")
		check(c.Router.SyncInterval >= 10, "router.sync_interval must be at least 10 seconds")
	}

	for i, r := range c.Correlation.IPPrefixes {
		check(strings.TrimSpace(r.Prefix) != "" && strings.TrimSpace(r.Node) != "",
			fmt.Sprintf("correlation.ip_prefixes[%d] needs prefix and node", i))
	}
	for name, r := range c.Correlation.DeviceMap {
		check(strings.TrimSpace(r.Node) != "", fmt.Sprintf("correlation.device_map[%s] needs node", name))
	}

	// Webhooks write to the incident ledger.
	check(c.Security.WebhookSecret != "",
		"security.webhook_secret is required (set NOCCORE_WEBHOOK_SECRET environment variable)")
	switch n := len(c.Security.JWT.Secret); {
	case n == 0:
		errs = append(errs, "security.jwt.secret is required (set NOCCORE_JWT_SECRET environment variable)")
	case n < minJWTSecretLength:
		errs = append(errs, fmt.Sprintf("security.jwt.secret must be at least %d characters", minJWTSecretLength))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// String renders the configuration with secrets redacted.
func (c Config) String() string {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "[REDACTED]"
	}
	c.MQTT.Auth.Password = redact(c.MQTT.Auth.Password)
	c.InfluxDB.Token = redact(c.InfluxDB.Token)
	c.Router.Password = redact(c.Router.Password)
	c.Security.WebhookSecret = redact(c.Security.WebhookSecret)
	c.Security.JWT.Secret = redact(c.Security.JWT.Secret)

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
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

// SyncIntervalDuration returns the device sync period.
func (r RouterConfig) SyncIntervalDuration() time.Duration {
	return time.Duration(r.SyncInterval) * time.Second
}
