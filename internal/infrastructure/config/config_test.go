package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	validJWTSecret = "test-secret-key-at-least-32-chars!"
	validHook      = "hook-secret"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// validConfig returns a minimal configuration that passes Validate.
func validConfig() *Config {
	return &Config{
		Site:     SiteConfig{ID: "noc-001"},
		Database: DatabaseConfig{Path: "/data/noccore.db"},
		MQTT:     MQTTConfig{QoS: 1},
		API:      APIConfig{Port: 8080},
		Topology: TopologyConfig{File: "topology.yaml"},
		Security: SecurityConfig{
			WebhookSecret: validHook,
			JWT:           JWTConfig{Secret: validJWTSecret},
		},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "noc-south"
database:
  path: "/tmp/test.db"
router:
  host: "10.0.0.1"
  user: "api"
  sync_command: ["/interface/print", "=.proplist=name,running,disabled,comment"]
topology:
  file: "/etc/noccore/topology.yaml"
correlation:
  ip_prefixes:
    - prefix: "192.168.1."
      node: "NODO ALERCE 3"
  device_map:
    OLT-PICHIL-01:
      node: "NODO PICHIL"
    OLT-ALERCE-PON:
      node: "NODO ALERCE 3"
      pon: "PONA4"
security:
  webhook_secret: "hook-secret"
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "noc-south" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "noc-south")
	}
	if cfg.Router.Host != "10.0.0.1" {
		t.Errorf("Router.Host = %q, want %q", cfg.Router.Host, "10.0.0.1")
	}
	// Defaults survive partial sections.
	if cfg.Router.Port != 8728 {
		t.Errorf("Router.Port = %d, want 8728", cfg.Router.Port)
	}
	if got := cfg.Router.SyncIntervalDuration(); got != 5*time.Minute {
		t.Errorf("SyncIntervalDuration() = %v, want 5m", got)
	}
	if len(cfg.Router.SyncCommand) != 2 {
		t.Errorf("Router.SyncCommand = %v, want 2 words", cfg.Router.SyncCommand)
	}
	if len(cfg.Correlation.IPPrefixes) != 1 || cfg.Correlation.IPPrefixes[0].Node != "NODO ALERCE 3" {
		t.Errorf("Correlation.IPPrefixes = %+v", cfg.Correlation.IPPrefixes)
	}
	if got := cfg.Correlation.DeviceMap["OLT-ALERCE-PON"]; got.PON != "PONA4" {
		t.Errorf("DeviceMap[OLT-ALERCE-PON] = %+v, want PON PONA4", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	// All problems are reported together.
	for _, want := range []string{"site.id", "webhook_secret", "jwt.secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "missing topology file", mutate: func(c *Config) { c.Topology.File = "" }, wantErr: "topology.file"},
		{name: "missing webhook secret", mutate: func(c *Config) { c.Security.WebhookSecret = "" }, wantErr: "webhook_secret"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "jwt.secret"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "32 characters"},
		{
			name: "router without user",
			mutate: func(c *Config) {
				c.Router = RouterConfig{Host: "10.0.0.1", Port: 8728, SyncInterval: 60}
			},
			wantErr: "router.user",
		},
		{
			name: "router sync interval too short",
			mutate: func(c *Config) {
				c.Router = RouterConfig{Host: "10.0.0.1", Port: 8728, User: "api", SyncInterval: 1}
			},
			wantErr: "sync_interval",
		},
		{
			name: "router disabled skips router checks",
			mutate: func(c *Config) {
				c.Router = RouterConfig{Port: 0}
			},
		},
		{
			name: "ip prefix without node",
			mutate: func(c *Config) {
				c.Correlation.IPPrefixes = []IPPrefixRule{{Prefix: "10."}}
			},
			wantErr: "ip_prefixes[0]",
		},
		{
			name: "device rule without node",
			mutate: func(c *Config) {
				c.Correlation.DeviceMap = map[string]DeviceRule{"OLT-1": {PON: "PONA1"}}
			},
			wantErr: "device_map[OLT-1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("NOCCORE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("NOCCORE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("NOCCORE_MQTT_USERNAME", "testuser")
	t.Setenv("NOCCORE_MQTT_PASSWORD", "testpass")
	t.Setenv("NOCCORE_API_HOST", "192.168.1.1")
	t.Setenv("NOCCORE_API_PORT", "9090")
	t.Setenv("NOCCORE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("NOCCORE_ROUTER_HOST", "10.9.9.9")
	t.Setenv("NOCCORE_ROUTER_USER", "noc")
	t.Setenv("NOCCORE_ROUTER_PASSWORD", "routerpass")
	t.Setenv("NOCCORE_TOPOLOGY_FILE", "/etc/topo.yaml")
	t.Setenv("NOCCORE_WEBHOOK_SECRET", "hook")
	t.Setenv("NOCCORE_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	tests := []struct {
		field string
		got   any
		want  any
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"API.Port", cfg.API.Port, 9090},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Router.Host", cfg.Router.Host, "10.9.9.9"},
		{"Router.User", cfg.Router.User, "noc"},
		{"Router.Password", cfg.Router.Password, "routerpass"},
		{"Topology.File", cfg.Topology.File, "/etc/topo.yaml"},
		{"Security.WebhookSecret", cfg.Security.WebhookSecret, "hook"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.field, tt.got, tt.want)
		}
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("NOCCORE_API_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Router.Password = "router-pass-123"
	cfg.MQTT.Auth.Password = "mqtt-pass-456"
	cfg.InfluxDB.Token = "influx-token-789"

	out := cfg.String()
	for _, secret := range []string{"router-pass-123", "mqtt-pass-456", "influx-token-789", validHook, validJWTSecret} {
		if strings.Contains(out, secret) {
			t.Errorf("String() leaks %q", secret)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("String() should mark redacted fields")
	}
	// The receiver is not modified.
	if cfg.Router.Password != "router-pass-123" {
		t.Error("String() modified the config")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Router.Port != 8728 {
		t.Errorf("defaultConfig Router.Port = %d, want 8728", cfg.Router.Port)
	}
}
