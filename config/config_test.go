package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
mqtt:
  host: broker.local
  port: 8883
  protocol: mqtts
  username: node
  password: secret
  reconnect:
    initial_ms: 500
    max_ms: 8000
    factor: 1.5
validation:
  temp_c:
    min: -40
    max: 85
storage:
  database:
    enabled: true
    type: sqlite
    dsn: /tmp/telemetry.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.MQTT.Host != "broker.local" || cfg.MQTT.Port != 8883 {
		t.Errorf("broker = %s:%d", cfg.MQTT.Host, cfg.MQTT.Port)
	}
	if got := cfg.MQTT.BrokerURL(); got != "ssl://broker.local:8883" {
		t.Errorf("BrokerURL() = %q", got)
	}
	if cfg.MQTT.Reconnect.Initial().Milliseconds() != 500 || cfg.MQTT.Reconnect.Factor != 1.5 {
		t.Errorf("reconnect = %+v", cfg.MQTT.Reconnect)
	}
	if rule, ok := cfg.Validation["temp_c"]; !ok || rule.Min != -40 || rule.Max != 85 {
		t.Errorf("validation = %+v", cfg.Validation)
	}
	if !cfg.Storage.Database.Enabled || cfg.Storage.Database.Type != "sqlite" {
		t.Errorf("database = %+v", cfg.Storage.Database)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.MQTT.Port != 1883 {
		t.Errorf("port = %d, want 1883", cfg.MQTT.Port)
	}
	if cfg.MQTT.Reconnect.InitialMs != 1000 || cfg.MQTT.Reconnect.MaxMs != 30000 || cfg.MQTT.Reconnect.Factor != 2 {
		t.Errorf("reconnect defaults = %+v", cfg.MQTT.Reconnect)
	}
	if !strings.HasPrefix(cfg.MQTT.ClientID, "envnode_") {
		t.Errorf("client id = %q", cfg.MQTT.ClientID)
	}
	if cfg.HTTP.Listen != ":3000" {
		t.Errorf("listen = %q", cfg.HTTP.Listen)
	}
	if cfg.MQTT.SensorTopicGrammar != "any" {
		t.Errorf("grammar = %q", cfg.MQTT.SensorTopicGrammar)
	}
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("MQTT_HOST", "env-broker")
	t.Setenv("MQTT_PORT", "1999")
	t.Setenv("MQTT_RECONNECT_MAX_MS", "60000")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.MQTT.Host != "env-broker" || cfg.MQTT.Port != 1999 {
		t.Errorf("broker = %s:%d, want env values", cfg.MQTT.Host, cfg.MQTT.Port)
	}
	if cfg.MQTT.Reconnect.MaxMs != 60000 {
		t.Errorf("max_ms = %d, want 60000", cfg.MQTT.Reconnect.MaxMs)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func validConfig() Config {
	return Config{
		MQTT: MQTTConfig{
			Host:               "localhost",
			Port:               1883,
			Username:           "u",
			Password:           "p",
			SensorTopicGrammar: "any",
			Reconnect:          ReconnectConfig{InitialMs: 1000, MaxMs: 30000, Factor: 2},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no host", func(c *Config) { c.MQTT.Host = "" }, "mqtt.host"},
		{"no credentials", func(c *Config) { c.MQTT.Username, c.MQTT.Password = "", "" }, "mqtt.username, mqtt.password"},
		{"bad port", func(c *Config) { c.MQTT.Port = 0 }, "mqtt.port"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
		{"bad grammar", func(c *Config) { c.MQTT.SensorTopicGrammar = "legacy" }, "sensor_topic_grammar"},
		{"zero initial", func(c *Config) { c.MQTT.Reconnect.InitialMs = 0 }, "reconnect"},
		{"factor below one", func(c *Config) { c.MQTT.Reconnect.Factor = 0.5 }, "factor"},
		{"max below initial", func(c *Config) { c.MQTT.Reconnect.MaxMs = 10 }, "max_ms"},
		{"inverted range", func(c *Config) {
			c.Validation = map[string]RangeRule{"humidity": {Min: 100, Max: 0}}
		}, "humidity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Validate() error = %v, want ErrConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		protocol string
		want     string
	}{
		{"", "tcp://h:1"},
		{"mqtt", "tcp://h:1"},
		{"MQTTS", "ssl://h:1"},
		{"ws", "ws://h:1"},
		{"wss", "wss://h:1"},
	}
	for _, tt := range tests {
		m := MQTTConfig{Host: "h", Port: 1, Protocol: tt.protocol}
		if got := m.BrokerURL(); got != tt.want {
			t.Errorf("BrokerURL(%q) = %q, want %q", tt.protocol, got, tt.want)
		}
	}
}

func TestValidIdentifier(t *testing.T) {
	for _, ok := range []string{"public", "sensor_readings", "_x1"} {
		if !ValidIdentifier(ok) {
			t.Errorf("ValidIdentifier(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "1abc", "drop table", "a;b", "x-y"} {
		if ValidIdentifier(bad) {
			t.Errorf("ValidIdentifier(%q) = true", bad)
		}
	}
}

func TestWatchConfigRequiresLoad(t *testing.T) {
	mu.Lock()
	saved := current
	current = nil
	mu.Unlock()
	defer func() {
		mu.Lock()
		current = saved
		mu.Unlock()
	}()

	if err := WatchConfig("config.yaml", func(*Config) error { return nil }); err == nil {
		t.Fatal("expected an error before LoadConfig")
	}
}
