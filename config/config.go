package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// ErrConfiguration marks configuration that can never work. It is fatal at
// construction time, before any connection attempt.
var ErrConfiguration = errors.New("invalid configuration")

// Config is the application configuration
type Config struct {
	MQTT         MQTTConfig             `mapstructure:"mqtt"`
	HTTP         HTTPConfig             `mapstructure:"http"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	Validation   map[string]RangeRule   `mapstructure:"validation"`
	Storage      StorageConfig          `mapstructure:"storage"`
	Logger       LoggerConfig           `mapstructure:"logger"`
}

// MQTTConfig holds the broker connection settings
type MQTTConfig struct {
	Host               string          `mapstructure:"host"`
	Port               int             `mapstructure:"port"`
	Protocol           string          `mapstructure:"protocol"`
	ClientID           string          `mapstructure:"client_id"`
	Username           string          `mapstructure:"username"`
	Password           string          `mapstructure:"password"`
	QoS                int             `mapstructure:"qos"`
	KeepAliveSec       int             `mapstructure:"keepalive_s"`
	ConnectTimeoutMs   int             `mapstructure:"connect_timeout_ms"`
	SensorTopicGrammar string          `mapstructure:"sensor_topic_grammar"`
	Reconnect          ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig is the exponential backoff used after connection loss
type ReconnectConfig struct {
	InitialMs int     `mapstructure:"initial_ms"`
	MaxMs     int     `mapstructure:"max_ms"`
	Factor    float64 `mapstructure:"factor"`
}

// Initial returns the first reconnect delay.
func (r ReconnectConfig) Initial() time.Duration {
	return time.Duration(r.InitialMs) * time.Millisecond
}

// Max returns the reconnect delay cap.
func (r ReconnectConfig) Max() time.Duration {
	return time.Duration(r.MaxMs) * time.Millisecond
}

// Validate checks the backoff parameters.
func (r ReconnectConfig) Validate() error {
	if r.InitialMs <= 0 || r.MaxMs <= 0 || r.Factor < 1 {
		return fmt.Errorf("%w: reconnect delays must be positive and factor >= 1", ErrConfiguration)
	}
	if r.MaxMs < r.InitialMs {
		return fmt.Errorf("%w: reconnect max_ms must be >= initial_ms", ErrConfiguration)
	}
	return nil
}

// BrokerURL returns the paho broker address, e.g. tcp://host:1883.
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	switch strings.ToLower(m.Protocol) {
	case "mqtts", "ssl", "tls":
		scheme = "ssl"
	case "ws":
		scheme = "ws"
	case "wss":
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

// HTTPConfig configures the read-only query API
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// Transformer is a metric transform script for one sensor type
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// RangeRule bounds one metric
type RangeRule struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// LoggerConfig is the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StorageConfig selects the durable sinks
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	InfluxDB InfluxDBConfig        `mapstructure:"influxdb"`
	DynamoDB DynamoDBConfig        `mapstructure:"dynamodb"`
}

// FileStorageConfig writes events as JSON files
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig is a SQL sink. Type is one of postgresql, mysql, sqlite.
// For postgresql either DSN or the discrete fields must be set.
type DatabaseStorageConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Type        string `mapstructure:"type"`
	DSN         string `mapstructure:"dsn"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	SSL         bool   `mapstructure:"ssl"`
	PoolMax     int    `mapstructure:"pool_max"`
	Schema      string `mapstructure:"schema"`
	SensorTable string `mapstructure:"sensor_table"`
	StatusTable string `mapstructure:"status_table"`
}

// InfluxDBConfig writes readings as time-series points
type InfluxDBConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval_ms"`
}

// DynamoDBConfig writes events to two DynamoDB tables
type DynamoDBConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Region      string `mapstructure:"region"`
	SensorTable string `mapstructure:"sensor_table"`
	StatusTable string `mapstructure:"status_table"`
	TTLHours    int    `mapstructure:"ttl_hours"`
}

// ConfigChangeCallback is called when the config file changes
type ConfigChangeCallback func(cfg *Config) error

var (
	mu      sync.Mutex
	current *viper.Viper
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether value is safe to splice into SQL as a
// schema or table name.
func ValidIdentifier(value string) bool {
	return identifierPattern.MatchString(value)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.protocol", "mqtt")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keepalive_s", 60)
	v.SetDefault("mqtt.connect_timeout_ms", 30000)
	v.SetDefault("mqtt.sensor_topic_grammar", telemetry.GrammarAny)
	v.SetDefault("mqtt.reconnect.initial_ms", 1000)
	v.SetDefault("mqtt.reconnect.max_ms", 30000)
	v.SetDefault("mqtt.reconnect.factor", 2.0)

	v.SetDefault("http.listen", ":3000")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("storage.file.enabled", false)
	v.SetDefault("storage.file.path", "./data")
	v.SetDefault("storage.database.enabled", false)
	v.SetDefault("storage.database.type", "postgresql")
	v.SetDefault("storage.database.dsn", "")
	v.SetDefault("storage.database.host", "")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.user", "")
	v.SetDefault("storage.database.password", "")
	v.SetDefault("storage.database.database", "")
	v.SetDefault("storage.database.ssl", false)
	v.SetDefault("storage.database.pool_max", 10)
	v.SetDefault("storage.database.schema", "public")
	v.SetDefault("storage.database.sensor_table", "sensor_readings")
	v.SetDefault("storage.database.status_table", "chip_statuses")
	v.SetDefault("storage.influxdb.enabled", false)
	v.SetDefault("storage.influxdb.batch_size", 100)
	v.SetDefault("storage.influxdb.flush_interval_ms", 1000)
	v.SetDefault("storage.dynamodb.enabled", false)
	v.SetDefault("storage.dynamodb.ttl_hours", 24*7)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads the config file at configPath. An empty path loads
// defaults and environment overrides only.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "envnode_" + uuid.NewString()
	}
	return &cfg, nil
}

// Validate rejects settings that would fail at runtime.
func (c *Config) Validate() error {
	var missing []string
	if c.MQTT.Host == "" {
		missing = append(missing, "mqtt.host")
	}
	if c.MQTT.Username == "" {
		missing = append(missing, "mqtt.username")
	}
	if c.MQTT.Password == "" {
		missing = append(missing, "mqtt.password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings: %s", ErrConfiguration, strings.Join(missing, ", "))
	}

	if c.MQTT.Port <= 0 {
		return fmt.Errorf("%w: mqtt.port must be a positive integer", ErrConfiguration)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrConfiguration)
	}

	switch c.MQTT.SensorTopicGrammar {
	case telemetry.GrammarAny, telemetry.GrammarTyped, telemetry.GrammarUntyped:
	default:
		return fmt.Errorf("%w: unknown sensor_topic_grammar %q", ErrConfiguration, c.MQTT.SensorTopicGrammar)
	}

	for name, rule := range c.Validation {
		if rule.Min > rule.Max {
			return fmt.Errorf("%w: validation rule %s has min > max", ErrConfiguration, name)
		}
	}

	return c.MQTT.Reconnect.Validate()
}

// WatchConfig watches the loaded config file and calls callback with
// the re-read configuration.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	mu.Lock()
	v := current
	mu.Unlock()
	if v == nil {
		return fmt.Errorf("config not loaded")
	}

	v.SetConfigFile(absPath)
	v.WatchConfig()

	// editors often emit several writes per save
	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info().Str("file", e.Name).Msg("config file changed")

		newConfig, err := decode(v)
		if err != nil {
			logger.Error().Err(err).Msg("failed to parse updated config")
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error().Err(err).Msg("failed to apply updated config")
			return
		}

		logger.Info().Msg("config reloaded")
	})

	return nil
}
