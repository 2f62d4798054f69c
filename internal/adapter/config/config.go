// Package config loads the service configuration and the seed data file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "./config/config.yaml"

// EnvPrefix prefixes every environment override, e.g. OPCUAGUA_HTTP_PORT.
const EnvPrefix = "OPCUAGUA"

// Config represents the complete service configuration
type Config struct {
	Environment     string        `mapstructure:"environment"`
	SeedPath        string        `mapstructure:"seed_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	HTTP        HTTPConfig        `mapstructure:"http"`
	OPCUA       OPCUAConfig       `mapstructure:"opcua"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Database    DatabaseConfig    `mapstructure:"database"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// OPCUAConfig contains client session settings
type OPCUAConfig struct {
	DialTimeout         time.Duration   `mapstructure:"dial_timeout"`
	RequestTimeout      time.Duration   `mapstructure:"request_timeout"`
	SessionTimeout      time.Duration   `mapstructure:"session_timeout"`
	HealthInterval      time.Duration   `mapstructure:"health_interval"`
	ApplicationURI      string          `mapstructure:"application_uri"`
	ApplicationName     string          `mapstructure:"application_name"`
	PKIDir              string          `mapstructure:"pki_dir"`
	CertificateFile     string          `mapstructure:"certificate_file"`
	PrivateKeyFile      string          `mapstructure:"private_key_file"`
	MaxBrowseReferences uint32          `mapstructure:"max_browse_references"`
	Reconnect           ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig contains the automatic reconnection policy
type ReconnectConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

// WebSocketConfig contains real-time channel settings
type WebSocketConfig struct {
	BatchWindow    time.Duration `mapstructure:"batch_window"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// CorrelationConfig contains request correlation settings
type CorrelationConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
}

// DatabaseConfig contains persistence settings. Driver is postgres or memory.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	PoolSize        int           `mapstructure:"pool_size"`
	MaxIdleTime     time.Duration `mapstructure:"max_idle_time"`
	Migrate         bool          `mapstructure:"migrate"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// MQTTConfig contains the optional MQTT event bridge settings
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	CleanSession   bool          `mapstructure:"clean_session"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// NATSConfig contains the optional NATS event bridge settings
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Servers       string        `mapstructure:"servers"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the file named by CONFIG_PATH, or DefaultPath.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads path, applies OPCUAGUA_* environment overrides and defaults,
// and validates the result. A missing file leaves defaults and environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key, which also makes each one overridable from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("seed_path", "")
	v.SetDefault("shutdown_timeout", 30*time.Second)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("opcua.dial_timeout", 10*time.Second)
	v.SetDefault("opcua.request_timeout", 5*time.Second)
	v.SetDefault("opcua.session_timeout", 30*time.Minute)
	v.SetDefault("opcua.health_interval", time.Second)
	v.SetDefault("opcua.application_uri", "urn:opcuagua:client")
	v.SetDefault("opcua.application_name", "OPCUAgua")
	v.SetDefault("opcua.pki_dir", "pki")
	v.SetDefault("opcua.certificate_file", "")
	v.SetDefault("opcua.private_key_file", "")
	v.SetDefault("opcua.max_browse_references", 0)
	v.SetDefault("opcua.reconnect.max_attempts", 10)
	v.SetDefault("opcua.reconnect.initial_delay", time.Second)
	v.SetDefault("opcua.reconnect.max_delay", 30*time.Second)
	v.SetDefault("opcua.reconnect.multiplier", 2.0)
	v.SetDefault("opcua.reconnect.jitter", true)

	v.SetDefault("websocket.batch_window", 50*time.Millisecond)
	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.allowed_origins", []string{})

	v.SetDefault("correlation.timeout", 30*time.Second)
	v.SetDefault("correlation.sweep_interval", 5*time.Second)
	v.SetDefault("correlation.queue_size", 64)
	v.SetDefault("correlation.workers", 4)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "opcuagua")
	v.SetDefault("database.user", "opcuagua")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.max_idle_time", 5*time.Minute)
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.breaker_failures", 5)
	v.SetDefault("database.breaker_timeout", 30*time.Second)

	hostname, _ := os.Hostname()
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", fmt.Sprintf("opcuagua-%s", hostname))
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "opcuagua")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.servers", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "opcuagua")
	v.SetDefault("nats.reconnect_wait", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d is out of range", cfg.HTTP.Port)
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Password == "" && cfg.Database.DSN == "" && cfg.Environment == "production" {
			return fmt.Errorf("database password is required in production")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of postgres, memory", cfg.Database.Driver)
	}

	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", cfg.MQTT.QoS)
	}
	if cfg.WebSocket.BatchWindow <= 0 {
		return fmt.Errorf("websocket.batch_window must be positive")
	}
	if cfg.WebSocket.PingInterval >= cfg.WebSocket.PongWait {
		return fmt.Errorf("websocket.ping_interval %s must be shorter than pong_wait %s",
			cfg.WebSocket.PingInterval, cfg.WebSocket.PongWait)
	}
	if cfg.OPCUA.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("opcua.reconnect.max_attempts must be at least 1")
	}
	if cfg.Correlation.Workers < 1 {
		return fmt.Errorf("correlation.workers must be at least 1")
	}
	return nil
}
