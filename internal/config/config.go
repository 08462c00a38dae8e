// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"VOX_HOST" yaml:"host"`
	Port int    `envconfig:"VOX_PORT" yaml:"port"`

	Server ServerConfig `yaml:"server"`

	// Outbound delivery to clients
	Transport TransportConfig `yaml:"transport"`

	// Connection registry
	Registry RegistryConfig `yaml:"registry"`

	// Audio blob storage
	Blob BlobConfig `yaml:"blob"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Bus event metadata
	Events EventsConfig `yaml:"events"`

	// Fan-out behaviour
	Broadcast BroadcastConfig `yaml:"broadcast"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Stage           string        `envconfig:"VOX_STAGE" yaml:"stage"`
	ReadTimeout     time.Duration `envconfig:"VOX_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout    time.Duration `envconfig:"VOX_WRITE_TIMEOUT" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `envconfig:"VOX_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `envconfig:"VOX_MAX_BODY_BYTES" yaml:"max_body_bytes"`
}

// TransportConfig selects how messages reach client connections.
type TransportConfig struct {
	Type     string `envconfig:"VOX_TRANSPORT_TYPE" yaml:"type"` // hub or apigw
	Region   string `envconfig:"VOX_TRANSPORT_REGION" yaml:"region"`
	Endpoint string `envconfig:"VOX_TRANSPORT_ENDPOINT" yaml:"endpoint"` // overrides https://{domain}/{stage}

	// Hub socket settings
	SendBuffer      int           `envconfig:"VOX_HUB_SEND_BUFFER" yaml:"send_buffer"`
	PongWait        time.Duration `envconfig:"VOX_HUB_PONG_WAIT" yaml:"pong_wait"`
	WriteWait       time.Duration `envconfig:"VOX_HUB_WRITE_WAIT" yaml:"write_wait"`
	MaxMessageBytes int64         `envconfig:"VOX_HUB_MAX_MESSAGE_BYTES" yaml:"max_message_bytes"`
}

// RegistryConfig holds connection registry settings.
type RegistryConfig struct {
	Type       string `envconfig:"VOX_REGISTRY_TYPE" yaml:"type"`
	RedisURL   string `envconfig:"VOX_REGISTRY_REDIS_URL" yaml:"redis_url"`
	KeyPrefix  string `envconfig:"VOX_REGISTRY_KEY_PREFIX" yaml:"key_prefix"`
	SQLitePath string `envconfig:"VOX_REGISTRY_SQLITE_PATH" yaml:"sqlite_path"`
}

// BlobConfig holds audio object store settings.
type BlobConfig struct {
	Type            string `envconfig:"VOX_BLOB_TYPE" yaml:"type"`
	Dir             string `envconfig:"VOX_BLOB_DIR" yaml:"dir"`
	Bucket          string `envconfig:"VOX_BLOB_BUCKET" yaml:"bucket"`
	Region          string `envconfig:"VOX_BLOB_REGION" yaml:"region"`
	Endpoint        string `envconfig:"VOX_BLOB_ENDPOINT" yaml:"endpoint"`
	Prefix          string `envconfig:"VOX_BLOB_PREFIX" yaml:"prefix"`
	UsePathStyle    bool   `envconfig:"VOX_BLOB_PATH_STYLE" yaml:"use_path_style"`
	AccessKeyID     string `envconfig:"VOX_BLOB_ACCESS_KEY_ID" yaml:"access_key_id"`
	SecretAccessKey string `envconfig:"VOX_BLOB_SECRET_ACCESS_KEY" yaml:"secret_access_key"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"VOX_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"VOX_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"VOX_KAFKA_GROUP" yaml:"kafka_group"`
	RedisURL     string `envconfig:"VOX_REDIS_STREAM_URL" yaml:"redis_url"`
	RedisGroup   string `envconfig:"VOX_REDIS_STREAM_GROUP" yaml:"redis_group"`

	// Append-only JSONL log of every published event, replayable with `voxrelay-server replay`
	EventLogEnabled bool   `envconfig:"VOX_EVENT_LOG_ENABLED" yaml:"event_log_enabled"`
	EventLogPath    string `envconfig:"VOX_EVENT_LOG_PATH" yaml:"event_log_path"`
}

// EventsConfig holds the source and type stamped on published events.
type EventsConfig struct {
	AudioSource string `envconfig:"VOX_EVENTS_AUDIO_SOURCE" yaml:"audio_source"`
	AudioType   string `envconfig:"VOX_EVENTS_AUDIO_TYPE" yaml:"audio_type"`
	GameSource  string `envconfig:"VOX_EVENTS_GAME_SOURCE" yaml:"game_source"`
	GameType    string `envconfig:"VOX_EVENTS_GAME_TYPE" yaml:"game_type"`
}

// BroadcastConfig holds fan-out settings.
type BroadcastConfig struct {
	Echo        bool `envconfig:"VOX_BROADCAST_ECHO" yaml:"echo"`
	Concurrency int  `envconfig:"VOX_BROADCAST_CONCURRENCY" yaml:"concurrency"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"VOX_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"VOX_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit       int    `envconfig:"VOX_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	SocketRateLimit int    `envconfig:"VOX_SOCKET_RATE_LIMIT" yaml:"socket_rate_limit"`
	AllowedOrigins  string `envconfig:"VOX_ALLOWED_ORIGINS" yaml:"allowed_origins"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"VOX_METRICS_ENABLED" yaml:"metrics_enabled"`
	MetricsPath    string `envconfig:"VOX_METRICS_PATH" yaml:"metrics_path"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Defaults returns a configuration populated with default values only.
func Defaults() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.Server = ServerConfig{
		Stage:           "dev",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    8 << 20, // base64 of a 5 MiB payload plus envelope
	}

	cfg.Transport = TransportConfig{
		Type:            "hub",
		Region:          "us-east-1",
		SendBuffer:      64,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageBytes: 8 << 20,
	}

	cfg.Registry = RegistryConfig{
		Type:       "memory",
		RedisURL:   "redis://localhost:6379",
		KeyPrefix:  "voxrelay:",
		SQLitePath: "./data/connections.db",
	}

	cfg.Blob = BlobConfig{
		Type:   "local",
		Dir:    "./data/blobs",
		Region: "us-east-1",
	}

	cfg.Bus = BusConfig{
		Type:         "memory",
		KafkaGroup:   "voxrelay",
		RedisURL:     "redis://localhost:6379",
		RedisGroup:   "voxrelay",
		EventLogPath: "./data/events.jsonl",
	}

	cfg.Events = EventsConfig{
		AudioSource: "voxrelay.audio",
		AudioType:   "SendAudioEvent",
		GameSource:  "voxrelay.game",
		GameType:    "GameEvent",
	}

	cfg.Broadcast = BroadcastConfig{
		Echo:        false,
		Concurrency: 16,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit:       0,
		SocketRateLimit: 0,
		AllowedOrigins:  "*",
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	if c.Server.MaxBodyBytes < 1 {
		errs = append(errs, "max_body_bytes must be positive")
	}

	// Transport validation
	validTransports := map[string]bool{"hub": true, "apigw": true}
	if !validTransports[c.Transport.Type] {
		errs = append(errs, fmt.Sprintf("invalid transport type: %s (must be hub or apigw)", c.Transport.Type))
	}

	if c.Transport.Type == "hub" && c.Transport.SendBuffer < 1 {
		errs = append(errs, "send_buffer must be positive")
	}

	// Registry validation
	validRegistries := map[string]bool{"memory": true, "redis": true, "sqlite": true}
	if !validRegistries[c.Registry.Type] {
		errs = append(errs, fmt.Sprintf("invalid registry type: %s (must be memory, redis, or sqlite)", c.Registry.Type))
	}

	if c.Registry.Type == "sqlite" && c.Registry.SQLitePath == "" {
		errs = append(errs, "sqlite_path is required for the sqlite registry")
	}

	// Blob validation
	switch c.Blob.Type {
	case "local":
		if c.Blob.Dir == "" {
			errs = append(errs, "blob dir is required for the local blob store")
		}
	case "s3":
		if c.Blob.Bucket == "" {
			errs = append(errs, "blob bucket is required for the s3 blob store")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid blob type: %s (must be local or s3)", c.Blob.Type))
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true, "redis": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, kafka, or redis)", c.Bus.Type))
	}

	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required for the kafka bus")
	}

	if c.Bus.EventLogEnabled && c.Bus.EventLogPath == "" {
		errs = append(errs, "event_log_path is required when the event log is enabled")
	}

	// Broadcast validation
	if c.Broadcast.Concurrency < 1 {
		errs = append(errs, "broadcast concurrency must be at least 1")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Security.RateLimit < 0 || c.Security.SocketRateLimit < 0 {
		errs = append(errs, "rate limits must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}

// Origins returns the allowed WebSocket origins. An empty result means any origin.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Security.AllowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			return nil
		}
		out = append(out, o)
	}
	return out
}
