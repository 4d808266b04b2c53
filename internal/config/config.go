package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the companion service.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Hub       HubConfig       `yaml:"hub"`
	Generator GeneratorConfig `yaml:"generator"`
	Worker    WorkerConfig    `yaml:"worker"`
	Rules     RulesConfig     `yaml:"rules"`
	Log       LogConfig       `yaml:"log"`
	// NodeID identifies this process in stream records; empty means hostname.
	NodeID string `yaml:"node_id"`
}

// HTTPConfig configures the API and WebSocket listener.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
}

// KafkaConfig configures the outbound stream and the inbound telemetry consumer.
// An empty broker list disables both.
type KafkaConfig struct {
	Brokers        []string       `yaml:"brokers"`
	Topic          string         `yaml:"topic"`
	TelemetryTopic string         `yaml:"telemetry_topic"`
	ConsumerGroup  string         `yaml:"consumer_group"`
	Producer       ProducerConfig `yaml:"producer"`
}

// ProducerConfig tunes the pooled Kafka writers.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// PostgresConfig selects the durable store. An empty DSN uses the in-memory store.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Migrate      bool          `yaml:"migrate"`
	// SeedDemo loads the demo roster, rules and zones when they are missing.
	SeedDemo     bool          `yaml:"seed_demo"`
}

// RedisConfig configures device heartbeat state. An empty address disables it.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	OnlineTTL time.Duration `yaml:"online_ttl"`
}

// MQTTConfig configures the device telemetry subscriber. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// HubConfig tunes connection fan-out.
type HubConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// GeneratorConfig configures the synthetic load generator.
type GeneratorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	AutoStart       bool          `yaml:"auto_start"`
	IncludeLocation bool          `yaml:"include_location"`
	BaseLatitude    float64       `yaml:"base_latitude"`
	BaseLongitude   float64       `yaml:"base_longitude"`
	TickTimeout     time.Duration `yaml:"tick_timeout"`
}

// WorkerConfig sizes the stream worker pool.
type WorkerConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// RulesConfig controls the rule/zone snapshot.
type RulesConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  1 << 20,
		},
		Kafka: KafkaConfig{
			Brokers:        []string{"localhost:9092"},
			Topic:          "companion.stream",
			TelemetryTopic: "companion.telemetry",
			ConsumerGroup:  "companion",
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 20,
			QueryTimeout: 5 * time.Second,
			Migrate:      true,
		},
		Redis: RedisConfig{
			OnlineTTL: 5 * time.Minute,
		},
		MQTT: MQTTConfig{
			ClientID:    "companion",
			TopicPrefix: "devices",
			QoS:         1,
		},
		Hub: HubConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   64,
		},
		Generator: GeneratorConfig{
			Interval:      5 * time.Second,
			BaseLatitude:  39.9042,
			BaseLongitude: 116.4074,
			TickTimeout:   30 * time.Second,
		},
		Worker: WorkerConfig{
			QueueSize: 1000,
		},
		Rules: RulesConfig{
			RefreshInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads an optional YAML file over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("COMPANION_HTTP_ADDR", c.HTTP.Addr)
	c.Postgres.DSN = getEnv("COMPANION_POSTGRES_DSN", c.Postgres.DSN)
	c.Postgres.SeedDemo = getEnvAsBool("COMPANION_POSTGRES_SEED_DEMO", c.Postgres.SeedDemo)
	c.Redis.Addr = getEnv("COMPANION_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("COMPANION_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("COMPANION_REDIS_DB", c.Redis.DB)
	c.MQTT.Broker = getEnv("COMPANION_MQTT_BROKER", c.MQTT.Broker)
	c.Log.Level = getEnv("COMPANION_LOG_LEVEL", c.Log.Level)
	c.NodeID = getEnv("COMPANION_NODE_ID", c.NodeID)
	c.Generator.Interval = getEnvAsDuration("COMPANION_GENERATOR_INTERVAL", c.Generator.Interval)
	c.Generator.AutoStart = getEnvAsBool("COMPANION_GENERATOR_AUTOSTART", c.Generator.AutoStart)

	if v, ok := os.LookupEnv("COMPANION_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitCSV(v)
	}
}

// Validation errors
var (
	ErrNonPositiveInterval = errors.New("interval must be positive")
	ErrEmptyTopic          = errors.New("kafka topic is required when brokers are set")
	ErrEmptyAddr           = errors.New("http address is required")
)

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return ErrEmptyAddr
	}
	if c.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub.ping_interval: %w", ErrNonPositiveInterval)
	}
	if c.Generator.Interval <= 0 {
		return fmt.Errorf("generator.interval: %w", ErrNonPositiveInterval)
	}
	if c.Rules.RefreshInterval <= 0 {
		return fmt.Errorf("rules.refresh_interval: %w", ErrNonPositiveInterval)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return ErrEmptyTopic
	}
	return nil
}

// getEnv returns the environment variable or the default
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt returns the environment variable as int
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool returns the environment variable as bool
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration returns the environment variable as a duration ("5s", "250ms")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
