package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Collector store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Collector captures the collector service configuration.
type Collector struct {
	Addr        string
	Store       string
	DatabaseURL string
	Redis       RedisConfig
	Kafka       KafkaConfig
	Log         LogConfig
}

// RedisConfig tunes the Redis client pool.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig enables forwarding of accepted events. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether forwarding is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// LogConfig selects the structured log level and format.
type LogConfig struct {
	Level  string
	Format string
}

// Agent holds the proctoring agent defaults; cmd/proctor binds them to flags.
type Agent struct {
	CollectorURL    string
	StatePath       string
	BatchSize       int
	Interval        time.Duration
	Duration        time.Duration
	UserAgent       string
	AllowedBrowsers []string
	PolicyFile      string
	Log             LogConfig
}

// DefaultTopic receives accepted events when forwarding is enabled.
const DefaultTopic = "proctor.events"

// CollectorFromEnv builds the collector config from environment variables so
// main stays lean.
func CollectorFromEnv() (Collector, error) {
	cfg := Collector{
		Addr:        envOr("COLLECTOR_ADDR", ":8080"),
		Store:       strings.ToLower(envOr("COLLECTOR_STORE", StoreMemory)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   envOr("KAFKA_TOPIC", DefaultTopic),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "json"),
		},
	}

	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Collector{}, fmt.Errorf("DATABASE_URL is required for store %q", cfg.Store)
		}
	case StoreRedis:
		if cfg.Redis.URL == "" {
			return Collector{}, fmt.Errorf("REDIS_URL is required for store %q", cfg.Store)
		}
	default:
		return Collector{}, fmt.Errorf("unknown COLLECTOR_STORE %q", cfg.Store)
	}
	return cfg, nil
}

// AgentDefaults returns the agent configuration before flags are applied.
func AgentDefaults() Agent {
	return Agent{
		CollectorURL:    "http://localhost:8080",
		StatePath:       "proctor-state.db",
		BatchSize:       5,
		Interval:        5 * time.Second,
		Duration:        30 * time.Minute,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		AllowedBrowsers: []string{"Chrome"},
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
