package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the environment-driven configuration for the control
// plane and its background components. Defaults match the documented
// operational envelope; every value can be overridden per process.
type Config struct {
	// Core
	DatabaseURL   string
	SessionSecret string
	AdminToken    string
	ListenAddr    string
	LogLevel      string
	LogJSON       bool

	// Transport
	KafkaBrokers []string // empty = in-memory transport
	RedisURL     string   // empty = in-process rate limiter

	// Collector ingest
	MaxPayloadSize     int64
	MaxMinersPerUpload int
	MaxRequestRate     int

	// Consumer runtime
	ConsumerMaxRetries  int
	ConsumerBackoffBase time.Duration
	ConsumerWorkers     int

	// CDC publisher
	OutboxPollInterval time.Duration
	OutboxBatch        int

	// Edge collector
	EdgePollInterval time.Duration
	EdgeJitter       time.Duration
	EdgeWorkers      int

	// Command queue
	CommandTTL time.Duration
}

// Load reads configuration from the environment, applying defaults
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         getString("DATABASE_URL", "file:foreman.db"),
		SessionSecret:       os.Getenv("SESSION_SECRET"),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		ListenAddr:          getString("LISTEN_ADDR", ":8080"),
		LogLevel:            getString("LOG_LEVEL", "info"),
		LogJSON:             getBool("LOG_JSON", true),
		RedisURL:            os.Getenv("REDIS_URL"),
		MaxPayloadSize:      getInt64("MAX_PAYLOAD_SIZE", 10*1024*1024),
		MaxMinersPerUpload:  getInt("MAX_MINERS_PER_UPLOAD", 5000),
		MaxRequestRate:      getInt("MAX_REQUEST_RATE", 60),
		ConsumerMaxRetries:  getInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerBackoffBase: getDurationMs("CONSUMER_BACKOFF_BASE_MS", 1000),
		ConsumerWorkers:     getInt("CONSUMER_WORKERS", 8),
		OutboxPollInterval:  getDurationMs("OUTBOX_POLL_INTERVAL_MS", 5000),
		OutboxBatch:         getInt("OUTBOX_BATCH", 100),
		EdgePollInterval:    getDurationS("EDGE_POLL_INTERVAL_S", 60),
		EdgeJitter:          getDurationS("EDGE_JITTER_S", 10),
		EdgeWorkers:         getInt("EDGE_WORKERS", 20),
		CommandTTL:          time.Duration(getInt("COMMAND_TTL_MIN", 30)) * time.Minute,
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_SIZE must be positive, got %d", c.MaxPayloadSize)
	}
	if c.MaxMinersPerUpload <= 0 {
		return fmt.Errorf("MAX_MINERS_PER_UPLOAD must be positive, got %d", c.MaxMinersPerUpload)
	}
	if c.MaxRequestRate <= 0 {
		return fmt.Errorf("MAX_REQUEST_RATE must be positive, got %d", c.MaxRequestRate)
	}
	if c.ConsumerMaxRetries < 0 {
		return fmt.Errorf("CONSUMER_MAX_RETRIES must not be negative, got %d", c.ConsumerMaxRetries)
	}
	if c.OutboxBatch <= 0 {
		return fmt.Errorf("OUTBOX_BATCH must be positive, got %d", c.OutboxBatch)
	}
	if c.EdgeWorkers <= 0 {
		return fmt.Errorf("EDGE_WORKERS must be positive, got %d", c.EdgeWorkers)
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getDurationMs(key string, defMs int) time.Duration {
	return time.Duration(getInt(key, defMs)) * time.Millisecond
}

func getDurationS(key string, defS int) time.Duration {
	return time.Duration(getInt(key, defS)) * time.Second
}
