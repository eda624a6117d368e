// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is shared by every binary; each reads the keys it needs
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers   string `mapstructure:"KAFKA_BROKERS"`
	EventPublisher string `mapstructure:"EVENT_PUBLISHER"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	APIKeys        string `mapstructure:"API_KEYS"`
	NodeID         int64  `mapstructure:"NODE_ID"`
	InvoiceDueDays int    `mapstructure:"INVOICE_DUE_DAYS"`
	IngestWorkers  int    `mapstructure:"INGEST_WORKERS"`
	IngestGroupID  string `mapstructure:"INGEST_GROUP_ID"`
}

// Publisher backends for the outbox relay
const (
	PublisherRedpanda = "redpanda"
	PublisherRedis    = "redis"
)

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"KAFKA_BROKERS", "EVENT_PUBLISHER", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"OTLP_ENDPOINT", "TRACING_ENABLED", "TRACE_SAMPLE_RATE",
	"API_KEYS", "NODE_ID", "INVOICE_DUE_DAYS", "INGEST_WORKERS", "INGEST_GROUP_ID",
}

// Load reads the configuration. DATABASE_URL is required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("EVENT_PUBLISHER", PublisherRedpanda)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("INVOICE_DUE_DAYS", 15)
	v.SetDefault("INGEST_WORKERS", 8)
	v.SetDefault("INGEST_GROUP_ID", "billing-ingest")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	switch c.EventPublisher {
	case PublisherRedpanda, PublisherRedis:
	default:
		return fmt.Errorf("EVENT_PUBLISHER must be %q or %q, got %q", PublisherRedpanda, PublisherRedis, c.EventPublisher)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023, got %d", c.NodeID)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if c.InvoiceDueDays < 0 {
		return fmt.Errorf("INVOICE_DUE_DAYS must not be negative")
	}
	if _, err := parseAPIKeys(c.APIKeys); err != nil {
		return err
	}
	return nil
}

// IsDev reports development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Brokers splits KAFKA_BROKERS
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeyMap returns API key -> client id. An empty map disables key
// checks.
func (c *Config) APIKeyMap() map[string]string {
	m, _ := parseAPIKeys(c.APIKeys)
	return m
}

// Logger builds a production zap logger at LOG_LEVEL; development mode
// uses the console encoder.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func parseAPIKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		out[key] = client
	}
	return out, nil
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
