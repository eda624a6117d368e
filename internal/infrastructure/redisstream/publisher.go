// Package redisstream publishes relayed outbox entries to Redis Streams,
// one stream per topic.
package redisstream

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds the Redis connection and stream settings
type Config struct {
	Addr     string
	Password string
	DB       int
	// MaxLen caps each stream approximately; zero keeps every entry
	MaxLen int64
}

// Publisher appends records with XADD. The record key and value are
// stored as the "key" and "data" fields.
type Publisher struct {
	client *redis.Client
	maxLen int64
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClient creates a Redis client from cfg
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewPublisher creates a publisher over an existing client
func NewPublisher(client *redis.Client, maxLen int64, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		maxLen: maxLen,
		logger: logger,
		tracer: otel.Tracer("redis-stream"),
	}
}

// Publish appends one entry to the stream named topic
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "xadd",
		trace.WithAttributes(attribute.String("stream", topic), attribute.String("key", key)))
	defer span.End()

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":  key,
			"data": string(value),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	p.logger.Debug("stream entry added", zap.String("stream", topic), zap.String("id", id))
	return nil
}

// Ping checks connectivity
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client
func (p *Publisher) Close() error {
	return p.client.Close()
}
