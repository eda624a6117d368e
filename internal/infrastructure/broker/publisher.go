// Package broker selects the event publisher named by configuration.
package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/config"
	"github.com/drfirst/go-ipd/internal/infrastructure/redisstream"
	"github.com/drfirst/go-ipd/internal/infrastructure/redpanda"
)

// StreamMaxLen caps each Redis stream approximately
const StreamMaxLen = 100000

// Publisher publishes relayed events and owns its connection
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// NewPublisher builds the Redpanda producer or the Redis stream publisher.
// The Redis connection is verified before it is returned.
func NewPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.EventPublisher {
	case config.PublisherRedis:
		client := redisstream.NewClient(redisstream.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pub := redisstream.NewPublisher(client, StreamMaxLen, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pub.Ping(pingCtx); err != nil {
			pub.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
		return pub, nil

	case config.PublisherRedpanda:
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.Brokers()
		producer, err := redpanda.NewProducer(producerCfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers()))
		return producer, nil

	default:
		return nil, fmt.Errorf("unknown event publisher %q", cfg.EventPublisher)
	}
}
