package broker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/config"
	"github.com/drfirst/go-ipd/internal/infrastructure/redisstream"
)

func TestNewPublisherRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{EventPublisher: config.PublisherRedis, RedisAddr: mr.Addr()}

	pub, err := NewPublisher(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer pub.Close()

	assert.IsType(t, &redisstream.Publisher{}, pub)
	require.NoError(t, pub.Publish(context.Background(), "billing.events", "inv-1", []byte(`{}`)))
	assert.True(t, mr.Exists("billing.events"))
}

func TestNewPublisherRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewPublisher(context.Background(), &config.Config{EventPublisher: config.PublisherRedis, RedisAddr: addr}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewPublisherUnknown(t *testing.T) {
	_, err := NewPublisher(context.Background(), &config.Config{EventPublisher: "nats"}, zap.NewNop())
	assert.ErrorContains(t, err, "unknown event publisher")
}
