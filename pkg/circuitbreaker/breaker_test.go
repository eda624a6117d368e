package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func (f *flakyPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[topic]++
	if f.fail[topic] {
		return errors.New("broker unavailable")
	}
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig("")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := testConfig()
	cfg.Name = "t"
	cfg.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	assert.True(t, IsRejected(err))
	assert.False(t, called)
}

func TestCancelledCallsDoNotTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Name = "cancel"
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestGuardedPublisherIsolatesTopics(t *testing.T) {
	next := &flakyPublisher{fail: map[string]bool{"down": true}, calls: map[string]int{}}
	mgr := NewManager(testConfig(), nil)
	pub := NewGuardedPublisher(next, mgr)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = pub.Publish(ctx, "down", "k", nil)
		require.NoError(t, pub.Publish(ctx, "up", "k", nil))
	}

	assert.Equal(t, 3, next.calls["down"], "open breaker stops calling the broker")
	assert.Equal(t, 5, next.calls["up"])

	health := mgr.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "down", health[0].Name)
	assert.False(t, health[0].Healthy)
	assert.True(t, health[1].Healthy)
}

func TestStateCode(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Code())
	assert.Equal(t, 1.0, StateOpen.Code())
	assert.Equal(t, 2.0, StateHalfOpen.Code())
}
