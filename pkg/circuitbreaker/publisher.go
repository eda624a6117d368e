package circuitbreaker

import (
	"context"
)

// Publisher is the broker contract guarded by the breakers
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GuardedPublisher routes each publish through the breaker of its topic,
// so one unavailable topic does not stall the others.
type GuardedPublisher struct {
	next     Publisher
	breakers *Manager
}

// NewGuardedPublisher wraps next
func NewGuardedPublisher(next Publisher, breakers *Manager) *GuardedPublisher {
	return &GuardedPublisher{next: next, breakers: breakers}
}

// Publish implements Publisher
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	cb, err := g.breakers.Get(topic)
	if err != nil {
		return err
	}
	return cb.Execute(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}
