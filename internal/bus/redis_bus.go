package bus

import (
	"context"
)

// Transport is the minimal pub/sub surface the RedisBus needs. The infra
// GoRedisAdapter satisfies it; the bus does not import a driver.
type Transport interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// RedisBus is the multi-node bus: every pod subscribed to a channel sees
// every message published on it, with Redis Pub/Sub broadcast semantics.
type RedisBus struct {
	transport Transport
	keyPrefix string
}

// NewRedisBus creates a bus over the given transport. keyPrefix
// namespaces channels per deployment (e.g. "bifrost:").
func NewRedisBus(transport Transport, keyPrefix string) *RedisBus {
	if keyPrefix == "" {
		keyPrefix = "bifrost:"
	}
	return &RedisBus{transport: transport, keyPrefix: keyPrefix}
}

func (rb *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return rb.transport.Publish(ctx, rb.keyPrefix+channel, payload)
}

func (rb *RedisBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	return rb.transport.Subscribe(ctx, rb.keyPrefix+channel, handler)
}

var _ Bus = (*RedisBus)(nil)
