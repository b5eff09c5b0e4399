// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements the minimal interfaces
// declared by its consumers (execctx.KV, bus.Transport, pool.Registry).
// Consumers never import the driver directly; main wires the concrete
// client in.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for missing keys.
var ErrKeyNotFound = fmt.Errorf("key not found")

// GoRedisAdapter wraps go-redis v9 to implement the KV, pub/sub and
// registry interfaces expected by the execution-context store, the bus
// and the pool manager.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter attempts to connect to Redis using the provided
// options. Returns the adapter and any connection error (caller decides
// whether to fall back to in-memory).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// NewGoRedisAdapterFromClient wraps an existing client. Used by tests
// that run against miniredis.
func NewGoRedisAdapterFromClient(rdb *redis.Client) *GoRedisAdapter {
	return &GoRedisAdapter{rdb: rdb}
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// KV with TTL: execution contexts, persisted pool bounds
// =============================================================================

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// =============================================================================
// Hash with TTL: pool registration records
// =============================================================================

func (a *GoRedisAdapter) HSetAll(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	ifaces := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		ifaces = append(ifaces, k, v)
	}
	if err := a.rdb.HSet(ctx, key, ifaces...).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return a.rdb.Expire(ctx, key, ttl).Err()
	}
	return nil
}

func (a *GoRedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.rdb.HGetAll(ctx, key).Result()
}

// =============================================================================
// Pub/Sub: bus transport
// =============================================================================

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// Returns an unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
