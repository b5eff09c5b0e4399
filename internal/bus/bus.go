// Package bus is the named-channel broadcast fabric used by the pool:
// heartbeats, scaling progress, cancel requests and pool commands all
// travel over it. Broadcast semantics only; a subscriber that misses a
// message misses it; there is no queueing or replay.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Channel names used by the core.
const (
	ChannelHeartbeat     = "worker:heartbeat"
	ChannelScaling       = "worker:scaling"
	ChannelProgress      = "worker:progress"
	ChannelConfigChanged = "worker:config_changed"
	ChannelCancel        = "cancel"
)

// CommandChannel returns the pool-scoped command channel name.
func CommandChannel(poolID string) string {
	return "pool:" + poolID + ":commands"
}

// Bus publishes and subscribes raw JSON payloads on named channels.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler and returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// PublishJSON marshals v and publishes it on channel.
func PublishJSON(ctx context.Context, b Bus, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, payload)
}

// =============================================================================
// Payloads. Every message carries a "type" discriminator.
// =============================================================================

// Heartbeat is the periodic pool snapshot. Consumers must not assume any
// field other than Timestamp is monotonic.
type Heartbeat struct {
	Type       string            `json:"type"` // "heartbeat"
	PoolID     string            `json:"pool_id"`
	Hostname   string            `json:"hostname"`
	Timestamp  time.Time         `json:"timestamp"`
	MinWorkers int               `json:"min_workers"`
	MaxWorkers int               `json:"max_workers"`
	Workers    []WorkerSnapshot  `json:"workers"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type WorkerSnapshot struct {
	PID            int     `json:"pid"`
	State          string  `json:"state"`
	MemoryMB       float64 `json:"memory_mb"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Completed      int     `json:"completed"`
	ElapsedSeconds float64 `json:"elapsed_of_current_execution,omitempty"`
}

// ScalingEvent reports per-step progress of a scale or recycle operation.
type ScalingEvent struct {
	Type      string    `json:"type"` // "scaling"
	PoolID    string    `json:"pool_id"`
	Action    string    `json:"action"` // scale_down | recycle_all | spawn
	Step      int       `json:"step"`
	Total     int       `json:"total"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigChanged announces new pool bounds.
type ConfigChanged struct {
	Type      string    `json:"type"` // "pool_config_changed"
	PoolID    string    `json:"pool_id"`
	OldMin    int       `json:"old_min"`
	OldMax    int       `json:"old_max"`
	NewMin    int       `json:"new_min"`
	NewMax    int       `json:"new_max"`
	Timestamp time.Time `json:"timestamp"`
}

// CancelRequest asks whichever pool is running the execution to kill it.
type CancelRequest struct {
	Type        string `json:"type"` // "cancel"
	ExecutionID string `json:"execution_id"`
}

// Command is an operator instruction on the pool command channel.
type Command struct {
	Type       string `json:"type"` // recycle_process | recycle_all | resize
	PID        int    `json:"pid,omitempty"`
	Reason     string `json:"reason,omitempty"`
	MinWorkers int    `json:"min_workers,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty"`
}

// PoolOffline is published once during shutdown.
type PoolOffline struct {
	Type      string    `json:"type"` // "pool_offline"
	PoolID    string    `json:"pool_id"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// MemoryBus: in-process broadcast, used in tests and single-node runs.
// =============================================================================

// MemoryBus delivers payloads to in-process subscribers. Slow subscribers
// drop messages rather than block the publisher.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan []byte)}
}

func (mb *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.subs[channel] {
		select {
		case ch <- payload:
		default:
			// Channel full, skip
		}
	}
	return nil
}

func (mb *MemoryBus) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	ch := make(chan []byte, 100)

	mb.mu.Lock()
	mb.subs[channel] = append(mb.subs[channel], ch)
	mb.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case payload := <-ch:
				handler(payload)
			case <-done:
				return
			}
		}
	}()

	unsub := func() {
		close(done)
		mb.mu.Lock()
		defer mb.mu.Unlock()
		filtered := make([]chan []byte, 0, len(mb.subs[channel]))
		for _, s := range mb.subs[channel] {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		mb.subs[channel] = filtered
	}
	return unsub, nil
}

var _ Bus = (*MemoryBus)(nil)
