package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost/backend/internal/infra"
)

func TestMemoryBusBroadcast(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	got1 := make(chan []byte, 1)
	got2 := make(chan []byte, 1)
	unsub1, err := b.Subscribe(ctx, "ch", func(p []byte) { got1 <- p })
	require.NoError(t, err)
	defer unsub1()
	unsub2, err := b.Subscribe(ctx, "ch", func(p []byte) { got2 <- p })
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, b.Publish(ctx, "ch", []byte("hello")))

	for _, ch := range []chan []byte{got1, got2} {
		select {
		case p := <-ch:
			assert.Equal(t, "hello", string(p))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
}

func TestMemoryBusChannelIsolation(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	got := make(chan []byte, 1)
	unsub, err := b.Subscribe(ctx, "a", func(p []byte) { got <- p })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, "b", []byte("x")))
	select {
	case <-got:
		t.Fatal("message crossed channels")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	got := make(chan []byte, 1)
	unsub, err := b.Subscribe(ctx, "ch", func(p []byte) { got <- p })
	require.NoError(t, err)
	unsub()

	require.NoError(t, b.Publish(ctx, "ch", []byte("after")))
	select {
	case <-got:
		t.Fatal("unsubscribed handler still invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBus(infra.NewGoRedisAdapterFromClient(rdb), "")
	ctx := context.Background()

	got := make(chan []byte, 1)
	unsub, err := b.Subscribe(ctx, ChannelCancel, func(p []byte) { got <- p })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, PublishJSON(ctx, b, ChannelCancel, CancelRequest{Type: "cancel", ExecutionID: "e-1"}))

	select {
	case p := <-got:
		var req CancelRequest
		require.NoError(t, json.Unmarshal(p, &req))
		assert.Equal(t, "e-1", req.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message over redis pub/sub")
	}
}

func TestCommandChannelNaming(t *testing.T) {
	assert.Equal(t, "pool:abc:commands", CommandChannel("abc"))
}

func TestHeartbeatPayloadShape(t *testing.T) {
	hb := Heartbeat{
		Type:       "heartbeat",
		PoolID:     "p1",
		Hostname:   "node-1",
		Timestamp:  time.Now().UTC(),
		MinWorkers: 2,
		MaxWorkers: 8,
		Workers:    []WorkerSnapshot{{PID: 41, State: "IDLE"}},
	}
	data, err := json.Marshal(hb)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"heartbeat"`)
	assert.Contains(t, string(data), `"pid":41`)
}
