package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost/backend/internal/bus"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamerRelaysBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus()
	s := NewStreamer()
	require.NoError(t, s.Attach(ctx, b))
	defer s.Close()
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()
	conn := dial(t, srv)

	// Wait for registration before publishing.
	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.PublishJSON(ctx, b, bus.ChannelScaling, bus.ScalingEvent{
		Type: "scaling", Action: "scale_up", Reason: "load",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, bus.ChannelScaling, event.Channel)

	var payload bus.ScalingEvent
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "scale_up", payload.Action)
}

func TestStreamerCountsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStreamer()
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	first := dial(t, srv)
	dial(t, srv)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	s := NewStreamer()
	// No Run pump; the queue fills and Broadcast must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Broadcast("ch", []byte(`{}`))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
}
