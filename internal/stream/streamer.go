// Package stream relays pool telemetry to WebSocket clients: heartbeats,
// scaling events, execution progress and config changes, fanned out from
// the event bus as they arrive.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bifrost/backend/internal/bus"
)

// Event is the wire envelope sent to clients.
type Event struct {
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Streamer manages WebSocket connections and the bus subscriptions
// feeding them.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	unsubs     []func()
	logger     *log.Logger
}

func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[Stream] ", log.LstdFlags),
	}
}

// Attach subscribes the streamer to the telemetry channels. Call before
// Run; Close undoes the subscriptions.
func (s *Streamer) Attach(ctx context.Context, b bus.Bus) error {
	channels := []string{
		bus.ChannelHeartbeat,
		bus.ChannelScaling,
		bus.ChannelProgress,
		bus.ChannelConfigChanged,
	}
	for _, ch := range channels {
		channel := ch
		unsub, err := b.Subscribe(ctx, channel, func(payload []byte) {
			s.Broadcast(channel, payload)
		})
		if err != nil {
			s.Close()
			return err
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	return nil
}

// Run pumps the hub until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("Client connected (total: %d)", total)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("Client disconnected (total: %d)", total)

		case event := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every connected client. Drops when the
// queue is full so a stalled hub never blocks the bus.
func (s *Streamer) Broadcast(channel string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case s.broadcast <- Event{Channel: channel, Timestamp: time.Now().UTC(), Payload: cp}:
	default:
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Upgrade error: %v", err)
		return
	}

	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// ClientCount reports connected clients, for the health endpoint.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close drops the bus subscriptions.
func (s *Streamer) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}
