// Package ws streams ledger events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Envelope is the JSON frame sent for each event.
type Envelope struct {
	Topic string `json:"topic"`
	Event any    `json:"event"`
}

type client struct {
	send   chan []byte
	topics map[string]bool // empty means every topic
}

func (c *client) wants(topic string) bool {
	return len(c.topics) == 0 || c.topics[topic]
}

// Hub fans events out to every connected client. A client that falls
// sendBuffer frames behind misses events rather than blocking the ledger.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(Envelope{Topic: topic, Event: event})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("topic", topic).Msg("websocket client too slow, event dropped")
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. Repeat ?topic= to subscribe to specific topics.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	c := &client{send: make(chan []byte, sendBuffer), topics: make(map[string]bool)}
	for _, t := range r.URL.Query()["topic"] {
		c.topics[t] = true
	}
	h.register(c)
	defer h.unregister(c)

	// reading is only needed to notice the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Msg("websocket client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.logger.Debug().Msg("websocket client disconnected")
}

var _ interfaces.EventPublisher = (*Hub)(nil)
