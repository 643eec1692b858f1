// Package realtime serves the websocket side of a session: it drives the
// presence hooks from connection lifecycle and pushes notify events to the
// sockets that should see them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"collab/api/internal/notify"
	"collab/api/internal/presence"
)

type client struct {
	id   string
	send chan []byte
	// done is closed once the client's session has ended. The writer flushes
	// what is queued and closes the socket.
	done chan struct{}
	once sync.Once
}

func newClient(id string, queue int) *client {
	return &client{id: id, send: make(chan []byte, queue), done: make(chan struct{})}
}

func (c *client) finish() {
	c.once.Do(func() { close(c.done) })
}

// Hub is a notify.Publisher that writes events to local websocket
// connections. Recipients are looked up in the presence registry; the hub
// itself only maps connection ids to send queues.
type Hub struct {
	registry *presence.Registry
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(registry *presence.Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger,
		clients:  make(map[string]*client),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	delete(h.clients, connID)
	h.mu.Unlock()
}

// Clients is the number of sockets currently attached to this hub.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers a targeted event to every connection of its target user and
// any other session event to every connection in that session. Events with
// neither have no local audience. A full send queue drops the event for that
// connection only. A session.ended event also finishes every socket it
// reaches.
func (h *Hub) Publish(_ context.Context, event notify.Event) error {
	var conns []presence.Connection
	switch {
	case event.Targeted():
		conns = h.registry.GetUserConnections(*event.TargetUserID)
	case event.SessionID != nil:
		conns = h.registry.GetSessionConnections(*event.SessionID)
	default:
		return nil
	}
	if len(conns) == 0 {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	closing := event.Type == notify.SessionEnded && !event.Targeted()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range conns {
		c, ok := h.clients[conn.ID]
		if !ok {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("connId", c.id).Str("type", string(event.Type)).Msg("send queue full, dropping event")
		}
		if closing {
			c.finish()
		}
	}
	return nil
}

// Deliver is the callback for events relayed from other instances.
func (h *Hub) Deliver(event notify.Event) {
	if err := h.Publish(context.Background(), event); err != nil {
		h.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("deliver relayed event")
	}
}
