package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/continuia/secondopinion-chat/internal/chat"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

// event is the envelope pushed to browser sockets.
type event struct {
	Type string `json:"type"`
	chat.Snapshot
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte // replies
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	latest   []byte
	version  uint64
	hasState bool
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// offer replaces the pending snapshot unless it is older than the last one
// offered. It never blocks.
func (c *client) offer(version uint64, data []byte) bool {
	c.mu.Lock()
	if c.hasState && version < c.version {
		c.mu.Unlock()
		return false
	}
	c.latest = data
	c.version = version
	c.hasState = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// pending takes the snapshot waiting to be written, if any.
func (c *client) pending() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.latest
	c.latest = nil
	return data
}

// Hub tracks live browser sockets and fans snapshots out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger,
	}
}

// register adds conn and returns its client.
func (h *Hub) register(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.Must(uuid.NewV7()).String(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Chat socket registered", "client_id", c.id, "clients", n)
	return c
}

// unregister removes c. Unknown clients are ignored.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.stop()
		h.logger.Info("Chat socket unregistered", "client_id", c.id, "clients", n)
	}
}

// Len returns the number of live sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish hands a snapshot to every client. Each client keeps only the newest
// snapshot by Version, so slow clients skip intermediate states and a late,
// older snapshot never replaces a newer one.
func (h *Hub) Publish(s chat.Snapshot) {
	data, err := encodeSnapshot(s)
	if err != nil {
		h.logger.Error("Failed to encode chat snapshot", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.offer(s.Version, data) {
			h.logger.Debug("Ignoring stale chat snapshot", "client_id", c.id, "version", s.Version)
		}
	}
}

// CloseAll terminates every socket.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for id, c := range clients {
		c.stop()
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		h.logger.Info("Chat socket closed", "client_id", id)
	}
}

// writeLoop drains c.send until ctx ends or the client stops.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			if !h.write(ctx, c, data) {
				return
			}
		case <-c.wake:
			if data := c.pending(); data != nil && !h.write(ctx, c, data) {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, c *client, data []byte) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.logger.Debug("Chat socket write error", "client_id", c.id, "error", err)
		return false
	}
	return true
}

func encodeSnapshot(s chat.Snapshot) ([]byte, error) {
	return json.Marshal(event{Type: "snapshot", Snapshot: s})
}
