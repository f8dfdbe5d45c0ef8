package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/continuia/secondopinion-chat/internal/chat"
)

// WebSocketHandler serves the browser chat socket.
type WebSocketHandler struct {
	*Handler
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(base *Handler, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		Handler:       base,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is a frame sent by the browser.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Chat socket request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	c := h.hub.register(ws)
	defer h.hub.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Current state first, then live updates. A newer published snapshot
	// takes precedence.
	snap := h.chat.Snapshot()
	if data, err := encodeSnapshot(snap); err == nil {
		c.offer(snap.Version, data)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, c)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.hub.writeLoop(ctx, c)
	}()

	wg.Wait()
	h.logger.Info("Chat socket ended", "client_id", c.id)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, c *client) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Chat socket closed by client", "client_id", c.id)
			} else if ctx.Err() == nil {
				h.logger.Warn("Chat socket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.logger.Debug("Ignoring malformed chat frame", "client_id", c.id, "error", err)
			continue
		}

		switch msg.Type {
		case "user_message":
			if !ready(h.chat.Snapshot()) {
				h.reply(c, map[string]string{"type": "error", "error": "chat_not_ready"})
				continue
			}
			if err := h.chat.SendMessage(ctx, msg.Content); err != nil {
				h.logger.Warn("Failed to forward chat message", "client_id", c.id, "error", err)
				h.reply(c, map[string]string{"type": "error", "error": "send_failed"})
			}
		case "new_chat":
			go h.newChat(c)
		case "ping":
			h.reply(c, map[string]string{"type": "pong"})
		}
	}
}

func (h *WebSocketHandler) newChat(c *client) {
	err := h.chat.CreateNewConversation(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrCreationInProgress):
		h.reply(c, map[string]string{"type": "error", "error": "creation_in_progress"})
	default:
		h.logger.Error("New conversation failed", "client_id", c.id, "error", err)
		h.reply(c, map[string]string{"type": "error", "error": "connection failed, retry"})
	}
}

func (h *WebSocketHandler) reply(c *client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.logger.Debug("Dropping reply for slow chat socket", "client_id", c.id)
	}
}
