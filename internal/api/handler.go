// Package api exposes the chat orchestrator to the browser over HTTP and
// WebSocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/continuia/secondopinion-chat/internal/chat"
)

// ChatService is the orchestrator surface the handlers need.
type ChatService interface {
	Snapshot() chat.Snapshot
	SendMessage(ctx context.Context, content string) error
	CreateNewConversation(ctx context.Context) error
	Subscribe(fn func(chat.Snapshot)) func()
}

var _ ChatService = (*chat.Orchestrator)(nil)

// Handler provides common handler utilities.
type Handler struct {
	chat   ChatService
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc ChatService, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		chat:   svc,
		hub:    hub,
		logger: logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
