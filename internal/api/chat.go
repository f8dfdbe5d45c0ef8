package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/continuia/secondopinion-chat/internal/chat"
	"github.com/continuia/secondopinion-chat/internal/domain"
)

// maxMessageBytes bounds a posted chat message body.
const maxMessageBytes = 16 << 10

// ChatHandler handles the chat REST endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", h.GetChat)
		r.Post("/messages", h.PostMessage)
		r.Post("/new", h.NewConversation)
	})
}

// GetChat returns the current chat snapshot.
func (h *ChatHandler) GetChat(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.chat.Snapshot())
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage forwards a user message to the agent.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "empty_message")
		return
	}

	if !ready(h.chat.Snapshot()) {
		Error(w, http.StatusConflict, "chat_not_ready")
		return
	}

	if err := h.chat.SendMessage(r.Context(), req.Content); err != nil {
		h.logger.Error("Failed to send chat message", "error", err)
		Error(w, http.StatusBadGateway, "send_failed")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// NewConversation discards the current conversation and starts a fresh one.
func (h *ChatHandler) NewConversation(w http.ResponseWriter, r *http.Request) {
	// Finish provisioning even if the browser goes away mid-request.
	ctx := context.WithoutCancel(r.Context())

	err := h.chat.CreateNewConversation(ctx)
	switch {
	case errors.Is(err, chat.ErrCreationInProgress):
		Error(w, http.StatusConflict, "creation_in_progress")
		return
	case err != nil:
		h.logger.Error("New conversation failed", "error", err)
		Error(w, http.StatusBadGateway, "connection failed, retry")
		return
	}

	JSON(w, http.StatusCreated, h.chat.Snapshot())
}

func ready(s chat.Snapshot) bool {
	return s.Conversation != nil && s.Connection == domain.ConnectionConnected
}
