package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks messages typed by the visitor.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the remote agent.
	RoleAssistant Role = "assistant"
)

// ChatMessage is a single entry in a conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageID returns a client-generated unique message token.
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewMessage builds a message stamped with a fresh ID.
func NewMessage(role Role, content string, ts time.Time) ChatMessage {
	return ChatMessage{
		ID:        NewMessageID(),
		Content:   content,
		Role:      role,
		Timestamp: ts,
	}
}
