package domain

import "time"

// Conversation is the in-memory transcript for one session.
// Messages are append-only in arrival order.
type Conversation struct {
	ID        string        `json:"id"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// NewConversation creates a conversation seeded with history.
func NewConversation(sessionID string, history []ChatMessage, now time.Time) *Conversation {
	msgs := make([]ChatMessage, len(history))
	copy(msgs, history)
	return &Conversation{
		ID:        sessionID,
		Messages:  msgs,
		UpdatedAt: now,
	}
}

// Append adds a message to the end of the transcript.
func (c *Conversation) Append(msg ChatMessage) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.Timestamp
}

// Snapshot returns a copy that is safe to hand to readers.
func (c *Conversation) Snapshot() Conversation {
	msgs := make([]ChatMessage, len(c.Messages))
	copy(msgs, c.Messages)
	return Conversation{
		ID:        c.ID,
		Messages:  msgs,
		UpdatedAt: c.UpdatedAt,
	}
}
