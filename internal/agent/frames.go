package agent

import (
	"time"

	"github.com/continuia/secondopinion-chat/internal/domain"
)

// Frame types exchanged over the agent socket.
const (
	FrameUserMessage           = "user_message"
	FrameAgentResponse         = "agent_response"
	FrameConnectionEstablished = "connection_established"
)

// OutboundFrame is sent from the client to the agent.
type OutboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// InboundFrame is received from the agent.
type InboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// UserMessage builds the outbound frame for visitor input.
func UserMessage(content string) OutboundFrame {
	return OutboundFrame{Type: FrameUserMessage, Content: content}
}

// Visible reports whether the frame should surface as an assistant message.
func (f InboundFrame) Visible() bool {
	return f.Type == FrameAgentResponse || f.Type == FrameConnectionEstablished
}

// ChatMessage converts a visible frame to an assistant message with escape
// sequences removed.
func (f InboundFrame) ChatMessage(now time.Time) domain.ChatMessage {
	ts := now
	if f.Timestamp != "" {
		ts = parseTimestamp(f.Timestamp)
	}
	return domain.NewMessage(domain.RoleAssistant, StripANSI(f.Content), ts)
}
