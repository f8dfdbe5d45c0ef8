// Package domain contains core domain types for the chat session client.
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var errIncompleteDescriptor = errors.New("session descriptor missing sessionId or agentName")

// SessionDescriptor identifies an ongoing conversation with a remote agent.
// At most one descriptor is persisted per device.
type SessionDescriptor struct {
	SessionID      string
	AgentID        string
	AgentName      string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// storedDescriptor is the persisted wire form. Timestamps are Unix milliseconds
// so the slot stays readable by the browser widget that shares the format.
type storedDescriptor struct {
	SessionID    string          `json:"sessionId"`
	AgentID      string          `json:"agentId"`
	AgentName    string          `json:"agentName"`
	Timestamp    int64           `json:"timestamp"`
	LastActivity int64           `json:"lastActivity"`
	Messages     json.RawMessage `json:"messages,omitempty"`
}

// MarshalJSON encodes the descriptor in its persisted form.
func (d SessionDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedDescriptor{
		SessionID:    d.SessionID,
		AgentID:      d.AgentID,
		AgentName:    d.AgentName,
		Timestamp:    d.CreatedAt.UnixMilli(),
		LastActivity: d.LastActivityAt.UnixMilli(),
	})
}

// UnmarshalJSON decodes the persisted form. Records without a session ID or
// agent name are rejected so callers can treat them as absent.
func (d *SessionDescriptor) UnmarshalJSON(data []byte) error {
	var s storedDescriptor
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.SessionID == "" || s.AgentName == "" {
		return errIncompleteDescriptor
	}
	d.SessionID = s.SessionID
	d.AgentID = s.AgentID
	d.AgentName = s.AgentName
	d.CreatedAt = time.UnixMilli(s.Timestamp)
	d.LastActivityAt = time.UnixMilli(s.LastActivity)
	return nil
}

// Age returns how long ago the session was created.
func (d SessionDescriptor) Age(now time.Time) time.Duration {
	return now.Sub(d.CreatedAt)
}

// Idle returns how long the session has gone without activity.
func (d SessionDescriptor) Idle(now time.Time) time.Duration {
	return now.Sub(d.LastActivityAt)
}
