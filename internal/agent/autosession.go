package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// AutoSession is the payload returned by the session-creation endpoint.
type AutoSession struct {
	SessionID     string `json:"sessionId"`
	AgentID       string `json:"agentId"`
	AgentName     string `json:"agentName"`
	Status        string `json:"status"`
	WebSocketURL  string `json:"websocketUrl"`
	AutoCreated   bool   `json:"autoCreated"`
	AutoConnected bool   `json:"autoConnected"`
	ArikaWelcome  bool   `json:"arikaWelcome"`
	Message       string `json:"message"`
}

// CreateSession provisions a new agent session. The request is aborted after
// the configured creation timeout.
func (c *Client) CreateSession(ctx context.Context) (*AutoSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/auto-session", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("build auto-session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, c.createTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close auto-session body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: "create session", StatusCode: resp.StatusCode}
	}

	var session AutoSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w reading auto-session body: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("decode auto-session response: %w", err)
	}
	if session.SessionID == "" || session.AgentName == "" {
		return nil, ErrInvalidSession
	}

	c.logger.Info("Agent session created",
		"session_id", session.SessionID,
		"agent_name", session.AgentName,
		"status", session.Status,
	)
	return &session, nil
}
