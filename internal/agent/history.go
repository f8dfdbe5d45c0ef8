package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/continuia/secondopinion-chat/internal/domain"
)

// historyBatchSize is the page size requested from the history endpoint.
const historyBatchSize = "200"

// wireMessage is one entry of the history endpoint's response.
type wireMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
}

// FetchHistory retrieves the prior messages of a session in server order.
// Any failure is reported as a *FetchError; requests outliving the history
// timeout fail with ErrTimeout.
func (c *Client) FetchHistory(ctx context.Context, agentName, sessionID string) ([]domain.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("session_id", sessionID)
	query.Set("all", "true")
	query.Set("batch", historyBatchSize)
	query.Set("include_welcome", "true")
	query.Set("bare", "true")
	endpoint := c.endpoint("/agents/"+url.PathEscape(agentName)+"/messages", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{SessionID: sessionID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &FetchError{SessionID: sessionID, Err: fmt.Errorf("%w after %s: %w", ErrTimeout, c.historyTimeout, err)}
		}
		return nil, &FetchError{SessionID: sessionID, Err: fmt.Errorf("%w: %w", ErrNetwork, err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close history body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{SessionID: sessionID, Err: &StatusError{Op: "fetch history", StatusCode: resp.StatusCode}}
	}

	var wire []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &FetchError{SessionID: sessionID, Err: fmt.Errorf("%w reading history: %w", ErrTimeout, err)}
		}
		return nil, &FetchError{SessionID: sessionID, Err: fmt.Errorf("decode history: %w", err)}
	}

	messages := make([]domain.ChatMessage, 0, len(wire))
	for _, m := range wire {
		messages = append(messages, normalizeMessage(m))
	}
	c.logger.Debug("Fetched message history", "session_id", sessionID, "count", len(messages))
	return messages, nil
}

func normalizeMessage(m wireMessage) domain.ChatMessage {
	id := m.ID
	if id == "" {
		id = domain.NewMessageID()
	}
	return domain.ChatMessage{
		ID:        id,
		Content:   StripANSI(m.Content),
		Role:      normalizeRole(m.Role),
		Timestamp: parseTimestamp(m.Timestamp),
	}
}

func normalizeRole(role string) domain.Role {
	if role == string(domain.RoleUser) {
		return domain.RoleUser
	}
	// "agent" and anything unrecognised render as the assistant.
	return domain.RoleAssistant
}

// parseTimestamp reads the service's UTC ISO-8601 timestamps into local time.
// The service sometimes omits the zone suffix; those values are UTC too.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.Local()
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", raw, time.UTC); err == nil {
		return t.Local()
	}
	return time.Now()
}
