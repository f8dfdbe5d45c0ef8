// Package agent talks to the remote conversational agent service.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultCreateTimeout bounds a session-creation request.
	DefaultCreateTimeout = 15 * time.Second
	// DefaultHistoryTimeout bounds a history request.
	DefaultHistoryTimeout = 15 * time.Second
)

// ClientConfig holds configuration for the agent client.
type ClientConfig struct {
	BaseURL        string
	CreateTimeout  time.Duration
	HistoryTimeout time.Duration
	HTTPClient     *http.Client
}

// Client calls the agent service's HTTP API.
type Client struct {
	base           *url.URL
	http           *http.Client
	createTimeout  time.Duration
	historyTimeout time.Duration
	logger         *slog.Logger
}

// NewClient creates a client for the agent API rooted at cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("agent base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("agent base URL must be http or https, got %q", base.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	createTimeout := cfg.CreateTimeout
	if createTimeout <= 0 {
		createTimeout = DefaultCreateTimeout
	}
	historyTimeout := cfg.HistoryTimeout
	if historyTimeout <= 0 {
		historyTimeout = DefaultHistoryTimeout
	}

	return &Client{
		base:           base,
		http:           httpClient,
		createTimeout:  createTimeout,
		historyTimeout: historyTimeout,
		logger:         logger,
	}, nil
}

// WebSocketURL returns the agent socket address for a session.
func (c *Client) WebSocketURL(sessionID, agentName string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/agents/ws"
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("agent_name", agentName)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = u.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
