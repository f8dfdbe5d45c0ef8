// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	AgentAPIBase string
	FrontendURL  string
	Debug        bool
	Store        StoreConfig
	Timing       TimingConfig
}

// StoreConfig selects where the session descriptor is persisted.
type StoreConfig struct {
	Backend        string // "sqlite" or "memory"
	DBPath         string
	Key            string
	ExpiryInterval time.Duration
}

// TimingConfig holds the chat lifecycle delays and timeouts.
type TimingConfig struct {
	RestoreSettle  time.Duration
	CreateSettle   time.Duration
	ConnectTimeout time.Duration
	CreateTimeout  time.Duration
	HistoryTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		AgentAPIBase: strings.TrimRight(getEnv("AGENT_API_BASE", "http://localhost:8000"), "/"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		Debug:        getEnvBool("DEBUG", false),
		Store: StoreConfig{
			Backend:        strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
			DBPath:         getEnv("DB_PATH", "./data/chat.db"),
			Key:            getEnv("SESSION_STORAGE_KEY", "continuia_chat_session"),
			ExpiryInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
		},
		Timing: TimingConfig{
			RestoreSettle:  getEnvDuration("RESTORE_SETTLE_DELAY", 3*time.Second),
			CreateSettle:   getEnvDuration("CREATE_SETTLE_DELAY", 1500*time.Millisecond),
			ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
			CreateTimeout:  getEnvDuration("CREATE_SESSION_TIMEOUT", 15*time.Second),
			HistoryTimeout: getEnvDuration("HISTORY_TIMEOUT", 15*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	u, err := url.Parse(c.AgentAPIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("AGENT_API_BASE must be an http(s) URL, got %q", c.AgentAPIBase)
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendSQLite, BackendMemory, c.Store.Backend)
	}
	if c.Store.Key == "" {
		return fmt.Errorf("SESSION_STORAGE_KEY cannot be empty")
	}
	if c.Store.ExpiryInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be > 0")
	}
	if c.Timing.RestoreSettle < 0 || c.Timing.CreateSettle < 0 {
		return fmt.Errorf("settle delays cannot be negative")
	}
	if c.Timing.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be > 0")
	}
	if c.Timing.CreateTimeout <= 0 {
		return fmt.Errorf("CREATE_SESSION_TIMEOUT must be > 0")
	}
	if c.Timing.HistoryTimeout <= 0 {
		return fmt.Errorf("HISTORY_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("1.5s") or bare milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms := getEnvInt(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
