package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultExpiryInterval is how often the expiry worker checks the slot.
const DefaultExpiryInterval = 5 * time.Minute

// StartExpiryWorker periodically clears the stored descriptor once it is no
// longer valid. It returns when ctx is cancelled.
func StartExpiryWorker(ctx context.Context, s SessionStore, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Session expiry worker started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			sweepExpired(ctx, s)
		case <-ctx.Done():
			slog.Info("Session expiry worker shutting down", "reason", ctx.Err())
			return
		}
	}
}

// sweepExpired clears the slot if its descriptor has expired. It reports
// whether anything was removed.
func sweepExpired(ctx context.Context, s SessionStore) bool {
	d, err := s.ClearExpired(ctx)
	if err != nil {
		slog.Error("Failed to clear expired session", "error", err)
		return false
	}
	if d == nil {
		return false
	}
	slog.Info("Cleared expired session", "session_id", d.SessionID, "agent_name", d.AgentName)
	return true
}
