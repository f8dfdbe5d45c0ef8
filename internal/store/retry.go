package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// isSQLiteConflictError reports SQLITE_BUSY and "database is locked" errors,
// both of which clear up once the competing writer finishes.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// withWriteRetry runs fn, retrying conflict errors with exponential backoff
// (50ms, 100ms).
func withWriteRetry(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for i := 0; i < writeRetries; i++ {
		err = fn()
		if err == nil || !isSQLiteConflictError(err) || i == writeRetries-1 {
			return err
		}

		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write conflict, retrying", "op", op, "key", key, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
