package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the request did not complete within its budget.
	ErrTimeout = errors.New("agent request timed out")
	// ErrNetwork means the request failed at the transport level.
	ErrNetwork = errors.New("agent network failure")
	// ErrInvalidSession means the service answered without a usable session.
	ErrInvalidSession = errors.New("agent returned an invalid session")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// FetchError is returned when message history cannot be retrieved.
type FetchError struct {
	SessionID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch history for session %s: %v", e.SessionID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
