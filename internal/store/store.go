// Package store persists the chat session descriptor in a single key-value slot.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/continuia/secondopinion-chat/internal/domain"
)

const (
	// MaxSessionAge is how long a session may live after creation.
	MaxSessionAge = 7 * 24 * time.Hour
	// MaxIdle is how long a session may go without activity.
	MaxIdle = 24 * time.Hour

	// DefaultKey is the slot the descriptor is stored under.
	DefaultKey = "continuia_chat_session"
)

// Backend is a raw key-value store.
type Backend interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put overwrites the value for key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Update runs fn on the current value (nil when absent) and applies its
	// result without another writer interleaving.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Mutation is the outcome of an UpdateFunc.
type Mutation int

const (
	// MutationKeep leaves the stored value untouched.
	MutationKeep Mutation = iota
	// MutationPut replaces the stored value.
	MutationPut
	// MutationDelete removes the key.
	MutationDelete
)

// UpdateFunc computes the replacement for current.
type UpdateFunc func(current []byte) (next []byte, m Mutation, err error)

// SessionStore is the contract the orchestrator and connection manager use.
type SessionStore interface {
	Save(ctx context.Context, d domain.SessionDescriptor) error
	Load(ctx context.Context) *domain.SessionDescriptor
	Touch(ctx context.Context) error
	IsValid(d domain.SessionDescriptor) bool
	Clear(ctx context.Context) error
	ClearExpired(ctx context.Context) (*domain.SessionDescriptor, error)
}

// Store implements SessionStore on top of a Backend.
type Store struct {
	backend Backend
	key     string
	now     func() time.Time
	logger  *slog.Logger
}

var _ SessionStore = (*Store)(nil)

// New creates a session store writing to key in backend.
func New(backend Backend, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		key:     key,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Save overwrites the stored descriptor and stamps its last activity.
func (s *Store) Save(ctx context.Context, d domain.SessionDescriptor) error {
	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.LastActivityAt = now
	return s.put(ctx, d)
}

// Load returns the stored descriptor. Absent, malformed, or unreadable slots
// all yield nil.
func (s *Store) Load(ctx context.Context) *domain.SessionDescriptor {
	raw, err := s.backend.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("Session storage unavailable", "key", s.key, "error", err)
		return nil
	}
	return s.decode(raw)
}

func (s *Store) decode(raw []byte) *domain.SessionDescriptor {
	if raw == nil {
		return nil
	}
	var d domain.SessionDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		s.logger.Warn("Discarding malformed session descriptor", "key", s.key, "error", err)
		return nil
	}
	return &d
}

// Touch refreshes the last activity of the stored descriptor, if any. A
// concurrent Clear always wins: Touch never recreates a removed slot.
func (s *Store) Touch(ctx context.Context) error {
	err := s.backend.Update(ctx, s.key, func(current []byte) ([]byte, Mutation, error) {
		d := s.decode(current)
		if d == nil {
			return nil, MutationKeep, nil
		}
		d.LastActivityAt = s.now()
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, MutationKeep, fmt.Errorf("encode session descriptor: %w", err)
		}
		return raw, MutationPut, nil
	})
	if err != nil {
		return fmt.Errorf("touch session descriptor: %w", err)
	}
	return nil
}

// IsValid reports whether d is young enough and recently active enough to restore.
func (s *Store) IsValid(d domain.SessionDescriptor) bool {
	now := s.now()
	return d.Age(now) < MaxSessionAge && d.Idle(now) < MaxIdle
}

// Clear removes the stored descriptor.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear session descriptor: %w", err)
	}
	return nil
}

// ClearExpired removes the stored descriptor only if it is still invalid at
// the moment of removal, and returns what it removed. A descriptor saved
// concurrently is never swept.
func (s *Store) ClearExpired(ctx context.Context) (*domain.SessionDescriptor, error) {
	var removed *domain.SessionDescriptor
	err := s.backend.Update(ctx, s.key, func(current []byte) ([]byte, Mutation, error) {
		removed = nil
		d := s.decode(current)
		if d == nil || s.IsValid(*d) {
			return nil, MutationKeep, nil
		}
		removed = d
		return nil, MutationDelete, nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear expired session descriptor: %w", err)
	}
	return removed, nil
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(ctx context.Context, d domain.SessionDescriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode session descriptor: %w", err)
	}
	if err := s.backend.Put(ctx, s.key, raw); err != nil {
		return fmt.Errorf("save session descriptor: %w", err)
	}
	return nil
}
