package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps values in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

// Get returns a copy of the value for key.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a copy of value under key.
func (m *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Update applies fn while holding the lock.
func (m *MemoryBackend) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if v, ok := m.values[key]; ok {
		current = make([]byte, len(v))
		copy(current, v)
	}
	next, mutation, err := fn(current)
	if err != nil {
		return err
	}
	switch mutation {
	case MutationPut:
		v := make([]byte, len(next))
		copy(v, next)
		m.values[key] = v
	case MutationDelete:
		delete(m.values, key)
	}
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }
func (m *MemoryBackend) Close() error               { return nil }
