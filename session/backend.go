package session

import (
	"context"
	"sync"
)

// Backend is the durable key/value capability behind a [Store].
//
// Set must apply all values as one write, Delete must remove all keys as one
// write and GetMany must read all keys as one snapshot, so a reader racing a
// writer sees either the old pair or the new pair, never a mix.
type Backend interface {
	// Get returns the value of key; ok is false when it is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// GetMany returns the present keys among keys. Absent keys are omitted.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	// Set writes every entry of values.
	Set(ctx context.Context, values map[string]string) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// NopBackend stands in when no persistence is available. Reads find nothing
// and writes are discarded.
type NopBackend struct{}

// Get always reports key as absent.
func (NopBackend) Get(context.Context, string) (string, bool, error) { return "", false, nil }

// GetMany always returns an empty map.
func (NopBackend) GetMany(context.Context, ...string) (map[string]string, error) {
	return map[string]string{}, nil
}

// Set discards values.
func (NopBackend) Set(context.Context, map[string]string) error { return nil }

// Delete does nothing.
func (NopBackend) Delete(context.Context, ...string) error { return nil }

// MemoryBackend keeps values in a process-local map.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryBackend returns an empty [MemoryBackend].
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]string, 2)}
}

// Get returns the value stored under key.
func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	v, ok := m.data[key]
	m.mu.RUnlock()
	return v, ok, nil
}

// GetMany reads keys under one read lock.
func (m *MemoryBackend) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	m.mu.RLock()
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	m.mu.RUnlock()
	return out, nil
}

// Set stores values under one write lock.
func (m *MemoryBackend) Set(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	if m.data == nil {
		m.data = make(map[string]string, len(values))
	}
	for k, v := range values {
		m.data[k] = v
	}
	m.mu.Unlock()
	return nil
}

// Delete removes keys under one write lock.
func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}
