package xcom

import (
	"context"
	"sync"
)

// Compile-time interface satisfaction check.
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps XComs in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	values  map[Key]any
	lengths map[Key]int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values:  make(map[Key]any),
		lengths: make(map[Key]int),
	}
}

// GetXCom implements Backend.
func (m *MemoryBackend) GetXCom(_ context.Context, key Key) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// SetXCom implements Backend.
func (m *MemoryBackend) SetXCom(_ context.Context, key Key, value any, mappedLength *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if mappedLength != nil {
		m.lengths[key] = *mappedLength
	} else {
		delete(m.lengths, key)
	}
	return nil
}

// DeleteXCom implements Backend.
func (m *MemoryBackend) DeleteXCom(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.lengths, key)
	return nil
}

// MappedLength returns the mapped length recorded with key, if any.
func (m *MemoryBackend) MappedLength(key Key) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.lengths[key]
	return n, ok
}

// Len returns the number of stored values.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
