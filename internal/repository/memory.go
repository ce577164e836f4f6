package repository

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepository keeps snapshots in process memory. Used when no durable backend is configured.
type MemoryRepository struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{snapshots: make(map[string][]byte)}
}

func (m *MemoryRepository) GetSnapshot(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.snapshots[sessionID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return slices.Clone(data), nil
}

func (m *MemoryRepository) SaveSnapshot(_ context.Context, sessionID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[sessionID] = slices.Clone(payload)
	return nil
}

func (m *MemoryRepository) DeleteSnapshot(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[sessionID]; !ok {
		return ErrCartNotFound
	}
	delete(m.snapshots, sessionID)
	return nil
}

func (m *MemoryRepository) Close() error {
	return nil
}
