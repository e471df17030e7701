package store

import (
	"context"
	"sync"
)

// MemoryStore keeps slots in process memory. Useful for tests and
// single-instance demos; contents are lost on restart.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, found := m.data[key]
	next, err := fn(append([]byte(nil), cur...), found)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	m.data[key] = append([]byte(nil), next...)
	return nil
}

// Len reports the number of stored slots.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *MemoryStore) Close() error { return nil }
