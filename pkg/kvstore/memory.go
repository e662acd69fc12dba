package kvstore

import (
	"context"
	"sync"
)

type Memory struct {
	mu      sync.Mutex
	updates map[string][][]byte
	meta    map[string]map[string][]byte
	writes  int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		updates: map[string][][]byte{},
		meta:    map[string]map[string][]byte{},
	}
}

func (m *Memory) GetDocument(_ context.Context, name string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.updates[name]))
	for _, u := range m.updates[name] {
		out = append(out, clone(u))
	}
	return out, nil
}

func (m *Memory) StoreUpdate(_ context.Context, name string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[name] = append(m.updates[name], clone(update))
	m.writes++
	return nil
}

func (m *Memory) ReplaceDocument(_ context.Context, name string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[name] = [][]byte{clone(state)}
	m.writes++
	return nil
}

func (m *Memory) ClearDocument(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.updates, name)
	delete(m.meta, name)
	return nil
}

func (m *Memory) GetMeta(_ context.Context, name, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[name][key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) SetMeta(_ context.Context, name, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta[name] == nil {
		m.meta[name] = map[string][]byte{}
	}
	m.meta[name][key] = clone(value)
	m.writes++
	return nil
}

// Writes counts update and metadata writes, for asserting write amplification in tests.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Close() error { return nil }

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
