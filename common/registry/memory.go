package registry

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Registry for single-node deployments.
type Memory struct {
	mu    sync.RWMutex
	users map[Key]map[string]Connection
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{users: make(map[Key]map[string]Connection)}
}

func (m *Memory) Register(_ context.Context, conn Connection) (int, error) {
	if err := conn.validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := conn.Key()
	conns, ok := m.users[key]
	if !ok {
		conns = make(map[string]Connection)
		m.users[key] = conns
	}
	conns[conn.ID] = conn
	return len(conns), nil
}

func (m *Memory) Deregister(_ context.Context, key Key, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.users[key]
	if !ok {
		return false, nil
	}
	if _, ok := conns[connID]; !ok {
		return false, nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(m.users, key)
	}
	return true, nil
}

func (m *Memory) Connections(_ context.Context, key Key) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.users[key]
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) IsOnline(_ context.Context, key Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[key]) > 0, nil
}

func (m *Memory) Close() error { return nil }
