package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps connections in process memory.
type MemoryRegistry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	now         func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		connections: make(map[string]*Connection),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, id string, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[id] = &Connection{
		ID:          id,
		ConnectedAt: connectedAt(meta, now),
		DomainName:  meta.DomainName,
		Stage:       meta.Stage,
		UpdatedAt:   now,
	}
	return nil
}

func (m *MemoryRegistry) Unregister(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.connections, id)
	return nil
}

func (m *MemoryRegistry) ListAll(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRegistry) UpdateMetadata(ctx context.Context, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[id]
	if !ok {
		conn = &Connection{ID: id, ConnectedAt: now}
		m.connections[id] = conn
	}
	merge(conn, fields, now)
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	connCopy := *conn
	return &connCopy, nil
}

func (m *MemoryRegistry) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections), nil
}

// Close is a no-op.
func (m *MemoryRegistry) Close() error {
	return nil
}
