package kvstore

import (
	"context"
	"slices"
	"sync"
)

// MemStore is an in-memory [Store]. Values are copied on the way in and out.
// The zero value is not usable; call [NewMemStore].
type MemStore struct {
	mu         sync.RWMutex
	data       map[string][]byte
	namespaces map[string]*MemStore
}

var (
	_ Store      = (*MemStore)(nil)
	_ Namespacer = (*MemStore)(nil)
)

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		data:       make(map[string][]byte),
		namespaces: make(map[string]*MemStore),
	}
}

// Namespace returns the child store for name, creating it on first use.
// Repeated calls with the same name return the same store.
func (m *MemStore) Namespace(name string) Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[name]
	if !ok {
		ns = NewMemStore()
		m.namespaces[name] = ns
	}
	return ns
}

// Ping always succeeds.
func (m *MemStore) Ping(context.Context) error { return nil }

// Get implements [Store].
func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

// Put implements [Store].
func (m *MemStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = slices.Clone(value)
	return nil
}

// Delete implements [Store].
func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements [Store].
func (m *MemStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Clear implements [Store]. Namespaces are left untouched.
func (m *MemStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	return nil
}

// Len returns the number of stored keys.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
