package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store for tests and embedded deployments.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory ...
func NewMemory() *Memory {
	return &Memory{values: map[string][]byte{}}
}

// Get ...
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

// Put ...
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	copied := make([]byte, len(value))
	copy(copied, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = copied
	return nil
}

// Delete ...
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

// List pages through the matching keys in lexicographic order.
func (m *Memory) List(ctx context.Context, prefix string, pageSize int, fn func(keys []string) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	m.mu.RLock()
	var keys []string
	for key := range m.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for start := 0; start < len(keys); start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + pageSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := fn(keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}
