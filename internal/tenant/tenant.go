// Package tenant carries the current tenant explicitly through context and
// holds per-tenant values.
package tenant

import (
	"context"
	"sort"
	"sync"
)

// None is the id of the default, tenant-less partition.
const None = ""

type ctxKey struct{}

// WithTenant binds a tenant id to ctx.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant bound to ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

// Map is a concurrent-safe tenant -> value map with a fallback used for
// unknown tenants and for None.
type Map[T any] struct {
	mu       sync.RWMutex
	values   map[string]T
	fallback T
}

func NewMap[T any](fallback T) *Map[T] {
	return &Map[T]{values: map[string]T{}, fallback: fallback}
}

// Get returns the value registered for id or the fallback.
func (m *Map[T]) Get(id string) T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[id]; ok {
		return v
	}
	return m.fallback
}

// Lookup returns the value registered for id without falling back.
func (m *Map[T]) Lookup(id string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id]
	return v, ok
}

// Set registers v for id and reports whether id was new.
func (m *Map[T]) Set(id string, v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.values[id]
	m.values[id] = v
	return !exists
}

// Delete removes id and returns the value it held.
func (m *Map[T]) Delete(id string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[id]
	delete(m.values, id)
	return v, ok
}

// IDs returns the registered tenant ids, sorted.
func (m *Map[T]) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.values))
	for id := range m.values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Map[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
