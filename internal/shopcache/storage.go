package shopcache

import (
	"context"
	"sort"
	"sync"
)

// CacheStorage is the named-namespace cache store shared by every worker
// instance in the process. Namespaces are isolated from each other: an
// operation on one never touches entries of another.
type CacheStorage interface {
	// Open creates the namespace if it does not exist yet.
	Open(ctx context.Context, name string) error
	// Names lists existing namespaces.
	Names(ctx context.Context) ([]string, error)
	// Delete removes a namespace and all of its entries. It reports whether
	// the namespace existed.
	Delete(ctx context.Context, name string) (bool, error)
	Match(ctx context.Context, name, key string) (CacheEntry, bool, error)
	// Put stores ent under key, creating the namespace if needed. A later
	// Put for the same key replaces the earlier one.
	Put(ctx context.Context, name, key string, ent CacheEntry) error
	Close() error
}

type memoryStorage struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]CacheEntry
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{namespaces: map[string]map[string]CacheEntry{}}
}

func (m *memoryStorage) Open(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[name]; !ok {
		m.namespaces[name] = map[string]CacheEntry{}
	}
	return nil
}

func (m *memoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.namespaces[name]
	delete(m.namespaces, name)
	return ok, nil
}

func (m *memoryStorage) Match(_ context.Context, name, key string) (CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.namespaces[name][key]
	return ent, ok, nil
}

func (m *memoryStorage) Put(_ context.Context, name, key string, ent CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[name]
	if !ok {
		ns = map[string]CacheEntry{}
		m.namespaces[name] = ns
	}
	ns[key] = ent
	return nil
}

func (m *memoryStorage) Close() error { return nil }
