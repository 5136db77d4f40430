package cache

import (
	"context"
	"sort"
	"sync"
)

// MemStore keeps all partitions in memory. Used for tests and ephemeral runs.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m MemStore) Open(ctx context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		m.db[name] = make(map[string][]byte)
	}
	return memPartition{store: m, name: name}, nil
}

func (m MemStore) Drop(ctx context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		return ErrNotFound
	}
	delete(m.db, name)
	return nil
}

func (m MemStore) Partitions(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemStore) Close() error {
	return nil
}

type memPartition struct {
	store MemStore
	name  string
}

func (p memPartition) Name() string {
	return p.name
}

func (p memPartition) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p.store.mutex.RLock()
	defer p.store.mutex.RUnlock()
	value, ok := p.store.db[p.name][key]
	if !ok {
		return nil, false, nil
	}
	// hand out a copy so callers cannot mutate stored bytes
	return append([]byte(nil), value...), true, nil
}

func (p memPartition) Put(ctx context.Context, key string, value []byte) error {
	p.store.mutex.Lock()
	defer p.store.mutex.Unlock()
	entries, ok := p.store.db[p.name]
	if !ok {
		entries = make(map[string][]byte)
		p.store.db[p.name] = entries
	}
	entries[key] = append([]byte(nil), value...)
	return nil
}

func (p memPartition) Delete(ctx context.Context, key string) error {
	p.store.mutex.Lock()
	defer p.store.mutex.Unlock()
	delete(p.store.db[p.name], key)
	return nil
}

func (p memPartition) Keys(ctx context.Context) ([]string, error) {
	p.store.mutex.RLock()
	defer p.store.mutex.RUnlock()
	keys := make([]string, 0, len(p.store.db[p.name]))
	for key := range p.store.db[p.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
