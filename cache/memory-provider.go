package cache

import (
	"container/list"
	"context"
	"sync"
)

// MemStorage keeps partitions in process memory.
// Each partition pairs a map with an explicit FIFO queue,
// so insertion order never depends on map iteration.
type MemStorage struct {
	mutex      sync.RWMutex
	partitions map[string]*memPartition
	order      []string
}

type memEntry struct {
	key   string
	value []byte
}

type memPartition struct {
	name    string
	mutex   sync.RWMutex
	entries map[string]*list.Element
	queue   *list.List
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		partitions: make(map[string]*memPartition),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memPartition{
		name:    name,
		entries: make(map[string]*list.Element),
		queue:   list.New(),
	}
	m.partitions[name] = p
	m.order = append(m.order, name)
	return p, nil
}

func (m *MemStorage) Get(_ context.Context, name string) (Partition, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.partitions[name]
	return ok, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	order := make([]string, 0, len(m.order))
	for _, n := range m.order {
		if n != name {
			order = append(order, n)
		}
	}
	m.order = order
	return true, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (p *memPartition) Name() string {
	return p.name
}

func (p *memPartition) Match(_ context.Context, key string) ([]byte, bool, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	el, ok := p.entries[key]
	if !ok {
		return nil, false, nil
	}
	return el.Value.(*memEntry).value, true, nil
}

func (p *memPartition) Put(_ context.Context, key string, value []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if el, ok := p.entries[key]; ok {
		p.queue.Remove(el)
	}
	p.entries[key] = p.queue.PushBack(&memEntry{key: key, value: value})
	return nil
}

func (p *memPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	el, ok := p.entries[key]
	if !ok {
		return false, nil
	}
	p.queue.Remove(el)
	delete(p.entries, key)
	return true, nil
}

func (p *memPartition) Keys(_ context.Context) ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	keys := make([]string, 0, p.queue.Len())
	for el := p.queue.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*memEntry).key)
	}
	return keys, nil
}

func (p *memPartition) Len(_ context.Context) (int, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.queue.Len(), nil
}
