package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TTL cache with tag invalidation, suitable for
// single-node deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	byTag   map[string]map[string]struct{}
	now     func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

func NewMemory() *Memory {
	return &Memory{
		entries: map[string]*entry{},
		byTag:   map[string]map[string]struct{}{},
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().After(e.expiresAt) {
		m.evict(key, e)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[key]; ok {
		m.evict(key, old)
	}
	m.entries[key] = &entry{value: value, expiresAt: m.now().Add(ttl), tags: tags}
	for _, tag := range tags {
		keys := m.byTag[tag]
		if keys == nil {
			keys = map[string]struct{}{}
			m.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

func (m *Memory) Invalidate(_ context.Context, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range tags {
		for key := range m.byTag[tag] {
			if e, ok := m.entries[key]; ok {
				m.evict(key, e)
			}
		}
	}
}

// evict removes an entry and its tag index references. Callers hold mu.
func (m *Memory) evict(key string, e *entry) {
	delete(m.entries, key)
	for _, tag := range e.tags {
		keys := m.byTag[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.byTag, tag)
		}
	}
}
