package docstore

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type memoryDoc struct {
	body    []byte
	version int64
}

// Memory is an in-memory Store. It is safe for concurrent use and intended
// for tests and local development.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string]memoryDoc
	closed bool
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]memoryDoc)}
}

func (m *Memory) Get(_ context.Context, collection, key string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	d, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{Collection: collection, Key: key, Body: copyBytes(d.body), Version: d.version}, nil
}

func (m *Memory) Update(_ context.Context, collection, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	coll := m.data[collection]
	cur, exists := coll[key]
	next, err := fn(copyBytes(cur.body), exists)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	if coll == nil {
		coll = make(map[string]memoryDoc)
		m.data[collection] = coll
	}
	coll[key] = memoryDoc{body: copyBytes(next), version: cur.version + 1}
	return nil
}

func (m *Memory) List(_ context.Context, collection, afterKey string, limit int) ([]Document, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	coll := m.data[collection]
	keys := make([]string, 0, len(coll))
	for k := range coll {
		if k > afterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Document, 0, len(keys))
	for _, k := range keys {
		d := coll[k]
		out = append(out, Document{Collection: collection, Key: k, Body: copyBytes(d.body), Version: d.version})
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
