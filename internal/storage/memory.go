package storage

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryKV is an in-process KV implementation satisfying the same
// sorted-range-scan contract as BoltKV, used by tests that would
// otherwise need a throwaway bbolt file on disk.
type MemoryKV struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemory builds an empty MemoryKV.
func NewMemory() *MemoryKV {
	return &MemoryKV{buckets: make(map[string]map[string][]byte)}
}

func (m *MemoryKV) Put(bucket string, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Get(bucket string, key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, false, nil
	}
	v, ok := b[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Delete(bucket string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil
	}
	delete(b, string(key))
	return nil
}

func (m *MemoryKV) Scan(bucket string, start, end []byte, fn func(key, value []byte) bool) error {
	m.mu.RLock()
	b, ok := m.buckets[bucket]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	type kv struct {
		k, v []byte
	}
	var matched []kv
	for _, k := range keys {
		kb := []byte(k)
		if bytes.Compare(kb, start) >= 0 && bytes.Compare(kb, end) <= 0 {
			matched = append(matched, kv{k: kb, v: b[k]})
		}
	}
	m.mu.RUnlock()

	for _, item := range matched {
		if !fn(item.k, item.v) {
			break
		}
	}
	return nil
}

func (m *MemoryKV) Close() error {
	return nil
}

var _ KV = (*MemoryKV)(nil)
