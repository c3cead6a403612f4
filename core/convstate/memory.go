package convstate

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for development and tests. Data does not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

// Get returns a copy of the record for key, or an empty record.
func (m *MemoryStore) Get(_ context.Context, key Key) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return emptyRecord(), nil
	}
	data, err := normalizeData(rec.Data)
	if err != nil {
		return Record{}, &StateStoreError{Op: "get", Key: key, Err: err}
	}
	return Record{State: rec.State, Data: data}, nil
}

// Set replaces the record for key with a normalized copy of data.
func (m *MemoryStore) Set(_ context.Context, key Key, state string, data map[string]any) error {
	norm, err := normalizeData(data)
	if err != nil {
		return &StateStoreError{Op: "set", Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = Record{State: state, Data: norm}
	return nil
}

// Clear resets key to the empty record.
func (m *MemoryStore) Clear(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = emptyRecord()
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
