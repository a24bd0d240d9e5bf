package keystore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store seeded from configuration.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// ParseMemoryStore builds a MemoryStore from seed entries of the form
// "key:id:name". Used by the API_KEYS configuration variable.
func ParseMemoryStore(entries []string) (*MemoryStore, error) {
	s := NewMemoryStore()
	for _, e := range entries {
		parts := strings.SplitN(strings.TrimSpace(e), ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("keystore: bad seed entry %q, want key:id:name", e)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("keystore: bad id in seed entry %q: %w", e, err)
		}
		s.Put(parts[0], Record{ID: id, Name: parts[2], Active: true})
	}
	return s, nil
}

// Put inserts or replaces the record for key.
func (s *MemoryStore) Put(key string, rec Record) {
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
}

// LookupByKey returns the record for key or ErrKeyNotFound.
func (s *MemoryStore) LookupByKey(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()

	if !ok {
		return Record{}, ErrKeyNotFound
	}
	return rec, nil
}
