// Package memstore implements pkg/store.Engine as a minimal
// in-memory map (keys are kept in no particular order), standing in
// for the out-of-scope embedded
// storage engine (spec §1 Non-goal). Grounded on the teacher's
// pkg/kv/store.go Store (map + RWMutex, gob-encoded Snapshot/Restore),
// stripped of the ClientSession dedup responsibility that pkg/apply
// now owns instead (spec §4.5's index-fencing requirement applies at
// the applier layer, not the storage layer).
package memstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// Store is a goroutine-safe in-memory key-value map.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New builds an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get returns a defensive copy of the value stored at key.
func (s *Store) Get(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Put stores a defensive copy of value at key.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[string(key)] = v
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

// Snapshot gob-encodes the entire keyspace.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.data); err != nil {
		return nil, fmt.Errorf("memstore: snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the keyspace wholesale from a Snapshot blob.
func (s *Store) Restore(data []byte) error {
	decoded := make(map[string][]byte)
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&decoded); err != nil {
			return fmt.Errorf("memstore: restore: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = decoded
	return nil
}

// Len reports the number of keys currently stored, for tests and
// diagnostics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
