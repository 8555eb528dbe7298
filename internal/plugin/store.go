package plugin

import (
	"sort"
	"sync"
)

// Store is a plugin's persistent key/value state. It survives ticks and is
// serialised with save data. Only the owning plugin reaches it, through its
// SandboxedHostAPI.
type Store struct {
	mu   sync.RWMutex
	data map[string]Value
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]Value)}
}

// Get returns the value for key.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key.
func (s *Store) Set(key string, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys returns the stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Seed sets every key in defaults that is not already present.
func (s *Store) Seed(defaults Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range defaults {
		if _, ok := s.data[k]; !ok {
			s.data[k] = v
		}
	}
}

// Snapshot returns a copy of the whole store.
func (s *Store) Snapshot() Attributes {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Attributes, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Restore replaces the store's contents.
func (s *Store) Restore(data Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Value, len(data))
	for k, v := range data {
		s.data[k] = v
	}
}

// Begin starts a transaction. Writes are buffered until Commit.
func (s *Store) Begin() *StoreTx {
	return &StoreTx{store: s, writes: make(map[string]*Value)}
}

// StoreTx buffers the writes of a single guest call. A nil entry in writes
// is a pending delete.
type StoreTx struct {
	store  *Store
	writes map[string]*Value
	order  []string
}

// Get reads through the pending writes.
func (tx *StoreTx) Get(key string) (Value, bool) {
	if w, ok := tx.writes[key]; ok {
		if w == nil {
			return Value{}, false
		}
		return *w, true
	}
	return tx.store.Get(key)
}

// Set buffers a write.
func (tx *StoreTx) Set(key string, value Value) {
	tx.track(key)
	tx.writes[key] = &value
}

// Delete buffers a delete.
func (tx *StoreTx) Delete(key string) {
	tx.track(key)
	tx.writes[key] = nil
}

func (tx *StoreTx) track(key string) {
	if _, seen := tx.writes[key]; !seen {
		tx.order = append(tx.order, key)
	}
}

// Pending returns the number of keys touched.
func (tx *StoreTx) Pending() int { return len(tx.order) }

// Commit applies the buffered writes atomically.
func (tx *StoreTx) Commit() {
	if len(tx.order) == 0 {
		return
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, key := range tx.order {
		if w := tx.writes[key]; w != nil {
			tx.store.data[key] = *w
		} else {
			delete(tx.store.data, key)
		}
	}
	tx.reset()
}

// Discard drops the buffered writes.
func (tx *StoreTx) Discard() { tx.reset() }

func (tx *StoreTx) reset() {
	tx.writes = make(map[string]*Value)
	tx.order = nil
}
