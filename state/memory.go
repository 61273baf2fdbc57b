package state

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore implements StateStore with a map. Revisions come from one
// store-wide counter, so like a JetStream bucket every write gets a revision
// higher than any before it.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]Entry
	revision uint64
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Entry)}
}

// Get returns a copy of the entry for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Entry{}, ErrClosed
	}
	e, ok := s.data[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Value = clone(e.Value)
	return e, nil
}

// Put writes value regardless of the current revision.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.write(key, value, func(Entry, bool) error { return nil })
}

// Create writes value if key is absent.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.write(key, value, func(_ Entry, exists bool) error {
		if exists {
			return ErrExists
		}
		return nil
	})
}

// Update writes value if key is still at revision.
func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.write(key, value, func(cur Entry, exists bool) error {
		if !exists || cur.Revision != revision {
			return ErrConflict
		}
		return nil
	})
}

// write applies value under the store mutex once check accepts the current entry.
func (s *MemoryStore) write(key string, value []byte, check func(cur Entry, exists bool) error) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	cur, exists := s.data[key]
	if err := check(cur, exists); err != nil {
		return 0, err
	}
	s.revision++
	s.data[key] = Entry{Key: key, Value: clone(value), Revision: s.revision}
	return s.revision, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

// Keys returns the keys with the given prefix.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close drops all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = nil
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

var _ StateStore = (*MemoryStore)(nil)
