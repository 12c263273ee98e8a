// Package memory provides a thread-safe in-memory storage.Store. Values live
// only as long as the process, which makes it the tab-scoped store of the
// console client.
package memory

import (
	"sync"
	"time"

	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
type Store struct {
	mu    sync.RWMutex
	data  map[string]storage.Record
	clock clock.Clock
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty Store. A nil clock uses wall-clock time.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		data:  make(map[string]storage.Record),
		clock: clock.OrReal(clk),
	}
}

func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return "", storage.ErrNotFound
	}
	if rec.Expired(s.clock.Now()) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return "", storage.ErrNotFound
	}
	return rec.Value, nil
}

func (s *Store) Set(key, value string, maxAge time.Duration) error {
	rec := storage.NewRecord(value, maxAge, s.clock.Now())
	s.mu.Lock()
	s.data[key] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored keys, including expired ones not yet read.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
