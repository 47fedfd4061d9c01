package memory

import (
	"context"
	"sync"

	"github.com/dgduncan/go-offline-sync/stores"
)

// Store keeps records in process memory. It is the equivalent of browser
// local storage for tests and short lived clients, including its quota: when
// MaxBytes is positive the summed size of all values may not exceed it.
type Store struct {
	values   map[string]string
	maxBytes int
	used     int

	lock sync.RWMutex
}

var _ stores.Store = (*Store)(nil)

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	val, found := s.values[key]
	if !found {
		return "", stores.ErrNotFound
	}

	return val, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	next := s.used - len(s.values[key]) + len(value)
	if s.maxBytes > 0 && next > s.maxBytes {
		return stores.QuotaError{Key: key, Size: len(value), Limit: s.maxBytes}
	}

	s.values[key] = value
	s.used = next

	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.used -= len(s.values[key])
	delete(s.values, key)

	return nil
}

// Used returns the number of bytes currently held.
func (s *Store) Used() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.used
}

// SetQuota changes the byte limit; zero disables it. Existing values are kept
// even when they already exceed the new limit.
func (s *Store) SetQuota(maxBytes int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.maxBytes = maxBytes
}

func New() *Store {
	return NewWithQuota(0)
}

func NewWithQuota(maxBytes int) *Store {
	return &Store{
		values:   make(map[string]string),
		maxBytes: maxBytes,
	}
}
