// Package badger persists records in an embedded BadgerDB directory. It is
// the default on-device store: no server, crash safe, and bounded by a
// configurable byte quota standing in for the platform storage limit.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/dgduncan/go-offline-sync/stores"
)

// Config defines the configuration options for the Badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory; used by tests.
	InMemory bool

	// MaxBytes bounds the summed size of all values. Zero disables the quota.
	MaxBytes int
}

// Store implements stores.Store on top of BadgerDB.
type Store struct {
	db *badgerdb.DB

	mu       sync.Mutex
	sizes    map[string]int
	used     int
	maxBytes int
}

var _ stores.Store = (*Store)(nil)

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", stores.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}

	return string(value), nil
}

// Set stores value under key, enforcing the configured quota.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.used - s.sizes[key] + len(value)
	if s.maxBytes > 0 && next > s.maxBytes {
		return stores.QuotaError{Key: key, Size: len(value), Limit: s.maxBytes}
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if errors.Is(err, badgerdb.ErrTxnTooBig) {
		return errors.Join(stores.QuotaError{Key: key, Size: len(value)}, err)
	}
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}

	s.sizes[key] = len(value)
	s.used = next

	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}

	s.used -= s.sizes[key]
	delete(s.sizes, key)

	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Open opens (or creates) the Badger database described by config.
func Open(config Config) (*Store, error) {
	if !config.InMemory && config.Path == "" {
		return nil, stores.ValidationError{Reason: "missing path"}
	}

	opts := badgerdb.DefaultOptions(config.Path).WithLogger(nil)
	if config.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	s := &Store{
		db:       db,
		sizes:    make(map[string]int),
		maxBytes: config.MaxBytes,
	}

	if err := s.loadSizes(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// loadSizes rebuilds quota accounting from what is already on disk.
func (s *Store) loadSizes() error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			size := int(item.ValueSize())
			s.sizes[string(item.KeyCopy(nil))] = size
			s.used += size
		}
		return nil
	})
}
