package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: key not found")

// Config holds configuration for the key-value store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode with no disk persistence. Used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration
}

// DefaultConfig returns the production configuration: durable writes and a
// five minute GC cadence.
// Parameters: none.
// Returns:
//   - Config: ready-to-use configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
// Parameters: none.
// Returns:
//   - Config: in-memory configuration.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a badger-backed key-value store. It holds both the serialized
// component state blobs and the shared cache keys, with optional per-key TTL.
type Store struct {
	db     *badger.DB
	stopGC chan struct{}
}

// Open creates and opens a Store with the given configuration.
// Parameters:
//   - cfg: store configuration; Path is required unless InMemory is set.
//
// Returns:
//   - *Store: opened store. Caller must Close when done.
//   - error: non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("kv: path is required for persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create kv directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	s := &Store{db: db, stopGC: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.gcLoop(cfg.GCInterval)
	}
	return s, nil
}

// gcLoop runs value log garbage collection until Close.
func (s *Store) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Badger asks callers to re-run GC while it reports progress.
			for s.db.RunValueLogGC(0.5) == nil {
			}
		case <-s.stopGC:
			return
		}
	}
}

// Close stops background GC and closes the underlying database.
// Parameters: none.
// Returns:
//   - error: non-nil if closing fails.
func (s *Store) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

// Get retrieves the raw value stored under key.
// Parameters:
//   - key: key to read.
//
// Returns:
//   - []byte: stored value.
//   - error: ErrNotFound if the key is absent or expired.
func (s *Store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return val, nil
}

// Set stores value under key with no expiry.
// Parameters:
//   - key: key to write.
//   - value: raw value bytes.
//
// Returns:
//   - error: non-nil if the write fails.
func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// SetWithTTL stores value under key, expiring after ttl.
// Parameters:
//   - key: key to write.
//   - value: raw value bytes.
//   - ttl: time until expiry; zero means no expiry.
//
// Returns:
//   - error: non-nil if the write fails.
func (s *Store) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Set(key, value)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Delete removes key from the store. Deleting a missing key is not an error.
// Parameters:
//   - key: key to remove.
//
// Returns:
//   - error: non-nil if the delete fails.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Has reports whether key exists and has not expired.
// Parameters:
//   - key: key to check.
//
// Returns:
//   - bool: true if present.
//   - error: non-nil if the lookup fails.
func (s *Store) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListPrefix returns all keys that start with prefix.
// Parameters:
//   - prefix: key prefix to scan.
//
// Returns:
//   - []string: matching keys in lexical order.
//   - error: non-nil if the scan fails.
func (s *Store) ListPrefix(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan prefix %q: %w", prefix, err)
	}
	return keys, nil
}

// GetJSON reads the value under key and unmarshals it into out.
// Parameters:
//   - key: key to read.
//   - out: destination for json.Unmarshal.
//
// Returns:
//   - error: ErrNotFound if absent, or a decode error.
func (s *Store) GetJSON(key string, out interface{}) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode key %q: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key with an optional TTL.
// Parameters:
//   - key: key to write.
//   - v: value to marshal.
//   - ttl: time until expiry; zero means no expiry.
//
// Returns:
//   - error: non-nil if encoding or the write fails.
func (s *Store) SetJSON(key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode key %q: %w", key, err)
	}
	return s.SetWithTTL(key, raw, ttl)
}
