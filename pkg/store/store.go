// ABOUTME: Badger-backed storage access for the course content tree
// ABOUTME: Wraps transactions, prefix scans, and monotonic counters

package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// ErrConflict is returned by Update when a concurrent transaction touched
// the same keys. Callers that allocate path ordinals retry on it.
var ErrConflict = badger.ErrConflict

// Store is the shared key-value store holding all course tree records.
// Safe for concurrent use; every operation runs in its own transaction and
// no in-process lock is held across a store round trip.
type Store struct {
	db *badger.DB
}

// Config holds store configuration.
type Config struct {
	Path       string // directory for database files; ignored when InMemory
	InMemory   bool   // no disk persistence, used by tests
	SyncWrites bool
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store: path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction and commits it. A commit-time
// conflict with a concurrent transaction returns ErrConflict.
func (s *Store) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// Get reads the value stored under key within txn. The second return is
// false when the key does not exist.
func Get(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Scan iterates keys with the given prefix in lexicographic order, invoking
// fn until it returns false or the prefix is exhausted.
func Scan(txn *badger.Txn, prefix []byte, fn func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cont, err := fn(item.KeyCopy(nil), val)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// NextSeq reads the counter at key, returns its current value, and writes
// the incremented value back. Both the read and the write belong to txn, so
// two transactions incrementing the same counter conflict at commit; that
// conflict is the serialization point for sibling ordinal allocation.
func NextSeq(txn *badger.Txn, key []byte) (uint64, error) {
	var cur uint64
	val, ok, err := Get(txn, key)
	if err != nil {
		return 0, err
	}
	if ok {
		if len(val) != 8 {
			return 0, fmt.Errorf("store: corrupt counter at %q", key)
		}
		cur = binary.BigEndian.Uint64(val)
	}

	var next [8]byte
	binary.BigEndian.PutUint64(next[:], cur+1)
	if err := txn.Set(key, next[:]); err != nil {
		return 0, err
	}
	return cur, nil
}
