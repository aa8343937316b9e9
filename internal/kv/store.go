// Package kv wraps a single bbolt database as the one ordered key-value
// store underlying every access model: documents, indexes, graph adjacency,
// time series, and the change feed all share one lexicographically ordered
// key space inside one bucket, distinguished only by the key-family prefix
// each caller applies (see internal/keys).
package kv

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/kvdb/engine/internal/errors"
)

// RootBucket is the single bucket holding every key family; families are
// told apart only by their key prefix, so a scan stays inside one family
// only through the prefix it is given. Exported so
// callers opening their own bbolt transactions against Store.DB (the MVCC
// layer) name the same bucket.
var RootBucket = []byte("kv")

// Store is the ordered key-value store all higher-level components read
// and write through.
type Store struct {
	db   *bolt.DB
	lock *flock.Flock
}

// Open opens (creating if absent) the bbolt database file under dataDir. A
// companion lock file guards against a second process opening the same
// data directory concurrently, since bbolt's own advisory lock only
// protects against concurrent access within flock-aware filesystems.
func Open(dataDir string) (*Store, error) {
	lockPath := filepath.Join(dataDir, ".engine.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "kv.Open", err)
	}
	if !locked {
		return nil, errors.New(errors.PreconditionFailed, "kv.Open", "data directory is already open by another process")
	}

	dbPath := filepath.Join(dataDir, "engine.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(errors.Internal, "kv.Open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(RootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, errors.Wrap(errors.Internal, "kv.Open", err)
	}

	return &Store{db: db, lock: lock}, nil
}

// Close releases the underlying database file and its process lock.
func (s *Store) Close() error {
	defer func() { _ = s.lock.Unlock() }()
	if err := s.db.Close(); err != nil {
		return errors.Wrap(errors.Internal, "kv.Close", err)
	}
	return nil
}

// DB exposes the underlying bbolt handle for the MVCC layer, which needs to
// open its own read and read-write transactions directly.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Reopen closes the current database file, replaces it with the one at
// compactedPath, and reopens at the original path. Used by Compact once a
// rewritten copy has been built alongside the live file.
func (s *Store) Reopen(compactedPath string) error {
	dbPath := s.db.Path()
	if err := s.db.Close(); err != nil {
		return errors.Wrap(errors.Internal, "kv.Reopen", err)
	}
	if err := os.Rename(compactedPath, dbPath); err != nil {
		return errors.Wrap(errors.Internal, "kv.Reopen", err)
	}
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return errors.Wrap(errors.Internal, "kv.Reopen", err)
	}
	s.db = db
	return nil
}

// Get reads a single key under a read-only snapshot. Returns not_found if
// absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(RootBucket)
		v := b.Get(key)
		if v == nil {
			return errors.New(errors.NotFound, "kv.Get", "key not found")
		}
		val = append(val, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Put writes a single key outside of any caller-managed transaction. Higher
// layers needing atomicity across several keys use Update directly.
func (s *Store) Put(key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(RootBucket).Put(key, value)
	})
	if err != nil {
		return errors.Wrap(errors.Internal, "kv.Put", err)
	}
	return nil
}

// Delete removes a single key outside of any caller-managed transaction.
func (s *Store) Delete(key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(RootBucket).Delete(key)
	})
	if err != nil {
		return errors.Wrap(errors.Internal, "kv.Delete", err)
	}
	return nil
}

// View runs fn against a read-only bbolt transaction scoped to the root
// bucket.
func (s *Store) View(fn func(b *bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(RootBucket))
	})
}

// Update runs fn against a read-write bbolt transaction scoped to the root
// bucket. All writes fn performs become visible atomically when fn returns
// nil.
func (s *Store) Update(fn func(b *bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(RootBucket))
	})
}

// ScanPrefix calls fn for every key/value pair whose key starts with
// prefix, in ascending key order, stopping early if fn returns false.
func ScanPrefix(b *bolt.Bucket, prefix []byte, fn func(k, v []byte) bool) {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			return
		}
	}
}

// ScanRange calls fn for every key/value pair in [lo, hi), in ascending key
// order, stopping early if fn returns false. A nil hi scans to the end of
// the keyspace.
func ScanRange(b *bolt.Bucket, lo, hi []byte, fn func(k, v []byte) bool) {
	c := b.Cursor()
	for k, v := c.Seek(lo); k != nil; k, v = c.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			return
		}
		if !fn(k, v) {
			return
		}
	}
}
