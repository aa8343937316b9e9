// Package mvcc layers snapshot reads and pessimistic row locking over
// internal/kv. A transaction reads against a bbolt read-only snapshot (so
// bbolt's own copy-on-write gives point-in-time consistency for free) and
// buffers writes locally; commit acquires a single global commit mutex,
// checks that no written key changed since the snapshot, and applies every
// buffered write plus any
// caller-supplied side effects (index maintenance, change-feed records)
// inside one bbolt read-write transaction.
package mvcc

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/kv"
)

// Hook runs inside the same bbolt read-write transaction as the primary
// writes of a commit, letting index/graph/vector/change-feed components
// append their own mutations atomically with the rows that triggered them.
type Hook func(b *bolt.Bucket, writes []Write) error

// Write is one buffered mutation: Value is nil for a delete. Old is the
// key's value as of this transaction's snapshot (nil if the key did not
// exist), letting commit hooks such as the change feed record before/after
// values without a second read.
type Write struct {
	Key   []byte
	Value []byte
	Old   []byte
}

// Config controls lock wait behavior.
type Config struct {
	LockTimeout    time.Duration
	DeadlockDetect bool
}

// Manager owns the lock table and commit serialization for one store.
type Manager struct {
	store  *kv.Store
	config Config

	mu       sync.Mutex
	holders  map[string]*Txn        // key -> holding txn
	waitFor  map[*Txn]map[*Txn]bool // waiter -> set of txns it waits on
	commitMu sync.Mutex

	hooks []Hook
}

// NewManager creates a transaction manager over store.
func NewManager(store *kv.Store, cfg Config) *Manager {
	m := &Manager{
		store:   store,
		config:  cfg,
		holders: make(map[string]*Txn),
		waitFor: make(map[*Txn]map[*Txn]bool),
	}
	return m
}

// AddHook registers a side-effect to run inside every commit's write
// transaction, in registration order, after primary writes are applied.
func (m *Manager) AddHook(h Hook) {
	m.hooks = append(m.hooks, h)
}

// Txn is one in-flight transaction: a consistent snapshot for reads plus a
// pending write buffer.
type Txn struct {
	mgr      *Manager
	snapshot *bolt.Tx
	order    []string
	buffer   map[string][]byte // nil value means delete
	old      map[string][]byte // snapshot-time value, captured on first write to a key
	locked   map[string]bool
	done     bool
}

// Begin opens a new transaction with a consistent read snapshot.
func (m *Manager) Begin() (*Txn, error) {
	snap, err := m.store.DB().Begin(false)
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "mvcc.Begin", err)
	}
	return &Txn{
		mgr:      m,
		snapshot: snap,
		buffer:   make(map[string][]byte),
		old:      make(map[string][]byte),
		locked:   make(map[string]bool),
	}, nil
}

// Get reads a key, preferring the transaction's own uncommitted write over
// the snapshot (read-your-own-writes).
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, errors.New(errors.InvalidArgument, "mvcc.Get", "transaction already closed")
	}
	k := string(key)
	if v, ok := t.buffer[k]; ok {
		if v == nil {
			return nil, errors.New(errors.NotFound, "mvcc.Get", "key not found")
		}
		return v, nil
	}

	b := t.snapshot.Bucket(kv.RootBucket)
	if b == nil {
		return nil, errors.New(errors.NotFound, "mvcc.Get", "key not found")
	}
	v := b.Get(key)
	if v == nil {
		return nil, errors.New(errors.NotFound, "mvcc.Get", "key not found")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put acquires the row lock for key and buffers a write, visible to this
// transaction's own subsequent reads but to no one else until Commit.
func (t *Txn) Put(ctx context.Context, key, value []byte) error {
	if err := t.lock(ctx, key); err != nil {
		return err
	}
	k := string(key)
	if _, seen := t.buffer[k]; !seen {
		t.order = append(t.order, k)
		t.old[k] = t.readSnapshot(key)
	}
	t.buffer[k] = value
	return nil
}

// readSnapshot reads a key directly from this transaction's read snapshot,
// ignoring any of its own buffered writes.
func (t *Txn) readSnapshot(key []byte) []byte {
	b := t.snapshot.Bucket(kv.RootBucket)
	if b == nil {
		return nil
	}
	v := b.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Delete acquires the row lock for key and buffers a tombstone.
func (t *Txn) Delete(ctx context.Context, key []byte) error {
	return t.Put(ctx, key, nil)
}

// Writes returns the buffered mutations in the order first written, for use
// by commit hooks.
func (t *Txn) Writes() []Write {
	out := make([]Write, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, Write{Key: []byte(k), Value: t.buffer[k], Old: t.old[k]})
	}
	return out
}

// ScanPrefix iterates every key with the given prefix in ascending order,
// overlaying this transaction's own buffered writes on top of the committed
// snapshot (so a scan sees writes the transaction has already made), and
// stops early if fn returns false. It does not acquire any locks: callers
// that need to serialize against concurrent writers must lock the relevant
// keys themselves.
func (t *Txn) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	return t.scanMerged(prefix, nil, fn)
}

// ScanRange iterates every key in [lo, hi) in ascending order, overlaying
// buffered writes the same way ScanPrefix does. A nil hi scans to the end of
// the keyspace.
func (t *Txn) ScanRange(lo, hi []byte, fn func(key, value []byte) bool) error {
	return t.scanMerged(lo, hi, fn)
}

// scanMerged materializes the matching slice of the committed snapshot plus
// this transaction's buffer into one sorted view. lo doubles as a prefix
// filter when hi is nil, and as a range lower bound otherwise.
func (t *Txn) scanMerged(lo, hi []byte, fn func(key, value []byte) bool) error {
	if t.done {
		return errors.New(errors.InvalidArgument, "mvcc.Scan", "transaction already closed")
	}

	merged := make(map[string][]byte)
	if b := t.snapshot.Bucket(kv.RootBucket); b != nil {
		collect := func(k, v []byte) bool {
			cp := make([]byte, len(v))
			copy(cp, v)
			merged[string(k)] = cp
			return true
		}
		if hi == nil {
			kv.ScanPrefix(b, lo, collect)
		} else {
			kv.ScanRange(b, lo, hi, collect)
		}
	}

	for k, v := range t.buffer {
		if hi == nil {
			if !strings.HasPrefix(k, string(lo)) {
				continue
			}
		} else {
			kb := []byte(k)
			if bytes.Compare(kb, lo) < 0 || bytes.Compare(kb, hi) >= 0 {
				continue
			}
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	ordered := make([]string, 0, len(merged))
	for k := range merged {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, k := range ordered {
		if !fn([]byte(k), merged[k]) {
			return nil
		}
	}
	return nil
}

func (t *Txn) lock(ctx context.Context, key []byte) error {
	k := string(key)
	if t.locked[k] {
		return nil
	}

	m := t.mgr
	deadline := time.Now().Add(m.config.LockTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		holder, held := m.holders[k]
		if !held || holder == t {
			m.holders[k] = t
			t.locked[k] = true
			delete(m.waitFor, t)
			return nil
		}

		if m.config.DeadlockDetect {
			if m.waitFor[t] == nil {
				m.waitFor[t] = make(map[*Txn]bool)
			}
			m.waitFor[t][holder] = true
			if m.hasCycle(t) {
				delete(m.waitFor, t)
				return errors.New(errors.Conflict, "mvcc.lock", "deadlock detected")
			}
		}

		if ctx != nil {
			select {
			case <-ctx.Done():
				return errors.Wrap(errors.Timeout, "mvcc.lock", ctx.Err())
			default:
			}
		}
		if m.config.LockTimeout > 0 && time.Now().After(deadline) {
			return errors.New(errors.Timeout, "mvcc.lock", "lock wait timed out")
		}

		m.mu.Unlock()
		time.Sleep(lockPollInterval)
		m.mu.Lock()
	}
}

// lockPollInterval bounds how long a lock wait can overshoot its timeout
// or deadlock detection window by.
const lockPollInterval = 1 * time.Millisecond

// hasCycle reports whether the wait-for graph contains a cycle reachable
// from start, walked under m.mu.
func (m *Manager) hasCycle(start *Txn) bool {
	visited := make(map[*Txn]bool)
	var visit func(t *Txn) bool
	visit = func(t *Txn) bool {
		if t == start && visited[t] {
			return true
		}
		if visited[t] {
			return false
		}
		visited[t] = true
		for next := range m.waitFor[t] {
			if next == start || visit(next) {
				return true
			}
		}
		return false
	}
	for next := range m.waitFor[start] {
		if next == start || visit(next) {
			return true
		}
	}
	return false
}

func (t *Txn) releaseLocks() {
	m := t.mgr
	m.mu.Lock()
	for k := range t.locked {
		if m.holders[k] == t {
			delete(m.holders, k)
		}
	}
	delete(m.waitFor, t)
	m.mu.Unlock()
}

// Commit validates that no write's key has changed since this transaction's
// snapshot was taken, then applies every buffered write plus all registered
// hooks inside one bbolt read-write transaction, and releases this
// transaction's locks.
//
// The validation compares each write's key against the bucket's current
// value, not against the row lock: a waiter that blocked on a held lock and
// was then granted it after the holder committed still held a snapshot
// predating that commit, so its view of the key is stale and the commit
// must fail with a conflict rather than silently clobbering the winner's
// write (spec.md §4.8, §8 scenario 2).
func (t *Txn) Commit() error {
	if t.done {
		return errors.New(errors.InvalidArgument, "mvcc.Commit", "transaction already closed")
	}
	defer t.finish()

	m := t.mgr
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	writes := t.Writes()
	err := m.store.Update(func(b *bolt.Bucket) error {
		for _, w := range writes {
			if cur := b.Get(w.Key); !bytes.Equal(cur, w.Old) {
				return errors.New(errors.Conflict, "mvcc.Commit", "key changed since transaction snapshot")
			}
		}
		for _, w := range writes {
			if w.Value == nil {
				if err := b.Delete(w.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(w.Key, w.Value); err != nil {
				return err
			}
		}
		for _, hook := range m.hooks {
			if err := hook(b, writes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ee, ok := err.(*errors.EngineError); ok {
			return ee
		}
		return errors.Wrap(errors.Internal, "mvcc.Commit", err)
	}
	return nil
}

// Rollback discards the write buffer and releases locks without ever
// opening a write transaction.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *Txn) finish() {
	t.done = true
	_ = t.snapshot.Rollback()
	t.releaseLocks()
}
