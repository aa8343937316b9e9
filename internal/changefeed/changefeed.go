// Package changefeed maintains the commit-ordered mutation log: one
// record per mutated key, appended atomically inside the same bbolt
// transaction as the primary write via an internal/mvcc commit hook, plus
// range queries (with prefix filtering and long-poll tailing), retention
// purging, and head/tail sequence statistics.
package changefeed

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// pollTick bounds how long a single long-poll wait iteration sleeps before
// re-checking for new events, mirroring the short-sleep tailing loop used
// elsewhere in this codebase for bounded background waits.
const pollTick = 20 * time.Millisecond

// Store appends and reads change-feed records.
type Store struct{}

// NewStore creates a change-feed store.
func NewStore() *Store {
	return &Store{}
}

// Hook returns an mvcc.Hook that must be registered on the transaction
// manager so every commit appends its change-feed records atomically with
// the primary writes that produced them.
func (s *Store) Hook() mvcc.Hook {
	return s.onCommit
}

func (s *Store) onCommit(b *bolt.Bucket, writes []mvcc.Write) error {
	if len(writes) == 0 {
		return nil
	}
	seq := readSeq(b)
	now := time.Now().UnixMilli()
	for _, w := range writes {
		seq++
		typ := EventPut
		if w.Value == nil {
			typ = EventDelete
		}
		ev := Event{
			Seq:             seq,
			Type:            typ,
			Key:             string(w.Key),
			Old:             w.Old,
			New:             w.Value,
			TimestampMillis: now,
		}
		if err := b.Put(keys.ChangeFeed(seq), encodeEvent(ev)); err != nil {
			return err
		}
	}
	return writeSeq(b, seq)
}

func readSeq(b *bolt.Bucket) uint64 {
	v := b.Get(keys.ChangeSeqCounter())
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeSeq(b *bolt.Bucket, seq uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return b.Put(keys.ChangeSeqCounter(), buf)
}

// Query returns up to limit events strictly after fromSeq, optionally
// restricted to keys with the given prefix (empty means no filter). With
// longPoll > 0, a query that initially finds nothing blocks in short
// sleeps until an event arrives, the deadline elapses, or ctx is done.
func (s *Store) Query(ctx context.Context, mgr *mvcc.Manager, fromSeq uint64, limit int, prefix string, longPoll time.Duration) ([]Event, error) {
	var deadline time.Time
	if longPoll > 0 {
		deadline = time.Now().Add(longPoll)
	}
	for {
		events, err := s.queryOnce(mgr, fromSeq, limit, prefix)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 || longPoll <= 0 {
			return events, nil
		}
		if !time.Now().Before(deadline) {
			return events, nil
		}
		select {
		case <-ctx.Done():
			return events, nil
		case <-time.After(pollTick):
		}
	}
}

func (s *Store) queryOnce(mgr *mvcc.Manager, fromSeq uint64, limit int, prefix string) ([]Event, error) {
	txn, err := mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()

	var out []Event
	lo := keys.ChangeFeedAfter(fromSeq)
	hi := prefixSuccessor(keys.ChangeFeedPrefix())
	err = txn.ScanRange(lo, hi, func(key, value []byte) bool {
		seq := binary.BigEndian.Uint64(key[len(keys.ChangeFeedPrefix()):])
		ev, decErr := decodeEvent(seq, value)
		if decErr != nil {
			return false
		}
		if prefix != "" && !strings.HasPrefix(ev.Key, prefix) {
			return true
		}
		out = append(out, ev)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeBefore deletes every record with sequence strictly less than seq.
func (s *Store) PurgeBefore(ctx context.Context, mgr *mvcc.Manager, seq uint64) (int, error) {
	txn, err := mgr.Begin()
	if err != nil {
		return 0, err
	}

	var victims [][]byte
	prefix := keys.ChangeFeedPrefix()
	scanErr := txn.ScanRange(prefix, keys.ChangeFeed(seq), func(key, _ []byte) bool {
		cp := make([]byte, len(key))
		copy(cp, key)
		victims = append(victims, cp)
		return true
	})
	if scanErr != nil {
		_ = txn.Rollback()
		return 0, scanErr
	}

	for _, k := range victims {
		if err := txn.Delete(ctx, k); err != nil {
			_ = txn.Rollback()
			return 0, err
		}
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Stats reports the change feed's current watermarks: Head never shrinks
// and advances on every commit, while Tail/Newest describe what purge has
// left behind (both zero once everything has been purged).
type Stats struct {
	Head   uint64 // last sequence ever assigned
	Tail   uint64 // smallest sequence still retained (0 if empty)
	Newest uint64 // largest sequence still retained (0 if empty)
	Empty  bool
}

// Stat computes current change-feed statistics.
func (s *Store) Stat(mgr *mvcc.Manager) (Stats, error) {
	txn, err := mgr.Begin()
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = txn.Rollback() }()

	head := uint64(0)
	if raw, getErr := txn.Get(keys.ChangeSeqCounter()); getErr == nil {
		head = binary.BigEndian.Uint64(raw)
	}

	var tail, newest uint64
	empty := true
	prefixLen := len(keys.ChangeFeedPrefix())
	err = txn.ScanPrefix(keys.ChangeFeedPrefix(), func(key, _ []byte) bool {
		seq := binary.BigEndian.Uint64(key[prefixLen:])
		if empty {
			tail = seq
			empty = false
		}
		newest = seq
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Head: head, Tail: tail, Newest: newest, Empty: empty}, nil
}

func prefixSuccessor(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
