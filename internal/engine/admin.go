package engine

import (
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/kv"
	"github.com/kvdb/engine/internal/vector"
)

// Snapshot writes a consistent point-in-time copy of the KV store to
// path, per spec.md §6's admin `snapshot` operation.
func (e *Engine) Snapshot(path string) error {
	return e.store.DB().View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

// Compact rewrites the store's on-disk file into dstPath with every freed
// page reclaimed, then atomically replaces the live file. bbolt never
// shrinks its file on delete-heavy workloads on its own; this is the
// standard bbolt compaction recipe (copy every key into a fresh file,
// then swap), exposed as an admin operation rather than run automatically
// since it briefly doubles disk usage and blocks writers.
func (e *Engine) Compact() error {
	srcPath := e.store.DB().Path()
	tmpPath := srcPath + ".compact.tmp"

	dst, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return errors.Wrap(errors.Internal, "engine.Compact", err)
	}

	copyErr := e.store.DB().View(func(srcTx *bolt.Tx) error {
		return dst.Update(func(dstTx *bolt.Tx) error {
			b, err := dstTx.CreateBucketIfNotExists(kv.RootBucket)
			if err != nil {
				return err
			}
			b.FillPercent = 0.9
			return srcTx.Bucket(kv.RootBucket).ForEach(func(k, v []byte) error {
				return b.Put(append([]byte(nil), k...), append([]byte(nil), v...))
			})
		})
	})
	if closeErr := dst.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return errors.Wrap(errors.Internal, "engine.Compact", copyErr)
	}

	if err := e.store.Reopen(tmpPath); err != nil {
		return errors.Wrap(errors.Internal, "engine.Compact", err)
	}
	return nil
}

// RebuildFromStorage re-derives every secondary and graph index entry for
// table from its primary rows, for recovery after an index corruption or
// a schema change. Existing index entries for rows no longer present are
// not touched; callers that suspect stale entries should rebuild into a
// fresh data directory instead.
func (e *Engine) RebuildFromStorage(ctx context.Context, table string) (int, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return 0, err
	}

	prefix := keys.EntityPrefix(table)
	prefixLen := len(prefix)
	count := 0
	scanErr := txn.ScanPrefix(prefix, func(key, value []byte) bool {
		pk := string(key[prefixLen:])
		ent, decErr := codec.Decode(value)
		if decErr != nil {
			return true
		}
		if err := e.idx.Put(ctx, txn, table, pk, ent); err != nil {
			return false
		}
		if e.graphs != nil {
			if err := e.graphs.Put(ctx, txn, table, pk, nil, ent); err != nil {
				return false
			}
		}
		count++
		return true
	})
	if scanErr != nil {
		_ = txn.Rollback()
		return 0, scanErr
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// RebuildVectorIndex constructs a fresh HNSW index for table's vectorField
// column from its currently stored primaries, registering it under name.
func (e *Engine) RebuildVectorIndex(name, table, vectorField string, cfg vector.Config) (int, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = txn.Rollback() }()

	prefix := keys.EntityPrefix(table)
	prefixLen := len(prefix)

	type row struct {
		pk string
		v  []float32
	}
	var rows []row
	scanErr := txn.ScanPrefix(prefix, func(key, value []byte) bool {
		pk := string(key[prefixLen:])
		v, ok, decErr := codec.ExtractVector(value, vectorField)
		if decErr != nil || !ok {
			return true
		}
		rows = append(rows, row{pk: pk, v: v})
		return true
	})
	if scanErr != nil {
		return 0, scanErr
	}

	idx, err := vector.RebuildFromStorage(cfg, func(yield func(pk string, v []float32) bool) {
		for _, r := range rows {
			if !yield(r.pk, r.v) {
				return
			}
		}
	})
	if err != nil {
		return 0, err
	}

	e.RegisterVectorIndex(name, idx)
	return len(rows), nil
}
