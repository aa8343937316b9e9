// Package engine wires the storage, transaction, index, graph, vector,
// time-series, change-feed, query, cache, and crypto layers into one
// programmatic API: the request/response surface spec.md §6 describes as
// consumed by an external request layer (HTTP, RPC, embedding host —
// out of scope here).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/kvdb/engine/internal/async"
	"github.com/kvdb/engine/internal/cache"
	"github.com/kvdb/engine/internal/changefeed"
	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/config"
	"github.com/kvdb/engine/internal/crypto"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/graph"
	"github.com/kvdb/engine/internal/index"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/kv"
	"github.com/kvdb/engine/internal/mvcc"
	"github.com/kvdb/engine/internal/query"
	"github.com/kvdb/engine/internal/timeseries"
	"github.com/kvdb/engine/internal/vector"
)

// Engine is the embedded multi-model database's top-level handle.
type Engine struct {
	cfg config.Config

	store *kv.Store
	mgr   *mvcc.Manager

	schema *index.Schema
	idx    *index.Manager
	graphs *graph.Manager
	ts     *timeseries.Store
	feed   *changefeed.Store
	cache  *cache.Cache

	planner *query.Planner
	metrics *query.Metrics
	queries *query.Engine

	sealer *crypto.Sealer
	audit  *crypto.AuditLog

	mu      sync.RWMutex
	vectors map[string]*vector.Index

	background []*async.BackgroundTask
}

// commitRetryConfig governs how many times a write re-attempts its
// transaction after a commit-time conflict (internal/mvcc.Txn.Commit
// rejecting a stale snapshot). Delays are short: a conflict clears as soon
// as the winning writer's commit is visible to a fresh Begin, so there is
// nothing to wait out beyond the next attempt's snapshot.
var commitRetryConfig = errors.RetryConfig{
	MaxRetries:   3,
	InitialDelay: 2 * time.Millisecond,
	MaxDelay:     20 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
}

// Open creates (or reopens) an engine rooted at cfg.DataDir, using schema
// to describe which columns each table indexes. masterKey and auditKey
// may be nil to disable envelope encryption and audit logging
// respectively.
func Open(cfg config.Config, schema *index.Schema, masterKey, auditKey []byte) (*Engine, error) {
	store, err := kv.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	mgr := mvcc.NewManager(store, mvcc.Config{
		LockTimeout:    time.Duration(cfg.Transactions.LockTimeoutMS) * time.Millisecond,
		DeadlockDetect: cfg.Transactions.DeadlockDetect,
	})

	idx := index.NewManager(schema)
	graphs := graph.NewManager()
	ts := timeseries.NewStore(timeseries.Config{})
	feed := changefeed.NewStore()
	mgr.AddHook(feed.Hook())

	planner := query.NewPlanner(idx, schema)
	metrics := query.NewMetrics()
	queries := query.NewEngine(mgr, idx, planner, graphs, metrics)

	c := cache.NewCache(cache.Config{
		MaxEntries:            cfg.Cache.MaxEntries,
		TTLSeconds:            int64(cfg.Cache.TTLSeconds),
		SimilarityThreshold:   cfg.Cache.SimilarityThreshold,
		EnableExactMatch:      cfg.Cache.EnableExactMatch,
		EnableSimilarityMatch: cfg.Cache.EnableSimilarityMatch,
	})

	e := &Engine{
		cfg:     cfg,
		store:   store,
		mgr:     mgr,
		schema:  schema,
		idx:     idx,
		graphs:  graphs,
		ts:      ts,
		feed:    feed,
		cache:   c,
		planner: planner,
		metrics: metrics,
		queries: queries,
		vectors: make(map[string]*vector.Index),
	}

	if len(masterKey) > 0 {
		sealer, err := crypto.NewSealer(masterKey)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		e.sealer = sealer
	}
	if len(auditKey) > 0 {
		e.audit = crypto.NewAuditLog(auditKey)
	}

	return e, nil
}

// Close stops background workers and closes the underlying store.
func (e *Engine) Close() error {
	e.mu.Lock()
	tasks := e.background
	e.background = nil
	e.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
	return e.store.Close()
}

// Get reads one entity's fields by (table, pk). Returns (nil, nil) if the
// row does not exist.
func (e *Engine) Get(table, pk string) (codec.Entity, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()

	raw, err := txn.Get(keys.Entity(table, pk))
	if errors.GetKind(err) == errors.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return codec.Decode(raw)
}

// Put creates or replaces table/pk's row, maintaining every configured
// secondary/graph/vector index and, if an audit log is configured,
// appending a signed record for the mutation. A retryable error (a commit
// that loses a write-write race, or a timeout) is retried against a fresh
// snapshot (see commitRetryConfig); any other error is returned immediately.
func (e *Engine) Put(ctx context.Context, table, pk string, fields codec.Entity, actor string) error {
	return errors.Retry(ctx, commitRetryConfig, func() error {
		return e.putOnce(ctx, table, pk, fields, actor)
	})
}

func (e *Engine) putOnce(ctx context.Context, table, pk string, fields codec.Entity, actor string) error {
	txn, err := e.mgr.Begin()
	if err != nil {
		return err
	}

	if err := e.idx.Put(ctx, txn, table, pk, fields); err != nil {
		_ = txn.Rollback()
		return err
	}
	if e.graphs != nil {
		old, loadErr := e.loadEntityInTxn(txn, table, pk)
		if loadErr != nil {
			_ = txn.Rollback()
			return loadErr
		}
		if err := e.graphs.Put(ctx, txn, table, pk, old, fields); err != nil {
			_ = txn.Rollback()
			return err
		}
	}
	encoded, err := codec.Encode(fields)
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Put(ctx, keys.Entity(table, pk), encoded); err != nil {
		_ = txn.Rollback()
		return err
	}
	if e.audit != nil {
		if err := e.audit.Append(ctx, txn, "put", table, pk, actor); err != nil {
			_ = txn.Rollback()
			return err
		}
	}
	return txn.Commit()
}

// Delete removes table/pk's row and every index entry it produced, retrying
// on a commit-time conflict the same way Put does.
func (e *Engine) Delete(ctx context.Context, table, pk, actor string) error {
	return errors.Retry(ctx, commitRetryConfig, func() error {
		return e.deleteOnce(ctx, table, pk, actor)
	})
}

func (e *Engine) deleteOnce(ctx context.Context, table, pk, actor string) error {
	txn, err := e.mgr.Begin()
	if err != nil {
		return err
	}

	old, err := e.loadEntityInTxn(txn, table, pk)
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := e.idx.Del(ctx, txn, table, pk); err != nil {
		_ = txn.Rollback()
		return err
	}
	if e.graphs != nil && old != nil {
		if err := e.graphs.Del(ctx, txn, table, pk, old); err != nil {
			_ = txn.Rollback()
			return err
		}
	}
	if err := txn.Delete(ctx, keys.Entity(table, pk)); err != nil {
		_ = txn.Rollback()
		return err
	}
	if e.audit != nil {
		if err := e.audit.Append(ctx, txn, "delete", table, pk, actor); err != nil {
			_ = txn.Rollback()
			return err
		}
	}
	return txn.Commit()
}

// Write is one operation in a BatchWrite call.
type Write struct {
	Table  string
	PK     string
	Fields codec.Entity // nil means delete
}

// BatchWrite applies every write atomically: all succeed and commit
// together, or none are applied. Retries a conflicting commit against a
// fresh snapshot the same way Put does.
func (e *Engine) BatchWrite(ctx context.Context, writes []Write, actor string) error {
	if len(writes) == 0 {
		return nil
	}
	return errors.Retry(ctx, commitRetryConfig, func() error {
		return e.batchWriteOnce(ctx, writes, actor)
	})
}

func (e *Engine) batchWriteOnce(ctx context.Context, writes []Write, actor string) error {
	txn, err := e.mgr.Begin()
	if err != nil {
		return err
	}

	for _, w := range writes {
		if w.Fields == nil {
			old, loadErr := e.loadEntityInTxn(txn, w.Table, w.PK)
			if loadErr != nil {
				_ = txn.Rollback()
				return loadErr
			}
			if err := e.idx.Del(ctx, txn, w.Table, w.PK); err != nil {
				_ = txn.Rollback()
				return err
			}
			if e.graphs != nil && old != nil {
				if err := e.graphs.Del(ctx, txn, w.Table, w.PK, old); err != nil {
					_ = txn.Rollback()
					return err
				}
			}
			if err := txn.Delete(ctx, keys.Entity(w.Table, w.PK)); err != nil {
				_ = txn.Rollback()
				return err
			}
			continue
		}

		if err := e.idx.Put(ctx, txn, w.Table, w.PK, w.Fields); err != nil {
			_ = txn.Rollback()
			return err
		}
		if e.graphs != nil {
			old, loadErr := e.loadEntityInTxn(txn, w.Table, w.PK)
			if loadErr != nil {
				_ = txn.Rollback()
				return loadErr
			}
			if err := e.graphs.Put(ctx, txn, w.Table, w.PK, old, w.Fields); err != nil {
				_ = txn.Rollback()
				return err
			}
		}
		encoded, err := codec.Encode(w.Fields)
		if err != nil {
			_ = txn.Rollback()
			return err
		}
		if err := txn.Put(ctx, keys.Entity(w.Table, w.PK), encoded); err != nil {
			_ = txn.Rollback()
			return err
		}
	}

	if e.audit != nil {
		for _, w := range writes {
			op := "put"
			if w.Fields == nil {
				op = "delete"
			}
			if err := e.audit.Append(ctx, txn, op, w.Table, w.PK, actor); err != nil {
				_ = txn.Rollback()
				return err
			}
		}
	}
	return txn.Commit()
}

func (e *Engine) loadEntityInTxn(txn *mvcc.Txn, table, pk string) (codec.Entity, error) {
	raw, err := txn.Get(keys.Entity(table, pk))
	if errors.GetKind(err) == errors.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return codec.Decode(raw)
}

// Seal envelope-encrypts plaintext for storage in a designated field. It
// errors if no master key was configured at Open.
func (e *Engine) Seal(plaintext []byte) (crypto.Sealed, error) {
	if e.sealer == nil {
		return crypto.Sealed{}, errors.New(errors.PreconditionFailed, "engine.Seal", "no master key configured")
	}
	return e.sealer.Seal(plaintext)
}

// OpenSealed reverses Seal.
func (e *Engine) OpenSealed(sealed crypto.Sealed) ([]byte, error) {
	if e.sealer == nil {
		return nil, errors.New(errors.PreconditionFailed, "engine.OpenSealed", "no master key configured")
	}
	return e.sealer.Open(sealed)
}

// VerifyAudit replays the audit chain, returning the first tampered
// sequence (0 if the whole chain verifies). Errors if no audit key was
// configured at Open.
func (e *Engine) VerifyAudit() (uint64, error) {
	if e.audit == nil {
		return 0, errors.New(errors.PreconditionFailed, "engine.VerifyAudit", "no audit log configured")
	}
	return e.audit.Verify(e.mgr)
}
