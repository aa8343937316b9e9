package engine

import (
	"context"

	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/query"
	"github.com/kvdb/engine/internal/vector"
)

// RegisterVectorIndex attaches a named vector index (built separately via
// vector.NewIndex/LoadIndex) so it can be searched through the engine.
func (e *Engine) RegisterVectorIndex(name string, idx *vector.Index) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[name] = idx
}

func (e *Engine) vectorIndex(name string) (*vector.Index, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.vectors[name]
	if !ok {
		return nil, errors.New(errors.PreconditionFailed, "engine.vectorIndex", "no vector index registered under name "+name)
	}
	return idx, nil
}

// VectorSearch runs a plain k-nearest-neighbor search against the named
// vector index.
func (e *Engine) VectorSearch(name string, query []float32, k, efSearch int) ([]vector.Hit, error) {
	idx, err := e.vectorIndex(name)
	if err != nil {
		return nil, err
	}
	return idx.SearchKnn(query, k, efSearch, nil, 1)
}

// HybridVectorSearch runs a k-nearest-neighbor search restricted to rows
// of table that also satisfy every residual predicate, per spec.md
// §4.10's hybrid vector+predicate mode.
func (e *Engine) HybridVectorSearch(ctx context.Context, name, table string, q []float32, k, efSearch int, residual []query.Predicate) ([]vector.Hit, error) {
	idx, err := e.vectorIndex(name)
	if err != nil {
		return nil, err
	}
	return e.queries.HybridVectorSearch(ctx, table, idx, q, k, efSearch, residual)
}
