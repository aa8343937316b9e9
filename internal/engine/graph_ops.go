package engine

import (
	"context"

	"github.com/kvdb/engine/internal/graph"
)

// GraphOutNeighbors returns edges leaving fromPK, optionally filtered by
// edge type (empty means all types).
func (e *Engine) GraphOutNeighbors(graphID, fromPK, edgeType string) ([]graph.Edge, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()
	return e.graphs.OutNeighbors(txn, graphID, fromPK, edgeType)
}

// GraphInNeighbors returns edges arriving at toPK, optionally filtered by
// edge type.
func (e *Engine) GraphInNeighbors(graphID, toPK, edgeType string) ([]graph.Edge, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()
	return e.graphs.InNeighbors(txn, graphID, toPK, edgeType)
}

// GraphBFS runs a breadth-first reachability traversal from start, loading
// edge rows from table.
func (e *Engine) GraphBFS(ctx context.Context, graphID, start string, maxDepth int, edgeType string, temporal graph.TemporalFilter, table string) ([]graph.BFSHit, error) {
	return e.queries.GraphBFS(ctx, graphID, start, maxDepth, edgeType, temporal, table)
}

// GraphShortestPath runs Dijkstra between start and end, loading edge rows
// from table.
func (e *Engine) GraphShortestPath(ctx context.Context, graphID, start, end, edgeType string, temporal graph.TemporalFilter, table string) ([]graph.PathStep, error) {
	return e.queries.GraphShortestPath(ctx, graphID, start, end, edgeType, temporal, table)
}
