package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/kv"
	"github.com/kvdb/engine/internal/mvcc"
)

func newTestGraph(t *testing.T) (*mvcc.Manager, *Manager) {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mgr := mvcc.NewManager(store, mvcc.Config{LockTimeout: time.Second})
	return mgr, NewManager()
}

func putEdge(t *testing.T, mgr *mvcc.Manager, gm *Manager, graphID, edgeID string, fields codec.Entity) {
	t.Helper()
	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, gm.Put(ctx, txn, graphID, edgeID, nil, fields))
	encoded, err := codec.Encode(fields)
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, keys.Entity("edges", edgeID), encoded))
	require.NoError(t, txn.Commit())
}

func putNode(t *testing.T, mgr *mvcc.Manager, gm *Manager, graphID, pk string, fields codec.Entity) {
	t.Helper()
	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, gm.Put(ctx, txn, graphID, pk, nil, fields))
	require.NoError(t, txn.Commit())
}

func edge(from, to string) codec.Entity {
	return codec.Entity{"_from": codec.StringValue(from), "_to": codec.StringValue(to)}
}

func TestOutNeighbors_ReturnsEdgesInsertedForFromPK(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g1", "e2", edge("a", "c"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	out, err := gm.OutNeighbors(txn, "g1", "a", "")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.ElementsMatch(t, []string{"b", "c"}, []string{out[0].To, out[1].To})
}

func TestInNeighbors_SymmetricWithOut(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	in, err := gm.InNeighbors(txn, "g1", "b", "")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "a", in[0].From)
}

func TestGraphIsolation_SeparateGraphIDsDoNotCollide(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g2", "e1", edge("a", "z"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	out1, err := gm.OutNeighbors(txn, "g1", "a", "")
	require.NoError(t, err)
	require.Len(t, out1, 1)
	assert.Equal(t, "b", out1[0].To)

	out2, err := gm.OutNeighbors(txn, "g2", "a", "")
	require.NoError(t, err)
	require.Len(t, out2, 1)
	assert.Equal(t, "z", out2[0].To)
}

func TestTypeFilter_RestrictsToMatchingEdgeType(t *testing.T) {
	mgr, gm := newTestGraph(t)
	e1 := edge("a", "b")
	e1["_type"] = codec.StringValue("FOLLOWS")
	e2 := edge("a", "c")
	e2["_type"] = codec.StringValue("BLOCKS")
	putEdge(t, mgr, gm, "g1", "e1", e1)
	putEdge(t, mgr, gm, "g1", "e2", e2)

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	out, err := gm.OutNeighbors(txn, "g1", "a", "FOLLOWS")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].To)
}

func TestDel_RemovesAdjacencyEntries(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))

	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, gm.Del(ctx, txn, "g1", "e1", edge("a", "b")))
	require.NoError(t, txn.Commit())

	read, err := mgr.Begin()
	require.NoError(t, err)
	defer read.Rollback()
	out, err := gm.OutNeighbors(read, "g1", "a", "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNodeLabels_MovingLabelsUpdatesIndex(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putNode(t, mgr, gm, "g1", "n1", codec.Entity{"_labels": codec.StringValue("Person,Employee")})

	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, gm.Put(ctx, txn, "g1", "n1",
		codec.Entity{"_labels": codec.StringValue("Person,Employee")},
		codec.Entity{"_labels": codec.StringValue("Person")}))
	require.NoError(t, txn.Commit())

	read, err := mgr.Begin()
	require.NoError(t, err)
	defer read.Rollback()

	var sawEmployee, sawPerson bool
	_ = read.ScanPrefix(keys.GraphLabelPrefix("g1", "Employee"), func(k, v []byte) bool {
		sawEmployee = true
		return true
	})
	_ = read.ScanPrefix(keys.GraphLabelPrefix("g1", "Person"), func(k, v []byte) bool {
		sawPerson = true
		return true
	})
	assert.False(t, sawEmployee)
	assert.True(t, sawPerson)
}

func TestBFS_DeterministicOrderByDepthThenEdgeID(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g1", "e2", edge("a", "c"))
	putEdge(t, mgr, gm, "g1", "e3", edge("b", "d"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	hits, err := gm.BFS(context.Background(), txn, "g1", "a", 2, "", TemporalFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "b", hits[0].PK)
	assert.Equal(t, 1, hits[0].Depth)
	assert.Equal(t, "c", hits[1].PK)
	assert.Equal(t, 1, hits[1].Depth)
	assert.Equal(t, "d", hits[2].PK)
	assert.Equal(t, 2, hits[2].Depth)
}

func TestBFS_MissingStartVertexReturnsEmpty(t *testing.T) {
	mgr, gm := newTestGraph(t)
	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	hits, err := gm.BFS(context.Background(), txn, "g1", "ghost", 3, "", TemporalFilter{}, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBFS_RespectsDepthCap(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g1", "e2", edge("b", "c"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	hits, err := gm.BFS(context.Background(), txn, "g1", "a", 1, "", TemporalFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].PK)
}

func TestBFS_HandlesCycleWithoutInfiniteLoop(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g1", "e2", edge("b", "a"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	hits, err := gm.BFS(context.Background(), txn, "g1", "a", 5, "", TemporalFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].PK)
}

func loadWeighted(weights map[string]float64) func(edgeID string) (codec.Entity, bool, error) {
	return func(edgeID string) (codec.Entity, bool, error) {
		w, ok := weights[edgeID]
		if !ok {
			return nil, false, nil
		}
		return codec.Entity{"_weight": codec.FloatValue(w)}, true, nil
	}
}

func TestDijkstra_PicksLowerWeightPath(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g1", "e2", edge("a", "c"))
	putEdge(t, mgr, gm, "g1", "e3", edge("b", "d"))
	putEdge(t, mgr, gm, "g1", "e4", edge("c", "d"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	load := loadWeighted(map[string]float64{"e1": 5, "e2": 1, "e3": 1, "e4": 1})
	path, err := gm.Dijkstra(context.Background(), txn, "g1", "a", "d", "", TemporalFilter{}, load)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "c", path[0].To)
	assert.Equal(t, "d", path[1].To)
}

func TestDijkstra_DefaultsAbsentWeightToOne(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g1", "e2", edge("b", "c"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	path, err := gm.Dijkstra(context.Background(), txn, "g1", "a", "c", "", TemporalFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, 1.0, path[0].Weight)
}

func TestDijkstra_UnreachableEndReturnsNotFound(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	path, err := gm.Dijkstra(context.Background(), txn, "g1", "a", "z", "", TemporalFilter{}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.NotFound, errors.GetKind(err))
	assert.Nil(t, path)
}

func TestTemporalFilter_ExcludesEdgesOutsideValidityWindow(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))
	putEdge(t, mgr, gm, "g1", "e2", edge("a", "c"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	loadTemporal := func(edgeID string) (codec.Entity, bool, error) {
		switch edgeID {
		case "e1":
			return codec.Entity{"valid_from": codec.FloatValue(0), "valid_to": codec.FloatValue(1000)}, true, nil
		case "e2":
			return codec.Entity{"valid_from": codec.FloatValue(2000), "valid_to": codec.FloatValue(3000)}, true, nil
		}
		return nil, false, nil
	}

	hits, err := gm.BFS(context.Background(), txn, "g1", "a", 1, "", TemporalFilter{AtMillis: 500, Active: true}, loadTemporal)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].PK)
}

func TestTemporalFilter_OpenEndpointsAreUnbounded(t *testing.T) {
	mgr, gm := newTestGraph(t)
	putEdge(t, mgr, gm, "g1", "e1", edge("a", "b"))

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	loadTemporal := func(edgeID string) (codec.Entity, bool, error) {
		return codec.Entity{"valid_from": codec.FloatValue(0)}, true, nil
	}

	hits, err := gm.BFS(context.Background(), txn, "g1", "a", 1, "", TemporalFilter{AtMillis: 999999, Active: true}, loadTemporal)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}
