// Package graph maintains typed-edge adjacency for the graph data model:
// outbound/inbound neighbor lists, label and type indexes, and bounded
// traversals (BFS, Dijkstra) over edges that may carry temporal validity
// windows.
package graph

import (
	"container/heap"
	"context"
	"sort"
	"strings"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// Reserved field names recognized on edge and node entities.
const (
	FieldFrom   = "_from"
	FieldTo     = "_to"
	FieldType   = "_type"
	FieldLabels = "_labels"
	FieldWeight = "_weight"
	FieldValidFrom = "valid_from"
	FieldValidTo   = "valid_to"
)

// Manager maintains adjacency, label, and type indexes for every graph_id
// namespace sharing the underlying store.
type Manager struct{}

// NewManager constructs a graph index manager. There is no per-instance
// configuration: indexes are isolated purely by the graph_id argument
// every operation takes, so one Manager serves every graph namespace.
func NewManager() *Manager {
	return &Manager{}
}

// Edge is a decoded outbound/inbound adjacency entry.
type Edge struct {
	EdgeID string
	To     string
	From   string
}

func edgeField(e codec.Entity, name string) (codec.Value, bool) {
	v, ok := e[name]
	if !ok || v.IsNull() {
		return codec.Value{}, false
	}
	return v, true
}

func stringField(e codec.Entity, name string) (string, bool) {
	v, ok := edgeField(e, name)
	if !ok || v.Tag != codec.TagString {
		return "", false
	}
	return v.Str, true
}

func floatField(e codec.Entity, name string) (float64, bool) {
	v, ok := edgeField(e, name)
	if !ok {
		return 0, false
	}
	switch v.Tag {
	case codec.TagFloat64:
		return v.Float, true
	case codec.TagInt64:
		return float64(v.Int64), true
	default:
		return 0, false
	}
}

// Put maintains adjacency/label/type index entries for an edge or node
// entity whose new value has been decided. Put never reads the primary
// row itself, so the caller may write it before or after this call in the
// same transaction. old is the prior decoded entity at this pk (nil if
// this is a new row).
func (m *Manager) Put(ctx context.Context, txn *mvcc.Txn, graphID, pk string, old, next codec.Entity) error {
	if isEdge(next) || isEdge(old) {
		return m.putEdge(ctx, txn, graphID, pk, old, next)
	}
	return m.putNode(ctx, txn, graphID, pk, old, next)
}

func isEdge(e codec.Entity) bool {
	if e == nil {
		return false
	}
	_, hasFrom := stringField(e, FieldFrom)
	_, hasTo := stringField(e, FieldTo)
	return hasFrom && hasTo
}

func (m *Manager) putEdge(ctx context.Context, txn *mvcc.Txn, graphID, edgeID string, old, next codec.Entity) error {
	oldFrom, oldHasFrom := stringField(old, FieldFrom)
	oldTo, _ := stringField(old, FieldTo)
	oldType, _ := stringField(old, FieldType)

	newFrom, newHasFrom := stringField(next, FieldFrom)
	newTo, _ := stringField(next, FieldTo)
	newType, _ := stringField(next, FieldType)

	if oldHasFrom {
		if err := txn.Delete(ctx, keys.GraphOut(graphID, oldFrom, edgeID)); err != nil {
			return err
		}
		if err := txn.Delete(ctx, keys.GraphIn(graphID, oldTo, edgeID)); err != nil {
			return err
		}
		if oldType != "" {
			if err := txn.Delete(ctx, keys.GraphType(graphID, oldType, edgeID)); err != nil {
				return err
			}
		}
	}
	if newHasFrom {
		if err := txn.Put(ctx, keys.GraphOut(graphID, newFrom, edgeID), []byte(newTo)); err != nil {
			return err
		}
		if err := txn.Put(ctx, keys.GraphIn(graphID, newTo, edgeID), []byte(newFrom)); err != nil {
			return err
		}
		if newType != "" {
			if err := txn.Put(ctx, keys.GraphType(graphID, newType, edgeID), []byte(newFrom+"\x00"+newTo)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) putNode(ctx context.Context, txn *mvcc.Txn, graphID, pk string, old, next codec.Entity) error {
	oldLabels := nodeLabels(old)
	newLabels := nodeLabels(next)
	if sameLabels(oldLabels, newLabels) {
		return nil
	}
	for _, l := range oldLabels {
		if err := txn.Delete(ctx, keys.GraphLabel(graphID, l, pk)); err != nil {
			return err
		}
	}
	for _, l := range newLabels {
		if err := txn.Put(ctx, keys.GraphLabel(graphID, l, pk), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func nodeLabels(e codec.Entity) []string {
	s, ok := stringField(e, FieldLabels)
	if !ok || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Del removes every adjacency/label/type index entry rooted at pk. For an
// edge entity this removes its out/in/type entries; for a node it removes
// its label entries.
func (m *Manager) Del(ctx context.Context, txn *mvcc.Txn, graphID, pk string, old codec.Entity) error {
	if isEdge(old) {
		return m.putEdge(ctx, txn, graphID, pk, old, nil)
	}
	return m.putNode(ctx, txn, graphID, pk, old, nil)
}

// OutNeighbors returns every outbound edge of fromPK, optionally restricted
// to a single edge type, ordered by edge_id ascending.
func (m *Manager) OutNeighbors(txn *mvcc.Txn, graphID, fromPK, edgeType string) ([]Edge, error) {
	var out []Edge
	err := txn.ScanPrefix(keys.GraphOutPrefix(graphID, fromPK), func(k, v []byte) bool {
		edgeID := lastSegment(k)
		out = append(out, Edge{EdgeID: edgeID, To: string(v), From: fromPK})
		return true
	})
	if err != nil {
		return nil, err
	}
	if edgeType != "" {
		out = filterByType(m, txn, graphID, edgeType, out)
	}
	return out, nil
}

// InNeighbors returns every inbound edge of toPK, optionally restricted to
// a single edge type, ordered by edge_id ascending.
func (m *Manager) InNeighbors(txn *mvcc.Txn, graphID, toPK, edgeType string) ([]Edge, error) {
	var in []Edge
	err := txn.ScanPrefix(keys.GraphInPrefix(graphID, toPK), func(k, v []byte) bool {
		edgeID := lastSegment(k)
		in = append(in, Edge{EdgeID: edgeID, To: toPK, From: string(v)})
		return true
	})
	if err != nil {
		return nil, err
	}
	if edgeType != "" {
		in = filterByType(m, txn, graphID, edgeType, in)
	}
	return in, nil
}

func filterByType(m *Manager, txn *mvcc.Txn, graphID, edgeType string, edges []Edge) []Edge {
	typed := make(map[string]bool)
	_ = txn.ScanPrefix(keys.GraphTypePrefix(graphID, edgeType), func(k, v []byte) bool {
		typed[lastSegment(k)] = true
		return true
	})
	out := edges[:0]
	for _, e := range edges {
		if typed[e.EdgeID] {
			out = append(out, e)
		}
	}
	return out
}

func lastSegment(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return string(k[i+1:])
		}
	}
	return string(k)
}

// TemporalFilter bounds a traversal to edges whose [valid_from, valid_to]
// window contains AtMillis. A zero value means no temporal filtering.
type TemporalFilter struct {
	AtMillis int64
	Active   bool
}

func (f TemporalFilter) admits(loadEdge func(edgeID string) (codec.Entity, bool, error), edgeID string) (bool, error) {
	if !f.Active {
		return true, nil
	}
	e, ok, err := loadEdge(edgeID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	from, hasFrom := floatField(e, FieldValidFrom)
	to, hasTo := floatField(e, FieldValidTo)
	if hasFrom && float64(f.AtMillis) < from {
		return false, nil
	}
	if hasTo && float64(f.AtMillis) > to {
		return false, nil
	}
	return true, nil
}

// BFSHit is one reached vertex, carrying the depth and edge_id it was first
// discovered through (used for the deterministic tie-break order).
type BFSHit struct {
	PK     string
	Depth  int
	EdgeID string
}

// BFS performs unit-weight breadth-first reachability from start, stopping
// at maxDepth, optionally restricted to one edge type and/or a temporal
// validity window. Results are ordered by (depth, edge_id) ascending. A
// missing start vertex yields an empty, non-error result.
func (m *Manager) BFS(ctx context.Context, txn *mvcc.Txn, graphID, start string, maxDepth int, edgeType string, temporal TemporalFilter, loadEdge func(edgeID string) (codec.Entity, bool, error)) ([]BFSHit, error) {
	if maxDepth < 0 {
		return nil, errors.New(errors.InvalidArgument, "graph.BFS", "maxDepth must be non-negative")
	}
	visited := map[string]bool{start: true}
	var hits []BFSHit
	frontier := []string{start}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		type cand struct {
			pk, edgeID string
		}
		var next []cand
		for _, pk := range frontier {
			edges, err := m.OutNeighbors(txn, graphID, pk, edgeType)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if visited[e.To] {
					continue
				}
				ok, err := temporal.admits(loadEdge, e.EdgeID)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				next = append(next, cand{pk: e.To, edgeID: e.EdgeID})
			}
		}
		sort.Slice(next, func(i, j int) bool {
			if next[i].pk != next[j].pk {
				return next[i].pk < next[j].pk
			}
			return next[i].edgeID < next[j].edgeID
		})
		var frontierNext []string
		for _, c := range next {
			if visited[c.pk] {
				continue
			}
			visited[c.pk] = true
			hits = append(hits, BFSHit{PK: c.pk, Depth: depth, EdgeID: c.edgeID})
			frontierNext = append(frontierNext, c.pk)
		}
		frontier = frontierNext
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Depth != hits[j].Depth {
			return hits[i].Depth < hits[j].Depth
		}
		return hits[i].EdgeID < hits[j].EdgeID
	})
	return hits, nil
}

// pqItem is one entry in Dijkstra's priority queue.
type pqItem struct {
	pk   string
	dist float64
}

type priorityQueue []pqItem

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].pk < q[j].pk
}
func (q priorityQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) { *q = append(*q, x.(pqItem)) }
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// PathStep is one hop of a Dijkstra shortest path.
type PathStep struct {
	EdgeID string
	From   string
	To     string
	Weight float64
}

// Dijkstra finds the minimum-weight path from start to end, using each
// edge's numeric _weight field (defaulting to 1 when absent), optionally
// restricted to one edge type and/or a temporal validity window. Ties
// between equal-distance candidates are broken by primary key. Returns a
// not_found error if end is unreachable, including when the only
// connecting edges fall outside the temporal window.
func (m *Manager) Dijkstra(ctx context.Context, txn *mvcc.Txn, graphID, start, end, edgeType string, temporal TemporalFilter, loadEdge func(edgeID string) (codec.Entity, bool, error)) ([]PathStep, error) {
	dist := map[string]float64{start: 0}
	prevEdge := map[string]string{}
	prevFrom := map[string]string{}
	visited := map[string]bool{}

	pq := &priorityQueue{{pk: start, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		if visited[item.pk] {
			continue
		}
		visited[item.pk] = true
		if item.pk == end {
			break
		}

		edges, err := m.OutNeighbors(txn, graphID, item.pk, edgeType)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.To] {
				continue
			}
			ok, err := temporal.admits(loadEdge, e.EdgeID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			weight := 1.0
			if loadEdge != nil {
				edgeEntity, found, err := loadEdge(e.EdgeID)
				if err != nil {
					return nil, err
				}
				if found {
					if w, ok := floatField(edgeEntity, FieldWeight); ok {
						weight = w
					}
				}
			}
			nd := item.dist + weight
			if cur, ok := dist[e.To]; !ok || nd < cur || (nd == cur && item.pk < prevFrom[e.To]) {
				dist[e.To] = nd
				prevEdge[e.To] = e.EdgeID
				prevFrom[e.To] = item.pk
				heap.Push(pq, pqItem{pk: e.To, dist: nd})
			}
		}
	}

	if _, ok := dist[end]; !ok || !visited[end] {
		return nil, errors.New(errors.NotFound, "graph.Dijkstra", "no path to end vertex")
	}

	var steps []PathStep
	cur := end
	for cur != start {
		from := prevFrom[cur]
		edgeID := prevEdge[cur]
		w := dist[cur]
		if p, ok := dist[from]; ok {
			w -= p
		}
		steps = append([]PathStep{{EdgeID: edgeID, From: from, To: cur, Weight: w}}, steps...)
		cur = from
	}
	return steps, nil
}
