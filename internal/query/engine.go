package query

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/graph"
	"github.com/kvdb/engine/internal/index"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
	"github.com/kvdb/engine/internal/vector"
)

// Result is the outcome of running a Request: the matching primary keys in
// the request's order, whether more pages exist beyond Limit, and which
// mode(s) actually executed for observability.
type Result struct {
	PKs     []string
	HasMore bool
	Modes   []Mode
}

// Engine executes planned queries against one table's indexes, graphs, and
// vector spaces, loading candidate rows on demand to check residual
// predicates.
type Engine struct {
	mgr     *mvcc.Manager
	idx     *index.Manager
	planner *Planner
	graphs  *graph.Manager
	metrics *Metrics
}

// NewEngine builds a query engine over the given managers. graphs may be
// nil if the caller never runs graph traversals through this engine.
func NewEngine(mgr *mvcc.Manager, idx *index.Manager, planner *Planner, graphs *graph.Manager, metrics *Metrics) *Engine {
	return &Engine{mgr: mgr, idx: idx, planner: planner, graphs: graphs, metrics: metrics}
}

func (e *Engine) loadEntity(txn *mvcc.Txn, table, pk string) (codec.Entity, error) {
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

func (e *Engine) residualOK(txn *mvcc.Txn, table, pk string, preds []Predicate) (bool, error) {
	if len(preds) == 0 {
		return true, nil
	}
	ent, err := e.loadEntity(txn, table, pk)
	if err != nil {
		return false, err
	}
	if ent == nil {
		return false, nil
	}
	for _, p := range preds {
		if !p.matches(ent) {
			return false, nil
		}
	}
	return true, nil
}

// Query executes req and returns the matching primary keys, deduplicated
// across any disjunction of conjunctions and ordered/paged as requested.
func (e *Engine) Query(ctx context.Context, req Request) (Result, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = txn.Rollback() }()

	if len(req.Conjunctions) == 0 {
		return Result{}, errors.New(errors.InvalidArgument, "query.Query", "at least one conjunction is required")
	}

	seen := make(map[string]bool)
	var union []string
	var modes []Mode
	for _, conj := range req.Conjunctions {
		pks, mode, err := e.runConjunction(ctx, txn, req.Table, conj.Predicates, req.OrderBy, req.AllowFullScan)
		if err != nil {
			return Result{}, err
		}
		modes = append(modes, mode)
		for _, pk := range pks {
			if !seen[pk] {
				seen[pk] = true
				union = append(union, pk)
			}
		}
	}

	sort.Strings(union)
	if req.Descending {
		for i, j := 0, len(union)-1; i < j; i, j = i+1, j-1 {
			union[i], union[j] = union[j], union[i]
		}
	}

	start := 0
	if req.Cursor != nil {
		start = len(union)
		for i, pk := range union {
			if (!req.Descending && pk > req.Cursor.PK) || (req.Descending && pk < req.Cursor.PK) {
				start = i
				break
			}
		}
	}
	union = union[start:]

	hasMore := false
	if req.Limit > 0 && len(union) > req.Limit {
		union = union[:req.Limit]
		hasMore = true
	}

	if e.metrics != nil {
		for _, m := range modes {
			e.metrics.recordMode(m)
		}
	}
	return Result{PKs: union, HasMore: hasMore, Modes: modes}, nil
}

// runConjunction executes one AND-of-predicates conjunction and returns its
// matching primary keys in no particular cross-candidate order (callers
// sort/union as needed).
func (e *Engine) runConjunction(ctx context.Context, txn *mvcc.Txn, table string, preds []Predicate, orderBy string, allowFullScan bool) ([]string, Mode, error) {
	plan, err := e.planner.PlanConjunction(txn, table, preds, orderBy, allowFullScan)
	if err != nil {
		return nil, "", err
	}

	switch plan.Mode {
	case ModeFullScan, ModeFullScanFallback:
		pks, err := e.fullScan(txn, table, plan.Residual)
		return pks, plan.Mode, err

	case ModeRangeAware:
		res, err := e.idx.ScanRange(txn, table, plan.RangeDriver.Column, plan.RangeDriver.Lo, plan.RangeDriver.Hi,
			plan.RangeDriver.InclusiveLo, plan.RangeDriver.InclusiveHi, index.ScanOptions{})
		if err != nil {
			return nil, "", err
		}
		pks, err := e.filterResidual(txn, table, res.PKs, plan.Residual)
		return pks, plan.Mode, err

	case ModeIndexOptimized:
		driver := plan.Ordered[0]
		res, err := e.idx.ScanEqual(txn, table, driver.Column, driver.Eq, index.ScanOptions{})
		if err != nil {
			return nil, "", err
		}
		pks, err := e.filterResidual(txn, table, res.PKs, plan.Residual)
		return pks, plan.Mode, err

	case ModeIndexParallel:
		pks, err := e.intersectIndexed(ctx, txn, table, plan.Ordered)
		if err != nil {
			return nil, "", err
		}
		pks, err = e.filterResidual(txn, table, pks, plan.Residual)
		return pks, plan.Mode, err

	default:
		return nil, "", errors.New(errors.Internal, "query.runConjunction", "unknown plan mode")
	}
}

func (e *Engine) fullScan(txn *mvcc.Txn, table string, residual []Predicate) ([]string, error) {
	var out []string
	prefix := keys.EntityPrefix(table)
	prefixLen := len(prefix)
	err := txn.ScanPrefix(prefix, func(key, value []byte) bool {
		pk := string(key[prefixLen:])
		ent, decErr := codec.Decode(value)
		if decErr != nil {
			return true
		}
		for _, p := range residual {
			if !p.matches(ent) {
				return true
			}
		}
		out = append(out, pk)
		return true
	})
	return out, err
}

func (e *Engine) filterResidual(txn *mvcc.Txn, table string, pks []string, residual []Predicate) ([]string, error) {
	if len(residual) == 0 {
		return pks, nil
	}
	out := make([]string, 0, len(pks))
	for _, pk := range pks {
		ok, err := e.residualOK(txn, table, pk, residual)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pk)
		}
	}
	return out, nil
}

// intersectIndexed probes each indexed equality predicate's candidate set
// in parallel, then intersects the sorted results with a two-pointer merge,
// starting from the smallest set since ScanEqual already returns pks in
// ascending order.
func (e *Engine) intersectIndexed(ctx context.Context, txn *mvcc.Txn, table string, preds []Predicate) ([]string, error) {
	sets := make([][]string, len(preds))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range preds {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.idx.ScanEqual(txn, table, p.Column, p.Eq, index.ScanOptions{})
			if err != nil {
				return err
			}
			sets[i] = res.PKs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := sets[0]
	for _, next := range sets[1:] {
		result = intersectSorted(result, next)
		if len(result) == 0 {
			break
		}
	}
	return result, nil
}

func intersectSorted(a, b []string) []string {
	out := make([]string, 0, len(a))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// HybridVectorSearch runs a k-nearest-neighbor search over idx, restricted
// to candidates whose row also satisfies every residual predicate. It
// loads and checks candidates via the overfetch the index already applies
// internally, then filters and re-trims to k.
func (e *Engine) HybridVectorSearch(ctx context.Context, table string, idxVec *vector.Index, query []float32, k, efSearch int, residual []Predicate) ([]vector.Hit, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()

	prefilter := func(pk string) bool {
		ok, err := e.residualOK(txn, table, pk, residual)
		return err == nil && ok
	}
	return idxVec.SearchKnn(query, k, efSearch, prefilter, 4)
}

// GraphBFS delegates to the graph manager's breadth-first traversal.
func (e *Engine) GraphBFS(ctx context.Context, graphID, start string, maxDepth int, edgeType string, temporal graph.TemporalFilter, table string) ([]graph.BFSHit, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()
	return e.graphs.BFS(ctx, txn, graphID, start, maxDepth, edgeType, temporal, e.loadEdgeFunc(txn, table))
}

// GraphShortestPath delegates to the graph manager's Dijkstra search.
func (e *Engine) GraphShortestPath(ctx context.Context, graphID, start, end, edgeType string, temporal graph.TemporalFilter, table string) ([]graph.PathStep, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()
	return e.graphs.Dijkstra(ctx, txn, graphID, start, end, edgeType, temporal, e.loadEdgeFunc(txn, table))
}

func (e *Engine) loadEdgeFunc(txn *mvcc.Txn, table string) func(edgeID string) (codec.Entity, bool, error) {
	return func(edgeID string) (codec.Entity, bool, error) {
		ent, err := e.loadEntity(txn, table, edgeID)
		if err != nil {
			return nil, false, err
		}
		return ent, ent != nil, nil
	}
}
