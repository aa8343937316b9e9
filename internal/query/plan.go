package query

import (
	"sort"

	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/index"
	"github.com/kvdb/engine/internal/mvcc"
)

// Mode names the execution strategy a plan chose, reported as an
// observability tag.
type Mode string

const (
	ModeFullScan         Mode = "full_scan"
	ModeRangeAware       Mode = "range_aware"
	ModeIndexOptimized   Mode = "index_optimized"
	ModeIndexParallel    Mode = "index_parallel"
	ModeFullScanFallback Mode = "full_scan_fallback"
)

// defaultProbeCap bounds the exploratory scan used to estimate an
// equality predicate's selectivity before committing to a plan.
const defaultProbeCap = 1000

// ConjunctionPlan is the chosen strategy for one AND-of-predicates query.
type ConjunctionPlan struct {
	Mode Mode

	// RangeAware: the predicate driving an index-ordered scan.
	RangeDriver *Predicate

	// IndexOptimized/IndexParallel: indexed equality predicates, sorted
	// ascending by estimated candidate count, to probe and intersect.
	Ordered []Predicate

	// Predicates left to check by reading each candidate's primary row.
	Residual []Predicate
}

// Planner costs and chooses execution strategies against one index schema.
type Planner struct {
	idx      *index.Manager
	schema   *index.Schema
	probeCap int
}

// NewPlanner creates a planner over idx's managed indexes, described by
// schema.
func NewPlanner(idx *index.Manager, schema *index.Schema) *Planner {
	return &Planner{idx: idx, schema: schema, probeCap: defaultProbeCap}
}

// PlanConjunction chooses a strategy for one table's AND-of-predicates
// query. orderBy, when non-empty, is preferred as the scan's natural
// order if a range predicate on that column is indexed.
func (p *Planner) PlanConjunction(txn *mvcc.Txn, table string, preds []Predicate, orderBy string, allowFullScan bool) (ConjunctionPlan, error) {
	ts, hasSchema := p.schema.Table(table)

	if orderBy != "" && hasSchema {
		for i, pred := range preds {
			if pred.Op != OpRange || pred.Column != orderBy {
				continue
			}
			if col, ok := ts.Column(pred.Column); !ok || col.Kind != index.KindValue {
				continue
			}
			residual := make([]Predicate, 0, len(preds)-1)
			residual = append(residual, preds[:i]...)
			residual = append(residual, preds[i+1:]...)
			driver := pred
			return ConjunctionPlan{Mode: ModeRangeAware, RangeDriver: &driver, Residual: residual}, nil
		}
	}

	if len(preds) == 0 {
		return ConjunctionPlan{Mode: ModeFullScan}, nil
	}

	type estimate struct {
		pred  Predicate
		count int
	}
	var estimates []estimate
	if hasSchema {
		for _, pred := range preds {
			if pred.Op != OpEq {
				continue
			}
			col, ok := ts.Column(pred.Column)
			if !ok || col.Kind != index.KindValue {
				continue
			}
			res, err := p.idx.ScanEqual(txn, table, pred.Column, pred.Eq, index.ScanOptions{Limit: p.probeCap})
			if err != nil {
				return ConjunctionPlan{}, err
			}
			estimates = append(estimates, estimate{pred: pred, count: len(res.PKs)})
		}
	}

	if len(estimates) == 0 {
		if !allowFullScan {
			return ConjunctionPlan{}, errors.New(errors.InvalidArgument, "query.PlanConjunction", "no predicate is indexed and full scan is not allowed")
		}
		return ConjunctionPlan{Mode: ModeFullScanFallback, Residual: preds}, nil
	}

	sort.Slice(estimates, func(i, j int) bool { return estimates[i].count < estimates[j].count })

	indexedCols := make(map[string]bool, len(estimates))
	ordered := make([]Predicate, len(estimates))
	for i, e := range estimates {
		ordered[i] = e.pred
		indexedCols[e.pred.Column] = true
	}

	var residual []Predicate
	for _, pred := range preds {
		if pred.Op == OpEq && indexedCols[pred.Column] {
			continue
		}
		residual = append(residual, pred)
	}

	mode := ModeIndexOptimized
	if len(ordered) > 1 {
		mode = ModeIndexParallel
	}
	return ConjunctionPlan{Mode: mode, Ordered: ordered, Residual: residual}, nil
}
