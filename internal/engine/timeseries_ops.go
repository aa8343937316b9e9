package engine

import (
	"context"

	"github.com/kvdb/engine/internal/timeseries"
)

// TimeseriesAppend appends one sample to series, rotating chunks and
// feeding any registered continuous aggregates as needed.
func (e *Engine) TimeseriesAppend(ctx context.Context, series string, ts int64, value float64) error {
	txn, err := e.mgr.Begin()
	if err != nil {
		return err
	}
	if err := e.ts.Append(ctx, txn, series, ts, value); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// TimeseriesQuery returns every sample of series within [t0, t1].
func (e *Engine) TimeseriesQuery(series string, t0, t1 int64) ([]timeseries.Sample, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = txn.Rollback() }()
	return e.ts.Query(txn, series, t0, t1)
}

// TimeseriesAggregate computes op over series within [t0, t1].
func (e *Engine) TimeseriesAggregate(series string, t0, t1 int64, op timeseries.Op) (float64, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = txn.Rollback() }()
	return e.ts.Aggregate(txn, series, t0, t1, op)
}

// RegisterContinuousAggregate wires a rollup so every TimeseriesAppend
// to agg's source series also maintains agg's target series.
func (e *Engine) RegisterContinuousAggregate(agg *timeseries.ContinuousAggregate) {
	e.ts.RegisterAggregate(agg)
}
