package timeseries

import (
	"context"
	"sync"

	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// Config bounds how large (in samples) and how long (in milliseconds) a
// chunk may grow before a new one is opened.
type Config struct {
	MaxChunkSamples int
	MaxChunkSpan    int64
}

func (c Config) withDefaults() Config {
	if c.MaxChunkSamples <= 0 {
		c.MaxChunkSamples = 2048
	}
	if c.MaxChunkSpan <= 0 {
		c.MaxChunkSpan = 3600_000 // one hour of millisecond timestamps
	}
	return c
}

// openChunk tracks the in-progress encoder for one series' current chunk.
// Every Append re-marshals it and overwrites the chunk's stored bytes, so
// the still-open chunk is always fully queryable — there is no separate
// "closed" representation.
type openChunk struct {
	chunkStart int64
	enc        *gorillaEncoder
}

// Store is a chunked, append-only time-series store layered directly on
// the engine's MVCC transactions: every mutation it makes is a regular
// buffered Put inside the caller's transaction, so series data commits
// atomically alongside any other work in the same transaction.
type Store struct {
	cfg Config

	mu    sync.Mutex
	open  map[string]*openChunk
	aggs  map[string][]*ContinuousAggregate
}

// NewStore creates a time-series store. cfg controls chunk rotation
// boundaries.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:  cfg.withDefaults(),
		open: make(map[string]*openChunk),
		aggs: make(map[string][]*ContinuousAggregate),
	}
}

// Append adds one sample to series, routing it to the current open chunk
// or rotating to a new one when the size or time boundary is exceeded, and
// feeds any continuous aggregates registered on series.
func (s *Store) Append(ctx context.Context, txn *mvcc.Txn, series string, ts int64, value float64) error {
	s.mu.Lock()
	chunk, ok := s.open[series]
	needNew := !ok ||
		chunk.enc.count >= s.cfg.MaxChunkSamples ||
		ts-chunk.enc.firstTS >= s.cfg.MaxChunkSpan ||
		ts < chunk.enc.prevTS
	if needNew {
		chunk = &openChunk{chunkStart: ts, enc: newGorillaEncoder()}
		s.open[series] = chunk
	}
	chunk.enc.Append(ts, value)
	data := chunk.enc.Bytes()
	aggs := append([]*ContinuousAggregate(nil), s.aggs[series]...)
	s.mu.Unlock()

	if err := txn.Put(ctx, keys.TimeseriesChunk(series, chunk.chunkStart), data); err != nil {
		return err
	}

	for _, agg := range aggs {
		if err := agg.feed(ctx, txn, s, ts, value); err != nil {
			return err
		}
	}
	return nil
}

// Query decodes every sample of series whose timestamp falls in [t0, t1]
// (inclusive), iterating chunk by chunk in chronological order.
func (s *Store) Query(txn *mvcc.Txn, series string, t0, t1 int64) ([]Sample, error) {
	var out []Sample
	err := txn.ScanPrefix(keys.TimeseriesPrefix(series), func(_, value []byte) bool {
		samples, decErr := Decode(value)
		if decErr != nil {
			return false
		}
		for _, sm := range samples {
			if sm.Timestamp >= t0 && sm.Timestamp <= t1 {
				out = append(out, sm)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Op names a streaming aggregation operator.
type Op string

const (
	OpMin   Op = "min"
	OpMax   Op = "max"
	OpAvg   Op = "avg"
	OpSum   Op = "sum"
	OpCount Op = "count"
)

// Aggregate streams every sample of series in [t0, t1] through op in one
// pass, without materializing the full decoded slice.
func (s *Store) Aggregate(txn *mvcc.Txn, series string, t0, t1 int64, op Op) (float64, error) {
	var (
		count int64
		sum   float64
		min   float64
		max   float64
		seen  bool
	)
	err := txn.ScanPrefix(keys.TimeseriesPrefix(series), func(_, value []byte) bool {
		samples, decErr := Decode(value)
		if decErr != nil {
			return false
		}
		for _, sm := range samples {
			if sm.Timestamp < t0 || sm.Timestamp > t1 {
				continue
			}
			count++
			sum += sm.Value
			if !seen || sm.Value < min {
				min = sm.Value
			}
			if !seen || sm.Value > max {
				max = sm.Value
			}
			seen = true
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	switch op {
	case OpMin:
		return min, nil
	case OpMax:
		return max, nil
	case OpSum:
		return sum, nil
	case OpCount:
		return float64(count), nil
	case OpAvg:
		if count == 0 {
			return 0, nil
		}
		return sum / float64(count), nil
	default:
		return 0, errors.New(errors.InvalidArgument, "timeseries.Aggregate", "unknown aggregation operator").WithDetail("op", string(op))
	}
}

// ContinuousAggregate maintains a rolled-up target series by folding every
// appended sample of a source series into fixed-width time buckets and
// flushing the bucket's aggregate to the target series once a newer
// sample moves past the bucket's span.
type ContinuousAggregate struct {
	Source       string
	Target       string
	BucketMillis int64
	Op           Op

	mu          sync.Mutex
	bucketStart int64
	count       int64
	sum, min, max float64
	open        bool
}

// RegisterAggregate attaches a continuous aggregate to its source series.
// Every subsequent Append to Source feeds it.
func (s *Store) RegisterAggregate(agg *ContinuousAggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggs[agg.Source] = append(s.aggs[agg.Source], agg)
}

func (a *ContinuousAggregate) feed(ctx context.Context, txn *mvcc.Txn, s *Store, ts int64, value float64) error {
	a.mu.Lock()
	bucket := ts - (ts % a.BucketMillis)

	var flush bool
	var flushStart int64
	var flushValue float64

	if a.open && bucket != a.bucketStart {
		flush = true
		flushStart = a.bucketStart
		flushValue = a.rollup()
		a.reset(bucket, value)
	} else if !a.open {
		a.reset(bucket, value)
	} else {
		a.accumulate(value)
	}
	a.mu.Unlock()

	if flush {
		if err := s.Append(ctx, txn, a.Target, flushStart, flushValue); err != nil {
			return err
		}
	}
	return nil
}

func (a *ContinuousAggregate) reset(bucket int64, value float64) {
	a.bucketStart = bucket
	a.count = 1
	a.sum = value
	a.min = value
	a.max = value
	a.open = true
}

func (a *ContinuousAggregate) accumulate(value float64) {
	a.count++
	a.sum += value
	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}
}

func (a *ContinuousAggregate) rollup() float64 {
	switch a.Op {
	case OpMin:
		return a.min
	case OpMax:
		return a.max
	case OpSum:
		return a.sum
	case OpCount:
		return float64(a.count)
	default:
		if a.count == 0 {
			return 0
		}
		return a.sum / float64(a.count)
	}
}
