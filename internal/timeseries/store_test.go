package timeseries

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdb/engine/internal/kv"
	"github.com/kvdb/engine/internal/mvcc"
)

func newTestStore(t *testing.T, cfg Config) (*mvcc.Manager, *Store) {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mgr := mvcc.NewManager(store, mvcc.Config{LockTimeout: time.Second})
	return mgr, NewStore(cfg)
}

func appendSample(t *testing.T, mgr *mvcc.Manager, ts *Store, series string, at int64, value float64) {
	t.Helper()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, ts.Append(context.Background(), txn, series, at, value))
	require.NoError(t, txn.Commit())
}

func TestAppend_ThenQueryReturnsSamplesInRange(t *testing.T) {
	mgr, ts := newTestStore(t, Config{})
	for i := int64(0); i < 10; i++ {
		appendSample(t, mgr, ts, "cpu", i*1000, float64(i))
	}

	txn, err := mgr.Begin()
	require.NoError(t, err)
	samples, err := ts.Query(txn, "cpu", 2000, 5000)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	assert.Equal(t, int64(2000), samples[0].Timestamp)
	assert.Equal(t, int64(5000), samples[3].Timestamp)
}

func TestAppend_RotatesChunkOnSampleCountBoundary(t *testing.T) {
	mgr, ts := newTestStore(t, Config{MaxChunkSamples: 3})
	for i := int64(0); i < 7; i++ {
		appendSample(t, mgr, ts, "cpu", i*1000, float64(i))
	}

	txn, err := mgr.Begin()
	require.NoError(t, err)
	var chunkCount int
	err = txn.ScanPrefix([]byte("ts:cpu:"), func(_, _ []byte) bool {
		chunkCount++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, chunkCount) // ceil(7/3)

	samples, err := ts.Query(txn, "cpu", 0, 6000)
	require.NoError(t, err)
	require.Len(t, samples, 7)
}

func TestAppend_RotatesChunkOnTimeSpanBoundary(t *testing.T) {
	mgr, ts := newTestStore(t, Config{MaxChunkSpan: 5000})
	appendSample(t, mgr, ts, "cpu", 0, 1)
	appendSample(t, mgr, ts, "cpu", 6000, 2)

	txn, err := mgr.Begin()
	require.NoError(t, err)
	var chunkCount int
	err = txn.ScanPrefix([]byte("ts:cpu:"), func(_, _ []byte) bool {
		chunkCount++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 2, chunkCount)
}

func TestAggregate_StreamsMinMaxAvgSumCount(t *testing.T) {
	mgr, ts := newTestStore(t, Config{})
	for i := int64(1); i <= 5; i++ {
		appendSample(t, mgr, ts, "cpu", i*1000, float64(i))
	}

	txn, err := mgr.Begin()
	require.NoError(t, err)

	min, err := ts.Aggregate(txn, "cpu", 0, 10000, OpMin)
	require.NoError(t, err)
	assert.Equal(t, 1.0, min)

	max, err := ts.Aggregate(txn, "cpu", 0, 10000, OpMax)
	require.NoError(t, err)
	assert.Equal(t, 5.0, max)

	sum, err := ts.Aggregate(txn, "cpu", 0, 10000, OpSum)
	require.NoError(t, err)
	assert.Equal(t, 15.0, sum)

	avg, err := ts.Aggregate(txn, "cpu", 0, 10000, OpAvg)
	require.NoError(t, err)
	assert.Equal(t, 3.0, avg)

	count, err := ts.Aggregate(txn, "cpu", 0, 10000, OpCount)
	require.NoError(t, err)
	assert.Equal(t, 5.0, count)
}

func TestAggregate_UnknownOpReturnsError(t *testing.T) {
	mgr, ts := newTestStore(t, Config{})
	appendSample(t, mgr, ts, "cpu", 0, 1)

	txn, err := mgr.Begin()
	require.NoError(t, err)
	_, err = ts.Aggregate(txn, "cpu", 0, 1000, Op("bogus"))
	require.Error(t, err)
}

func TestContinuousAggregate_FlushesRollupOnBucketBoundary(t *testing.T) {
	mgr, ts := newTestStore(t, Config{})
	ts.RegisterAggregate(&ContinuousAggregate{
		Source:       "cpu",
		Target:       "cpu_1s_avg",
		BucketMillis: 1000,
		Op:           OpAvg,
	})

	appendSample(t, mgr, ts, "cpu", 0, 10)
	appendSample(t, mgr, ts, "cpu", 100, 20)
	appendSample(t, mgr, ts, "cpu", 1500, 99) // crosses into next bucket, flushes [0,1000)

	txn, err := mgr.Begin()
	require.NoError(t, err)
	samples, err := ts.Query(txn, "cpu_1s_avg", 0, 5000)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(0), samples[0].Timestamp)
	assert.Equal(t, 15.0, samples[0].Value)
}

func TestContinuousAggregate_NeverFlushesAnOpenBucket(t *testing.T) {
	mgr, ts := newTestStore(t, Config{})
	ts.RegisterAggregate(&ContinuousAggregate{
		Source:       "cpu",
		Target:       "cpu_1s_avg",
		BucketMillis: 1000,
		Op:           OpSum,
	})
	appendSample(t, mgr, ts, "cpu", 0, 10)

	txn, err := mgr.Begin()
	require.NoError(t, err)
	samples, err := ts.Query(txn, "cpu_1s_avg", 0, 5000)
	require.NoError(t, err)
	assert.Empty(t, samples)
}
