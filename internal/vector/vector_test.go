package vector

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestAddEntity_RejectsDimensionMismatch(t *testing.T) {
	idx := NewIndex(Config{Dimension: 4})
	err := idx.AddEntity("a", []float32{1, 2, 3})
	require.Error(t, err)
}

func TestAddEntity_ThenSearchKnnFindsExactMatch(t *testing.T) {
	idx := NewIndex(Config{Dimension: 3, Metric: MetricCosine})
	require.NoError(t, idx.AddEntity("a", []float32{1, 0, 0}))
	require.NoError(t, idx.AddEntity("b", []float32{0, 1, 0}))
	require.NoError(t, idx.AddEntity("c", []float32{0, 0, 1}))

	hits, err := idx.SearchKnn([]float32{1, 0, 0}, 1, 0, nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].PK)
}

func TestSearchKnn_RejectsDimensionMismatch(t *testing.T) {
	idx := NewIndex(Config{Dimension: 3})
	_, err := idx.SearchKnn([]float32{1, 2}, 1, 0, nil, 0)
	require.Error(t, err)
}

func TestSearchKnn_EmptyIndexReturnsNoResults(t *testing.T) {
	idx := NewIndex(Config{Dimension: 3})
	hits, err := idx.SearchKnn([]float32{1, 0, 0}, 5, 0, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAddEntity_ReplacingSamePKUpdatesVector(t *testing.T) {
	idx := NewIndex(Config{Dimension: 3, Metric: MetricCosine})
	require.NoError(t, idx.AddEntity("a", []float32{1, 0, 0}))
	require.NoError(t, idx.AddEntity("a", []float32{0, 1, 0}))
	assert.Equal(t, 1, idx.Count())

	hits, err := idx.SearchKnn([]float32{0, 1, 0}, 1, 0, nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].PK)
}

func TestRemove_ExcludesPKFromFurtherSearch(t *testing.T) {
	idx := NewIndex(Config{Dimension: 3, Metric: MetricCosine})
	require.NoError(t, idx.AddEntity("a", []float32{1, 0, 0}))
	idx.Remove("a")
	assert.Equal(t, 0, idx.Count())

	hits, err := idx.SearchKnn([]float32{1, 0, 0}, 5, 0, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchKnn_PrefilterOverfetchesAndRespectsPredicate(t *testing.T) {
	idx := NewIndex(Config{Dimension: 3, Metric: MetricCosine})
	require.NoError(t, idx.AddEntity("a", []float32{1, 0, 0}))
	require.NoError(t, idx.AddEntity("b", []float32{0.9, 0.1, 0}))
	require.NoError(t, idx.AddEntity("c", []float32{0.8, 0.2, 0}))

	allow := map[string]bool{"c": true}
	hits, err := idx.SearchKnn([]float32{1, 0, 0}, 1, 0, func(pk string) bool { return allow[pk] }, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c", hits[0].PK)
}

func TestSaveAndLoadIndex_RoundTripsVectorsAndMetadata(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "col")
	idx := NewIndex(Config{Dimension: 3, Metric: MetricCosine, M: 8, EfConstruction: 50, EfSearch: 30})
	require.NoError(t, idx.AddEntity("a", []float32{1, 0, 0}))
	require.NoError(t, idx.AddEntity("b", []float32{0, 1, 0}))
	require.NoError(t, idx.SaveIndex(dir))

	loaded, err := LoadIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Count())
	assert.Equal(t, 3, loaded.cfg.Dimension)
	assert.Equal(t, MetricCosine, loaded.cfg.Metric)

	hits, err := loaded.SearchKnn([]float32{1, 0, 0}, 1, 0, nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].PK)
}

func TestLoadIndex_MissingMetaReturnsCorruptError(t *testing.T) {
	_, err := LoadIndex(t.TempDir())
	require.Error(t, err)
}

func TestRebuildFromStorage_ReinsertsAllEntries(t *testing.T) {
	data := map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
	}
	idx, err := RebuildFromStorage(Config{Dimension: 3, Metric: MetricCosine}, func(yield func(string, []float32) bool) {
		for pk, v := range data {
			if !yield(pk, v) {
				return
			}
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())
}

func TestQuantizeVector_RoundTripsWithinHalfStep(t *testing.T) {
	v := []float32{1, -0.5, 0.25, -1, 0}
	q, scale := quantizeVector(v)
	got := dequantizeVector(q, scale)
	for i := range v {
		assert.InDelta(t, float64(v[i]), float64(got[i]), float64(scale)/2+1e-6)
	}
}

func TestQuantizeVector_ZeroVectorQuantizesToZero(t *testing.T) {
	q, scale := quantizeVector([]float32{0, 0, 0})
	assert.Equal(t, float32(0), scale)
	for _, b := range q {
		assert.Equal(t, int8(0), b)
	}
}

func TestSaveIndex_Int8QuantizationWritesReadableSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "col")
	idx := NewIndex(Config{Dimension: 3, Metric: MetricCosine, Quantization: QuantizationInt8})
	require.NoError(t, idx.AddEntity("a", []float32{1, 0, 0}))
	require.NoError(t, idx.SaveIndex(dir))

	entries, err := ReadQuantizedSnapshot(filepath.Join(dir, quantizedFileName), 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 1.0, math.Abs(float64(entries[0].Vector[0])), 0.05)

	// Quantizing replaces index.bin rather than supplementing it, so the
	// on-disk footprint actually shrinks.
	_, err = os.Stat(filepath.Join(dir, indexFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveAndLoadIndex_Int8QuantizationRoundTripsSearchable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "col")
	idx := NewIndex(Config{Dimension: 3, Metric: MetricCosine, Quantization: QuantizationInt8})
	require.NoError(t, idx.AddEntity("a", []float32{1, 0, 0}))
	require.NoError(t, idx.AddEntity("b", []float32{0, 1, 0}))
	require.NoError(t, idx.SaveIndex(dir))

	loaded, err := LoadIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Count())

	hits, err := loaded.SearchKnn([]float32{1, 0, 0}, 1, 0, nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].PK)
}
