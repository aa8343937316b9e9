package timeseries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGorillaEncoder_RoundTripsSingleSample(t *testing.T) {
	enc := newGorillaEncoder()
	enc.Append(1000, 3.5)

	samples, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(1000), samples[0].Timestamp)
	assert.Equal(t, 3.5, samples[0].Value)
}

func TestGorillaEncoder_RoundTripsRegularCadence(t *testing.T) {
	enc := newGorillaEncoder()
	base := int64(1_700_000_000_000)
	for i := 0; i < 50; i++ {
		enc.Append(base+int64(i)*1000, float64(i))
	}

	samples, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, samples, 50)
	for i, sm := range samples {
		assert.Equal(t, base+int64(i)*1000, sm.Timestamp)
		assert.Equal(t, float64(i), sm.Value)
	}
}

func TestGorillaEncoder_RoundTripsIrregularTimestampsAndRepeatedValues(t *testing.T) {
	enc := newGorillaEncoder()
	points := []struct {
		ts  int64
		val float64
	}{
		{0, 1.0}, {200, 1.0}, {500, 1.0}, {530, 2.5}, {10000, 2.5}, {10001, -3.25},
	}
	for _, p := range points {
		enc.Append(p.ts, p.val)
	}

	samples, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, samples, len(points))
	for i, p := range points {
		assert.Equal(t, p.ts, samples[i].Timestamp)
		assert.Equal(t, p.val, samples[i].Value)
	}
}

func TestGorillaEncoder_RoundTripsLargeDeltaOfDeltaFallback(t *testing.T) {
	enc := newGorillaEncoder()
	enc.Append(0, 1.0)
	enc.Append(100, 2.0)
	enc.Append(1_000_000, 3.0) // forces the 64-bit dod fallback branch

	samples, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, int64(1_000_000), samples[2].Timestamp)
	assert.Equal(t, 3.0, samples[2].Value)
}

func TestGorillaEncoder_BytesIsQueryableMidChunk(t *testing.T) {
	enc := newGorillaEncoder()
	enc.Append(0, 1.0)
	partial := enc.Bytes()

	samples, err := Decode(partial)
	require.NoError(t, err)
	require.Len(t, samples, 1)

	enc.Append(1000, 2.0)
	full := enc.Bytes()
	samples, err = Decode(full)
	require.NoError(t, err)
	require.Len(t, samples, 2)
}

func TestDecode_TruncatedHeaderReturnsCorruptError(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}
