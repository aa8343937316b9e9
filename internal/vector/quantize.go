package vector

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/kvdb/engine/internal/errors"
)

// quantizeVector maps a float32 vector onto signed bytes using a single
// per-vector scale: each component divides by scale and rounds to the
// nearest int8, where scale is the vector's max absolute component over
// 127 (so the largest-magnitude component maps to ±127 and the mapping is
// exact to within half a quantization step). A zero vector quantizes to an
// all-zero byte vector with scale 0.
func quantizeVector(v []float32) (q []int8, scale float32) {
	var maxAbs float32
	for _, x := range v {
		a := x
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return make([]int8, len(v)), 0
	}
	scale = maxAbs / 127
	q = make([]int8, len(v))
	for i, x := range v {
		n := math.Round(float64(x / scale))
		if n > 127 {
			n = 127
		}
		if n < -127 {
			n = -127
		}
		q[i] = int8(n)
	}
	return q, scale
}

// dequantizeVector reverses quantizeVector, decoding on demand.
func dequantizeVector(q []int8, scale float32) []float32 {
	v := make([]float32, len(q))
	for i, n := range q {
		v[i] = float32(n) * scale
	}
	return v
}

// quantizedFileName holds the int8 scalar-quantized snapshot of a
// collection, written in place of index.bin when meta.txt's quantization
// mode is "int8" to shrink the on-disk footprint. LoadIndex dequantizes it
// back to float32 and re-inserts every vector, so the live search graph is
// still full precision in memory; only the persisted form is lossy.
const quantizedFileName = "vectors.i8"

// saveQuantized writes one (label, scale, quantized bytes) record per live
// vector, ordered by ascending label.
func (idx *Index) saveQuantized(path string) error {
	labels := make([]uint64, 0, len(idx.keyMap))
	for label := range idx.keyMap {
		labels = append(labels, label)
	}
	sortUint64(labels)

	buf := make([]byte, 0, len(labels)*(8+4+idx.cfg.Dimension))
	for _, label := range labels {
		v, ok := idx.vectors[label]
		if !ok {
			continue
		}
		q, scale := quantizeVector(v)
		buf = binary.BigEndian.AppendUint64(buf, label)
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(scale))
		for _, b := range q {
			buf = append(buf, byte(b))
		}
	}
	return writeAtomic(path, buf)
}

func sortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// QuantizedEntry is one decoded record from a vectors.i8 snapshot.
type QuantizedEntry struct {
	Label  uint64
	Vector []float32
}

// ReadQuantizedSnapshot decodes a vectors.i8 file written by SaveIndex,
// dequantizing every entry back to float32.
func ReadQuantizedSnapshot(path string, dim int) ([]QuantizedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.Corrupt, "vector.ReadQuantizedSnapshot", err)
	}
	recSize := 8 + 4 + dim
	if recSize <= 0 || len(data)%recSize != 0 {
		return nil, errors.New(errors.Corrupt, "vector.ReadQuantizedSnapshot", "truncated quantized snapshot")
	}
	n := len(data) / recSize
	out := make([]QuantizedEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * recSize
		label := binary.BigEndian.Uint64(data[off:])
		scale := math.Float32frombits(binary.BigEndian.Uint32(data[off+8:]))
		q := make([]int8, dim)
		for j := 0; j < dim; j++ {
			q[j] = int8(data[off+12+j])
		}
		out = append(out, QuantizedEntry{Label: label, Vector: dequantizeVector(q, scale)})
	}
	return out, nil
}
