// Package timeseries implements chunked time-series storage: append-time
// Gorilla-style compression (delta-of-delta timestamps, XOR'd values with
// leading/trailing zero-run elision), range query over decoded samples, and
// streaming min/max/avg/sum/count aggregation, plus continuously
// maintained rollup series.
package timeseries

import (
	"math/bits"

	"github.com/kvdb/engine/internal/errors"
)

// Sample is one decoded (timestamp, value) point. Timestamps are
// milliseconds since the Unix epoch.
type Sample struct {
	Timestamp int64
	Value     float64
}

// bitWriter accumulates bits MSB-first into a growing byte buffer.
type bitWriter struct {
	buf     []byte
	cur     byte
	curBits int
}

func (w *bitWriter) writeBit(b uint64) {
	w.cur = (w.cur << 1) | byte(b&1)
	w.curBits++
	if w.curBits == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur = 0
		w.curBits = 0
	}
}

// writeBits writes the low nbits of v, most significant bit first.
func (w *bitWriter) writeBits(v uint64, nbits int) {
	for i := nbits - 1; i >= 0; i-- {
		w.writeBit((v >> uint(i)) & 1)
	}
}

// bytes returns the buffer so far, padding the in-progress byte with zero
// bits. Padding never corrupts decode because the caller always knows the
// exact sample count and stops reading once every sample is decoded.
func (w *bitWriter) bytes() []byte {
	if w.curBits == 0 {
		return w.buf
	}
	out := make([]byte, len(w.buf)+1)
	copy(out, w.buf)
	out[len(w.buf)] = w.cur << uint(8-w.curBits)
	return out
}

type bitReader struct {
	buf     []byte
	bytePos int
	bitPos  int // 0 = MSB of buf[bytePos] not yet consumed
}

func (r *bitReader) readBit() (uint64, error) {
	if r.bytePos >= len(r.buf) {
		return 0, errors.New(errors.Corrupt, "timeseries.bitReader", "unexpected end of bitstream")
	}
	bit := (r.buf[r.bytePos] >> uint(7-r.bitPos)) & 1
	r.bitPos++
	if r.bitPos == 8 {
		r.bitPos = 0
		r.bytePos++
	}
	return uint64(bit), nil
}

func (r *bitReader) readBits(nbits int) (uint64, error) {
	var v uint64
	for i := 0; i < nbits; i++ {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = (v << 1) | b
	}
	return v, nil
}

// sentinelZeroRun marks "no previous XOR window" at the start of a chunk.
const sentinelZeroRun = -1

// gorillaEncoder builds one chunk's compressed byte stream incrementally:
// each Append call extends the in-progress bitstream, and Bytes() returns
// a self-contained snapshot that Decode can read at any point, including
// mid-chunk (the still-open chunk is always fully queryable).
type gorillaEncoder struct {
	w bitWriter

	count int

	firstTS    int64
	firstValue float64

	prevTS    int64
	prevDelta int64

	prevValueBits  uint64
	prevLeading    int
	prevTrailing   int
}

func newGorillaEncoder() *gorillaEncoder {
	return &gorillaEncoder{prevLeading: sentinelZeroRun, prevTrailing: sentinelZeroRun}
}

// Append adds one sample to the chunk, extending the compressed stream.
func (e *gorillaEncoder) Append(ts int64, value float64) {
	if e.count == 0 {
		e.firstTS = ts
		e.firstValue = value
		e.prevTS = ts
		e.prevValueBits = float64Bits(value)
		e.count = 1
		return
	}

	delta := ts - e.prevTS
	e.encodeTimestamp(delta)
	e.encodeValue(value)

	e.prevDelta = delta
	e.prevTS = ts
	e.prevValueBits = float64Bits(value)
	e.count++
}

func (e *gorillaEncoder) encodeTimestamp(delta int64) {
	dod := delta - e.prevDelta
	w := &e.w
	switch {
	case dod == 0:
		w.writeBits(0, 1)
	case dod >= -63 && dod <= 64:
		w.writeBits(0b10, 2)
		w.writeBits(uint64(dod+63)&0x7F, 7)
	case dod >= -255 && dod <= 256:
		w.writeBits(0b110, 3)
		w.writeBits(uint64(dod+255)&0x1FF, 9)
	case dod >= -2047 && dod <= 2048:
		w.writeBits(0b1110, 4)
		w.writeBits(uint64(dod+2047)&0xFFF, 12)
	default:
		w.writeBits(0b1111, 4)
		w.writeBits(uint64(dod), 64)
	}
}

func (e *gorillaEncoder) encodeValue(value float64) {
	bitsVal := float64Bits(value)
	xor := bitsVal ^ e.prevValueBits
	w := &e.w
	if xor == 0 {
		w.writeBits(0, 1)
		return
	}
	leading := bits.LeadingZeros64(xor)
	trailing := bits.TrailingZeros64(xor)
	if leading > 31 {
		leading = 31 // fits the 5-bit field below
	}

	if e.prevLeading != sentinelZeroRun && leading >= e.prevLeading && trailing >= e.prevTrailing {
		w.writeBits(0b10, 2)
		meaningful := 64 - e.prevLeading - e.prevTrailing
		w.writeBits((xor>>uint(e.prevTrailing))&mask(meaningful), meaningful)
		return
	}

	w.writeBits(0b11, 2)
	w.writeBits(uint64(leading), 5)
	meaningful := 64 - leading - trailing
	w.writeBits(uint64(meaningful-1), 6)
	w.writeBits((xor>>uint(trailing))&mask(meaningful), meaningful)
	e.prevLeading = leading
	e.prevTrailing = trailing
}

func mask(nbits int) uint64 {
	if nbits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(nbits)) - 1
}

func float64Bits(v float64) uint64 {
	return mathFloat64bits(v)
}

// Bytes returns a header (sample count, first timestamp, first value)
// followed by the bitstream, decodable by Decode.
func (e *gorillaEncoder) Bytes() []byte {
	out := make([]byte, 0, 20+len(e.w.buf))
	out = appendUint32(out, uint32(e.count))
	out = appendInt64(out, e.firstTS)
	out = appendUint64(out, float64Bits(e.firstValue))
	out = append(out, e.w.bytes()...)
	return out
}

// Decode parses a chunk byte stream back into its samples.
func Decode(data []byte) ([]Sample, error) {
	if len(data) < 20 {
		return nil, errors.New(errors.Corrupt, "timeseries.Decode", "truncated chunk header")
	}
	count := int(readUint32(data))
	firstTS := readInt64(data[4:])
	firstValue := mathFloat64frombits(readUint64(data[12:]))

	samples := make([]Sample, 0, count)
	samples = append(samples, Sample{Timestamp: firstTS, Value: firstValue})
	if count == 1 {
		return samples, nil
	}

	r := &bitReader{buf: data[20:]}
	prevTS := firstTS
	prevDelta := int64(0)
	prevValueBits := float64Bits(firstValue)
	prevLeading, prevTrailing := sentinelZeroRun, sentinelZeroRun

	for i := 1; i < count; i++ {
		dod, err := decodeDod(r)
		if err != nil {
			return nil, err
		}
		delta := prevDelta + dod
		ts := prevTS + delta

		valueBits, newLeading, newTrailing, err := decodeValue(r, prevValueBits, prevLeading, prevTrailing)
		if err != nil {
			return nil, err
		}

		samples = append(samples, Sample{Timestamp: ts, Value: mathFloat64frombits(valueBits)})
		prevTS, prevDelta = ts, delta
		prevValueBits = valueBits
		if newLeading >= 0 {
			prevLeading, prevTrailing = newLeading, newTrailing
		}
	}
	return samples, nil
}

func decodeDod(r *bitReader) (int64, error) {
	b, err := r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return 0, nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		v, err := r.readBits(7)
		if err != nil {
			return 0, err
		}
		return int64(v) - 63, nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		v, err := r.readBits(9)
		if err != nil {
			return 0, err
		}
		return int64(v) - 255, nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		v, err := r.readBits(12)
		if err != nil {
			return 0, err
		}
		return int64(v) - 2047, nil
	}
	v, err := r.readBits(64)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func decodeValue(r *bitReader, prevBits uint64, prevLeading, prevTrailing int) (uint64, int, int, error) {
	b, err := r.readBit()
	if err != nil {
		return 0, 0, 0, err
	}
	if b == 0 {
		return prevBits, -1, -1, nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, 0, 0, err
	}
	if b == 0 {
		meaningful := 64 - prevLeading - prevTrailing
		v, err := r.readBits(meaningful)
		if err != nil {
			return 0, 0, 0, err
		}
		xor := v << uint(prevTrailing)
		return prevBits ^ xor, -1, -1, nil
	}
	leadingU, err := r.readBits(5)
	if err != nil {
		return 0, 0, 0, err
	}
	lenU, err := r.readBits(6)
	if err != nil {
		return 0, 0, 0, err
	}
	leading := int(leadingU)
	meaningful := int(lenU) + 1
	trailing := 64 - leading - meaningful
	v, err := r.readBits(meaningful)
	if err != nil {
		return 0, 0, 0, err
	}
	xor := v << uint(trailing)
	return prevBits ^ xor, leading, trailing, nil
}
