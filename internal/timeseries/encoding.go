package timeseries

import (
	"encoding/binary"
	"math"
)

func mathFloat64bits(v float64) uint64    { return math.Float64bits(v) }
func mathFloat64frombits(v uint64) float64 { return math.Float64frombits(v) }

func appendUint32(buf []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(buf, v) }
func appendUint64(buf []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(buf, v) }
func appendInt64(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v))
}

func readUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func readUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
func readInt64(b []byte) int64   { return int64(binary.BigEndian.Uint64(b)) }
