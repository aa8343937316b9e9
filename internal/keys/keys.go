// Package keys builds the byte-string keys stored in the ordered key-value
// engine for every data family: primary rows, secondary/range/sparse/geo/ttl
// indexes, fulltext postings, graph adjacency, time-series chunks, and
// change-feed records. Every exported function is pure: given the same
// inputs it always produces the same key, and the key's byte order matches
// the order callers expect from a prefix or range scan.
package keys

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

const sep = ":"

func join(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

// Entity builds the primary-row key for table/pk: entity:<table>:<pk>.
func Entity(table, pk string) []byte {
	return join("entity", table, pk)
}

// EntityPrefix builds the scan prefix for every row of a table.
func EntityPrefix(table string) []byte {
	return join("entity", table, "")
}

// IndexEqual builds an equality/sparse index entry key:
// idx:<table>:<col>:<encoded_value>:<pk>.
func IndexEqual(table, col string, encodedValue []byte, pk string) []byte {
	return indexKey(table, col, encodedValue, pk)
}

// IndexEqualPrefix builds the scan prefix for one column value, used by
// scanEqual to enumerate every pk sharing that value.
func IndexEqualPrefix(table, col string, encodedValue []byte) []byte {
	return indexKey(table, col, encodedValue, "")
}

// IndexColumnPrefix builds the scan prefix for an entire column, used by
// scanRange to walk every encoded value in ascending order.
func IndexColumnPrefix(table, col string) []byte {
	b := join("idx", table, col)
	return append(b, sep[0])
}

func indexKey(table, col string, encodedValue []byte, pk string) []byte {
	b := join("idx", table, col)
	b = append(b, sep[0])
	b = append(b, encodedValue...)
	b = append(b, sep[0])
	b = append(b, []byte(pk)...)
	return b
}

// GeoCell builds a geo-cell index key: idx:<table>:<col>:geo:<cellToken>:<pk>.
func GeoCell(table, col, cellToken, pk string) []byte {
	return join("idx", table, col, "geo", cellToken, pk)
}

// GeoCellPrefix builds the scan prefix for a single geo cell.
func GeoCellPrefix(table, col, cellToken string) []byte {
	return join("idx", table, col, "geo", cellToken, "")
}

// TTL builds a TTL index key: ttl:<epoch_ms>:<pk>. The timestamp is encoded
// big-endian so ascending byte order enumerates expirations in time order.
func TTL(epochMillis int64, pk string) []byte {
	b := make([]byte, 0, 4+8+1+len(pk))
	b = append(b, []byte("ttl:")...)
	b = binary.BigEndian.AppendUint64(b, uint64(epochMillis))
	b = append(b, sep[0])
	b = append(b, []byte(pk)...)
	return b
}

// TTLPrefix builds the scan prefix for all TTL entries.
func TTLPrefix() []byte {
	return []byte("ttl:")
}

// TTLBefore builds the exclusive upper bound for a TTL sweep up to (but not
// including) epochMillis: every key less than this bound has expired.
func TTLBefore(epochMillis int64) []byte {
	b := make([]byte, 0, 4+8)
	b = append(b, []byte("ttl:")...)
	b = binary.BigEndian.AppendUint64(b, uint64(epochMillis))
	return b
}

// Fulltext builds an inverted-postings key:
// ft:<table>:<field>:<term>:<pk>.
func Fulltext(table, field, term, pk string) []byte {
	return join("ft", table, field, term, pk)
}

// FulltextTermPrefix builds the scan prefix for every posting of one term.
func FulltextTermPrefix(table, field, term string) []byte {
	return join("ft", table, field, term, "")
}

// FulltextDocLen builds the key holding one document's token count for a
// fulltext field, used as the length-normalization term in BM25 scoring:
// ftlen:<table>:<field>:<pk>.
func FulltextDocLen(table, field, pk string) []byte {
	return join("ftlen", table, field, pk)
}

// FulltextStats builds the well-known key holding the aggregate document
// count and total token count for a fulltext field, used to compute the
// corpus average document length: ftstats:<table>:<field>.
func FulltextStats(table, field string) []byte {
	return join("ftstats", table, field)
}

// GraphOut builds an outbound adjacency key:
// graph:out:<graph_id>:<from_pk>:<edge_id>.
func GraphOut(graphID, fromPK, edgeID string) []byte {
	return join("graph", "out", graphID, fromPK, edgeID)
}

// GraphOutPrefix builds the scan prefix for every outbound edge of fromPK.
func GraphOutPrefix(graphID, fromPK string) []byte {
	return join("graph", "out", graphID, fromPK, "")
}

// GraphIn builds an inbound adjacency key:
// graph:in:<graph_id>:<to_pk>:<edge_id>.
func GraphIn(graphID, toPK, edgeID string) []byte {
	return join("graph", "in", graphID, toPK, edgeID)
}

// GraphInPrefix builds the scan prefix for every inbound edge of toPK.
func GraphInPrefix(graphID, toPK string) []byte {
	return join("graph", "in", graphID, toPK, "")
}

// GraphLabel builds a graph-node label index key:
// label:<graph_id>:<label>:<pk>.
func GraphLabel(graphID, label, pk string) []byte {
	return join("label", graphID, label, pk)
}

// GraphLabelPrefix builds the scan prefix for every node carrying a label.
func GraphLabelPrefix(graphID, label string) []byte {
	return join("label", graphID, label, "")
}

// GraphType builds a graph-edge type index key:
// type:<graph_id>:<type>:<edge_id>.
func GraphType(graphID, edgeType, edgeID string) []byte {
	return join("type", graphID, edgeType, edgeID)
}

// GraphTypePrefix builds the scan prefix for every edge of a given type.
func GraphTypePrefix(graphID, edgeType string) []byte {
	return join("type", graphID, edgeType, "")
}

// TimeseriesChunk builds a time-series chunk key:
// ts:<series>:<chunk_start>. chunkStart is encoded big-endian so chunks
// iterate in chronological order under a prefix scan.
func TimeseriesChunk(series string, chunkStart int64) []byte {
	b := append(join("ts", series), sep[0])
	b = binary.BigEndian.AppendUint64(b, uint64(chunkStart))
	return b
}

// TimeseriesPrefix builds the scan prefix for every chunk of one series.
func TimeseriesPrefix(series string) []byte {
	return append(join("ts", series), sep[0])
}

// ChangeFeed builds a change-feed record key: cdc:<seq>. seq is encoded
// big-endian so ascending byte order equals commit order.
func ChangeFeed(seq uint64) []byte {
	b := []byte("cdc:")
	return binary.BigEndian.AppendUint64(b, seq)
}

// ChangeFeedAfter builds the exclusive lower bound for reading records
// strictly after seq.
func ChangeFeedAfter(seq uint64) []byte {
	return ChangeFeed(seq + 1)
}

// ChangeFeedPrefix builds the scan prefix for every change-feed record.
func ChangeFeedPrefix() []byte {
	return []byte("cdc:")
}

// changeSeqKey is the well-known key holding the monotonic commit-sequence
// counter.
var changeSeqKey = []byte("meta:commit_seq")

// ChangeSeqCounter returns the well-known key for the commit-sequence counter.
func ChangeSeqCounter() []byte {
	return changeSeqKey
}

// AuditRecord builds an audit-log record key: audit:<seq>. seq is encoded
// big-endian so ascending byte order equals append order.
func AuditRecord(seq uint64) []byte {
	b := []byte("audit:")
	return binary.BigEndian.AppendUint64(b, seq)
}

// AuditPrefix builds the scan prefix for every audit record.
func AuditPrefix() []byte {
	return []byte("audit:")
}

// auditSeqKey is the well-known key holding the monotonic audit-sequence
// counter.
var auditSeqKey = []byte("meta:audit_seq")

// AuditSeqCounter returns the well-known key for the audit-sequence counter.
func AuditSeqCounter() []byte {
	return auditSeqKey
}

// EncodeInt64 produces an order-preserving big-endian encoding of a signed
// 64-bit integer: flipping the sign bit maps the two's-complement range onto
// an unsigned range with the same ordering, so ascending byte order equals
// ascending numeric order.
func EncodeInt64(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, u)
	return b
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

// EncodeFloat64 produces an order-preserving big-endian encoding of an
// IEEE-754 double: non-negative values get their sign bit set (pushing them
// above all negatives), negative values have every bit flipped (reversing
// their order so more-negative sorts lower), matching the standard
// bit-twiddling trick for sortable float keys.
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return b
}

// DecodeFloat64 reverses EncodeFloat64.
func DecodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// EncodeString produces an order-preserving encoding of a string: UTF-8
// bytes already sort in codepoint order, so this is the identity, but a
// trailing NUL terminator is appended so no value is ever a byte-prefix of
// another with extra trailing characters appended.
func EncodeString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	b[len(s)] = 0
	return b
}

// EncodeBool produces a one-byte ordering where false < true.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// FormatPK renders common primary-key shapes (already a string, or an
// integer-like counter) into the canonical string used inside keys.
func FormatPK(pk interface{}) string {
	switch v := pk.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}
