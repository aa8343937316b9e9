// Package codec implements the compact binary encoding for entities: the
// unordered field-name to tagged-value mappings stored under every primary
// row. The format supports single-field extraction without building the
// whole field map, and a stable JSON form for interchange. Extraction is
// not O(1): it walks the fields that precede the requested one in order.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/kvdb/engine/internal/errors"
)

// Tag identifies the type of an encoded field value.
type Tag byte

const (
	TagNull Tag = iota
	TagBool
	TagInt64
	TagFloat64
	TagString
	TagBytes
	TagVector
)

// Value is a single tagged field value. Exactly one of the typed fields is
// meaningful for a given Tag.
type Value struct {
	Tag    Tag
	Bool   bool
	Int64  int64
	Float  float64
	Str    string
	Bytes  []byte
	Vector []float32
}

func NullValue() Value               { return Value{Tag: TagNull} }
func BoolValue(v bool) Value         { return Value{Tag: TagBool, Bool: v} }
func IntValue(v int64) Value         { return Value{Tag: TagInt64, Int64: v} }
func FloatValue(v float64) Value     { return Value{Tag: TagFloat64, Float: v} }
func StringValue(v string) Value     { return Value{Tag: TagString, Str: v} }
func BytesValue(v []byte) Value      { return Value{Tag: TagBytes, Bytes: v} }
func VectorValue(v []float32) Value  { return Value{Tag: TagVector, Vector: v} }
func (v Value) IsNull() bool         { return v.Tag == TagNull }

// Entity is the decoded in-memory form: an unordered field-name to value mapping.
type Entity map[string]Value

// Encode serializes fields into the compact binary format: a uint32 field
// count, then for each field a length-prefixed name, a one-byte type tag,
// and a tag-specific payload.
func Encode(fields Entity) ([]byte, error) {
	buf := make([]byte, 0, 64*len(fields)+4)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(fields)))

	for name, val := range fields {
		if len(name) > math.MaxUint16 {
			return nil, errors.New(errors.InvalidArgument, "codec.Encode", "field name too long")
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
		buf = append(buf, name...)
		buf = append(buf, byte(val.Tag))

		var err error
		buf, err = appendPayload(buf, val)
		if err != nil {
			return nil, errors.Wrap(errors.InvalidArgument, "codec.Encode", err)
		}
	}
	return buf, nil
}

func appendPayload(buf []byte, val Value) ([]byte, error) {
	switch val.Tag {
	case TagNull:
		return buf, nil
	case TagBool:
		if val.Bool {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case TagInt64:
		return binary.BigEndian.AppendUint64(buf, uint64(val.Int64)), nil
	case TagFloat64:
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(val.Float)), nil
	case TagString:
		if len(val.Str) > math.MaxUint32 {
			return nil, fmt.Errorf("string field too large")
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(val.Str)))
		return append(buf, val.Str...), nil
	case TagBytes:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(val.Bytes)))
		return append(buf, val.Bytes...), nil
	case TagVector:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(val.Vector)))
		for _, f := range val.Vector {
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(f))
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unknown field tag %d", val.Tag)
	}
}

// Decode parses the full entity from its binary encoding.
func Decode(data []byte) (Entity, error) {
	fields, _, err := decodeAll(data)
	return fields, err
}

func decodeAll(data []byte) (Entity, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.New(errors.Corrupt, "codec.Decode", "truncated entity header")
	}
	count := binary.BigEndian.Uint32(data)
	off := 4

	fields := make(Entity, count)
	for i := uint32(0); i < count; i++ {
		name, val, next, err := decodeField(data, off)
		if err != nil {
			return nil, 0, err
		}
		fields[name] = val
		off = next
	}
	return fields, off, nil
}

// decodeField decodes one name/tag/payload triple starting at off, returning
// the name, value, and the offset immediately after it.
func decodeField(data []byte, off int) (string, Value, int, error) {
	if off+2 > len(data) {
		return "", Value{}, 0, errors.New(errors.Corrupt, "codec.decodeField", "truncated field name length")
	}
	nameLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+nameLen+1 > len(data) {
		return "", Value{}, 0, errors.New(errors.Corrupt, "codec.decodeField", "truncated field name")
	}
	name := string(data[off : off+nameLen])
	off += nameLen
	tag := Tag(data[off])
	off += 1

	val, next, err := decodePayload(data, off, tag)
	if err != nil {
		return "", Value{}, 0, err
	}
	return name, val, next, nil
}

func decodePayload(data []byte, off int, tag Tag) (Value, int, error) {
	switch tag {
	case TagNull:
		return Value{Tag: TagNull}, off, nil
	case TagBool:
		if off+1 > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated bool")
		}
		return Value{Tag: TagBool, Bool: data[off] != 0}, off + 1, nil
	case TagInt64:
		if off+8 > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated int64")
		}
		return Value{Tag: TagInt64, Int64: int64(binary.BigEndian.Uint64(data[off:]))}, off + 8, nil
	case TagFloat64:
		if off+8 > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated float64")
		}
		bits := binary.BigEndian.Uint64(data[off:])
		return Value{Tag: TagFloat64, Float: math.Float64frombits(bits)}, off + 8, nil
	case TagString:
		if off+4 > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated string length")
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated string")
		}
		return Value{Tag: TagString, Str: string(data[off : off+n])}, off + n, nil
	case TagBytes:
		if off+4 > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated bytes length")
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated bytes")
		}
		out := make([]byte, n)
		copy(out, data[off:off+n])
		return Value{Tag: TagBytes, Bytes: out}, off + n, nil
	case TagVector:
		if off+4 > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated vector length")
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n*4 > len(data) {
			return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", "truncated vector")
		}
		vec := make([]float32, n)
		for i := 0; i < n; i++ {
			vec[i] = math.Float32frombits(binary.BigEndian.Uint32(data[off:]))
			off += 4
		}
		return Value{Tag: TagVector, Vector: vec}, off, nil
	default:
		return Value{}, 0, errors.New(errors.Corrupt, "codec.decodePayload", fmt.Sprintf("unknown field tag %d", tag))
	}
}

// ExtractField scans the encoding for a single field without decoding the
// rest of the record, returning ok=false if the field is absent.
func ExtractField(data []byte, name string) (Value, bool, error) {
	if len(data) < 4 {
		return Value{}, false, errors.New(errors.Corrupt, "codec.ExtractField", "truncated entity header")
	}
	count := binary.BigEndian.Uint32(data)
	off := 4

	for i := uint32(0); i < count; i++ {
		fieldName, val, next, err := decodeField(data, off)
		if err != nil {
			return Value{}, false, err
		}
		if fieldName == name {
			return val, true, nil
		}
		off = next
	}
	return Value{}, false, nil
}

// ExtractAllFields decodes the full mapping; it is equivalent to Decode but
// named to mirror the contract in the component design.
func ExtractAllFields(data []byte) (Entity, error) {
	return Decode(data)
}

// ExtractVector extracts a named field as a float vector, returning
// ok=false if the field is absent or not a vector.
func ExtractVector(data []byte, name string) ([]float32, bool, error) {
	val, ok, err := ExtractField(data, name)
	if err != nil || !ok || val.Tag != TagVector {
		return nil, false, err
	}
	return val.Vector, true, nil
}

// jsonValue is the textual interchange shape for one field.
type jsonValue struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value,omitempty"`
}

// EncodeJSON renders an entity to its canonical textual interchange form.
func EncodeJSON(fields Entity) ([]byte, error) {
	out := make(map[string]jsonValue, len(fields))
	for name, val := range fields {
		switch val.Tag {
		case TagNull:
			out[name] = jsonValue{Type: "null"}
		case TagBool:
			out[name] = jsonValue{Type: "bool", Value: val.Bool}
		case TagInt64:
			out[name] = jsonValue{Type: "int", Value: val.Int64}
		case TagFloat64:
			out[name] = jsonValue{Type: "float", Value: val.Float}
		case TagString:
			out[name] = jsonValue{Type: "string", Value: val.Str}
		case TagBytes:
			out[name] = jsonValue{Type: "bytes", Value: val.Bytes}
		case TagVector:
			out[name] = jsonValue{Type: "vector", Value: val.Vector}
		}
	}
	return json.Marshal(out)
}
