package changefeed

import (
	"encoding/binary"

	"github.com/kvdb/engine/internal/errors"
)

// EventType names the kind of mutation a change-feed record describes.
type EventType byte

const (
	EventPut EventType = iota + 1
	EventDelete
)

// Event is one committed mutation, ordered by Seq.
type Event struct {
	Seq             uint64
	Type            EventType
	Key             string
	Old             []byte // nil if the key did not exist before this mutation
	New             []byte // nil for a delete
	TimestampMillis int64
	Metadata        map[string]string
}

// encodeEvent serializes an event to its stored record bytes. The format
// is a flat sequence of length-prefixed fields; -1 length marks a nil
// byte slice distinctly from a present-but-empty one.
func encodeEvent(e Event) []byte {
	buf := make([]byte, 0, 64+len(e.Key)+len(e.Old)+len(e.New))
	buf = append(buf, byte(e.Type))
	buf = appendInt64(buf, e.TimestampMillis)
	buf = appendBytes(buf, []byte(e.Key))
	buf = appendOptionalBytes(buf, e.Old)
	buf = appendOptionalBytes(buf, e.New)
	buf = appendUint32(buf, uint32(len(e.Metadata)))
	for k, v := range e.Metadata {
		buf = appendBytes(buf, []byte(k))
		buf = appendBytes(buf, []byte(v))
	}
	return buf
}

// decodeEvent parses a record back into an Event. seq is supplied by the
// caller from the record's key, since it is not duplicated in the value.
func decodeEvent(seq uint64, data []byte) (Event, error) {
	r := &byteReader{buf: data}
	typByte, err := r.readByte()
	if err != nil {
		return Event{}, err
	}
	ts, err := r.readInt64()
	if err != nil {
		return Event{}, err
	}
	key, err := r.readBytes()
	if err != nil {
		return Event{}, err
	}
	old, err := r.readOptionalBytes()
	if err != nil {
		return Event{}, err
	}
	next, err := r.readOptionalBytes()
	if err != nil {
		return Event{}, err
	}
	metaCount, err := r.readUint32()
	if err != nil {
		return Event{}, err
	}
	var meta map[string]string
	if metaCount > 0 {
		meta = make(map[string]string, metaCount)
		for i := uint32(0); i < metaCount; i++ {
			k, err := r.readBytes()
			if err != nil {
				return Event{}, err
			}
			v, err := r.readBytes()
			if err != nil {
				return Event{}, err
			}
			meta[string(k)] = string(v)
		}
	}
	return Event{
		Seq:             seq,
		Type:            EventType(typByte),
		Key:             string(key),
		Old:             old,
		New:             next,
		TimestampMillis: ts,
		Metadata:        meta,
	}, nil
}

func appendInt64(buf []byte, v int64) []byte { return binary.BigEndian.AppendUint64(buf, uint64(v)) }
func appendUint32(buf []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(buf, v) }

func appendBytes(buf, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

// appendOptionalBytes distinguishes nil from empty-but-present by writing
// a sentinel length of 0xFFFFFFFF for nil.
func appendOptionalBytes(buf, v []byte) []byte {
	if v == nil {
		return appendUint32(buf, 0xFFFFFFFF)
	}
	return appendBytes(buf, v)
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return errors.New(errors.Corrupt, "changefeed.decodeEvent", "truncated record")
	}
	return nil
}

func (r *byteReader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readInt64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *byteReader) readUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readBytes() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) readOptionalBytes() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if n == 0xFFFFFFFF {
		return nil, nil
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}
