package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/query"
)

func encodeResult(res query.Result) ([]byte, error)     { return json.Marshal(res) }
func decodeResult(data []byte, out *query.Result) error { return json.Unmarshal(data, out) }

// cursorTokenVersion is bumped whenever the cursor token's wire shape
// changes incompatibly; EncodeCursor stamps it, DecodeCursor rejects
// anything else.
const cursorTokenVersion = 1

type cursorToken struct {
	PK         string     `json:"pk"`
	Collection string     `json:"collection"`
	Version    int        `json:"version"`
	Value      codecValue `json:"value"`
}

// codecValue mirrors codec.Value's exported fields for JSON round-tripping
// inside a cursor token, kept separate so the wire shape doesn't silently
// change if codec.Value grows fields for unrelated reasons.
type codecValue struct {
	Tag    int     `json:"tag"`
	Bool   bool    `json:"bool,omitempty"`
	Int64  int64   `json:"int64,omitempty"`
	Float  float64 `json:"float,omitempty"`
	Str    string  `json:"str,omitempty"`
	Bytes  []byte  `json:"bytes,omitempty"`
}

// EncodeCursor produces the opaque base64 cursor token described in
// spec.md §6: a record carrying the anchor primary key, the table
// ("collection") the cursor was issued for, and a token version, so a
// later DecodeCursor call can validate it's being resumed against the
// same query.
func (e *Engine) EncodeCursor(table string, cur query.Cursor) (string, error) {
	tok := cursorToken{
		PK:         cur.PK,
		Collection: table,
		Version:    cursorTokenVersion,
		Value: codecValue{
			Tag:   int(cur.Value.Tag),
			Bool:  cur.Value.Bool,
			Int64: cur.Value.Int64,
			Float: cur.Value.Float,
			Str:   cur.Value.Str,
			Bytes: cur.Value.Bytes,
		},
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", errors.Wrap(errors.Internal, "engine.EncodeCursor", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a token produced by EncodeCursor, rejecting it if it
// was issued for a different table than the one the caller is about to
// resume scanning.
func (e *Engine) DecodeCursor(table, token string) (query.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return query.Cursor{}, errors.Wrap(errors.InvalidArgument, "engine.DecodeCursor", err)
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return query.Cursor{}, errors.Wrap(errors.InvalidArgument, "engine.DecodeCursor", err)
	}
	if tok.Version != cursorTokenVersion {
		return query.Cursor{}, errors.New(errors.InvalidArgument, "engine.DecodeCursor", "unsupported cursor token version")
	}
	if tok.Collection != table {
		return query.Cursor{}, errors.New(errors.InvalidArgument, "engine.DecodeCursor", "cursor was issued for a different table")
	}
	return query.Cursor{
		PK:    tok.PK,
		Value: codecValueToValue(tok.Value),
	}, nil
}

func codecValueToValue(v codecValue) codec.Value {
	return codec.Value{
		Tag:   codec.Tag(v.Tag),
		Bool:  v.Bool,
		Int64: v.Int64,
		Float: v.Float,
		Str:   v.Str,
		Bytes: v.Bytes,
	}
}

// Query executes req and returns the matching primary keys.
func (e *Engine) Query(ctx context.Context, req query.Request) (query.Result, error) {
	return e.queries.Query(ctx, req)
}

// Explain runs req and reports which mode(s) executed alongside the
// result, for callers building a tracing span attribute set.
type Explain struct {
	Result query.Result
	Modes  []query.Mode
}

// ExplainQuery runs req and additionally reports which execution mode(s)
// ran, per spec.md §6's `explain` query surface.
func (e *Engine) ExplainQuery(ctx context.Context, req query.Request) (Explain, error) {
	res, err := e.queries.Query(ctx, req)
	if err != nil {
		return Explain{}, err
	}
	return Explain{Result: res, Modes: res.Modes}, nil
}

// QueryCached behaves like Query but serves repeated identical read-only
// requests from the semantic cache. Per spec.md §4.11, only deterministic
// read queries may populate the cache; callers must not route writes
// through this path.
func (e *Engine) QueryCached(ctx context.Context, req query.Request, nowMillis int64) (query.Result, error) {
	key := cacheKey(req)
	if entry, ok := e.cache.Get(key, nowMillis); ok {
		var res query.Result
		if err := decodeResult(entry.Result, &res); err == nil {
			return res, nil
		}
	}

	res, err := e.queries.Query(ctx, req)
	if err != nil {
		return query.Result{}, err
	}
	if encoded, encErr := encodeResult(res); encErr == nil {
		e.cache.Put(key, encoded, nowMillis)
	}
	return res, nil
}

func cacheKey(req query.Request) string {
	return fmt.Sprintf("%s|%v|%s|%v|%d|%v|%v", req.Table, req.Conjunctions, req.OrderBy, req.Descending, req.Limit, req.Cursor, req.AllowFullScan)
}
