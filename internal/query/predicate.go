// Package query implements the planner and execution engine that turn a
// conjunctive/disjunctive predicate request (or a graph traversal, or a
// hybrid vector+predicate search) into primary keys or materialized
// entities, choosing among a fixed set of named execution strategies and
// reporting which one ran plus operator counters for observability.
package query

import (
	"github.com/kvdb/engine/internal/codec"
)

// CompareOp names the comparison a Predicate applies to one column.
type CompareOp string

const (
	OpEq    CompareOp = "eq"
	OpRange CompareOp = "range"
)

// Predicate restricts one column of a conjunction. For OpEq, Eq holds the
// required value. For OpRange, Lo/Hi bound the value (a null Lo or Hi
// means unbounded on that side) and InclusiveLo/InclusiveHi set
// endpoint inclusivity.
type Predicate struct {
	Column      string
	Op          CompareOp
	Eq          codec.Value
	Lo          codec.Value
	Hi          codec.Value
	InclusiveLo bool
	InclusiveHi bool
}

// matches reports whether an entity's field satisfies the predicate,
// used to filter residual (non-indexed) predicates after reading a
// candidate's primary row.
func (p Predicate) matches(e codec.Entity) bool {
	v, ok := e[p.Column]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return compareValues(v, p.Eq) == 0
	case OpRange:
		if !p.Lo.IsNull() {
			c := compareValues(v, p.Lo)
			if c < 0 || (c == 0 && !p.InclusiveLo) {
				return false
			}
		}
		if !p.Hi.IsNull() {
			c := compareValues(v, p.Hi)
			if c > 0 || (c == 0 && !p.InclusiveHi) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compareValues orders two same-typed values; cross-type comparisons fall
// back to tag ordering so a comparison is always total and deterministic.
func compareValues(a, b codec.Value) int {
	if a.Tag != b.Tag {
		if a.Tag < b.Tag {
			return -1
		}
		return 1
	}
	switch a.Tag {
	case codec.TagBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case codec.TagInt64:
		switch {
		case a.Int64 < b.Int64:
			return -1
		case a.Int64 > b.Int64:
			return 1
		default:
			return 0
		}
	case codec.TagFloat64:
		switch {
		case a.Float < b.Float:
			return -1
		case a.Float > b.Float:
			return 1
		default:
			return 0
		}
	case codec.TagString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

// Conjunction is an AND of predicates over one table.
type Conjunction struct {
	Predicates []Predicate
}

// Cursor anchors a paged scan to resume strictly after (ASC) or before
// (DESC) the given primary key. Only PK is compared; Value is not read.
type Cursor struct {
	Value codec.Value
	PK    string
}

// Request describes one query: a disjunction (OR) of conjunctions against
// one table, with paging and a full-scan fallback policy. Results are in
// primary-key order, reversed when Descending is set; OrderBy only steers
// the planner toward a range-aware plan and does not sort results by that
// field's value.
type Request struct {
	Table         string
	Conjunctions  []Conjunction
	OrderBy       string
	Descending    bool
	Limit         int
	Cursor        *Cursor
	AllowFullScan bool
}
