package index

import (
	"bytes"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// ScanOptions bounds and pages a value-index scan.
type ScanOptions struct {
	// Limit caps the number of primary keys returned (0 means unlimited).
	Limit int
	// CursorPK, when non-empty, starts the scan strictly after this primary
	// key within the current value (used to resume a paged equality scan).
	CursorPK string
	// Descending reverses scan order.
	Descending bool
}

// ScanResult is the page of primary keys produced by a scan, plus whether
// more results exist beyond it.
type ScanResult struct {
	PKs     []string
	HasMore bool
}

// ScanEqual returns every primary key indexed under col with exactly value,
// ordered by primary key ascending (or descending).
func (m *Manager) ScanEqual(txn *mvcc.Txn, table, col string, value codec.Value, opts ScanOptions) (ScanResult, error) {
	enc, err := encodeIndexable(value)
	if err != nil {
		return ScanResult{}, err
	}
	prefix := keys.IndexEqualPrefix(table, col, enc)

	var pks []string
	err = txn.ScanPrefix(prefix, func(k, _ []byte) bool {
		pks = append(pks, lastSegment(k))
		return true
	})
	if err != nil {
		return ScanResult{}, err
	}
	return pageResults(pks, opts), nil
}

// ScanRange returns every primary key indexed under col whose encoded value
// falls within [lo, hi] (or (lo, hi) / other bound combinations per
// inclusiveLo/inclusiveHi), ordered by (value, pk) ascending or descending.
func (m *Manager) ScanRange(txn *mvcc.Txn, table, col string, lo, hi codec.Value, inclusiveLo, inclusiveHi bool, opts ScanOptions) (ScanResult, error) {
	var loKey, hiKey []byte
	if !lo.IsNull() {
		enc, err := encodeIndexable(lo)
		if err != nil {
			return ScanResult{}, err
		}
		loKey = keys.IndexEqualPrefix(table, col, enc)
		if !inclusiveLo {
			loKey = append(loKey, 0xFF)
		}
	} else {
		loKey = keys.IndexColumnPrefix(table, col)
	}

	columnPrefix := keys.IndexColumnPrefix(table, col)
	if !hi.IsNull() {
		enc, err := encodeIndexable(hi)
		if err != nil {
			return ScanResult{}, err
		}
		hiKey = keys.IndexEqualPrefix(table, col, enc)
		if inclusiveHi {
			hiKey = append(hiKey, 0xFF)
		}
	} else {
		// Bound the scan to this column; otherwise a nil hi would run to
		// the end of the entire keyspace instead of stopping at the next
		// column or table.
		hiKey = prefixSuccessor(columnPrefix)
	}

	type pair struct {
		value []byte
		pk    string
	}
	var entries []pair
	err := txn.ScanRange(loKey, hiKey, func(k, _ []byte) bool {
		if !bytes.HasPrefix(k, columnPrefix) {
			return true
		}
		rest := k[len(columnPrefix):]
		sep := bytes.LastIndexByte(rest, ':')
		if sep < 0 {
			return true
		}
		entries = append(entries, pair{value: rest[:sep], pk: string(rest[sep+1:])})
		return true
	})
	if err != nil {
		return ScanResult{}, err
	}

	pks := make([]string, len(entries))
	for i, e := range entries {
		pks[i] = e.pk
	}
	return pageResults(pks, opts), nil
}

// prefixSuccessor returns the smallest byte string greater than every string
// with the given prefix, used as an exclusive upper bound for a prefix scan
// expressed as a range. Returns nil (meaning "no upper bound") if prefix is
// all 0xFF bytes.
func prefixSuccessor(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func pageResults(pks []string, opts ScanOptions) ScanResult {
	if opts.Descending {
		for i, j := 0, len(pks)-1; i < j; i, j = i+1, j-1 {
			pks[i], pks[j] = pks[j], pks[i]
		}
	}
	if opts.CursorPK != "" {
		idx := 0
		for idx < len(pks) && pks[idx] != opts.CursorPK {
			idx++
		}
		if idx < len(pks) {
			pks = pks[idx+1:]
		}
	}
	if opts.Limit <= 0 {
		return ScanResult{PKs: pks}
	}
	fetch := opts.Limit + 1
	if fetch > len(pks) {
		return ScanResult{PKs: pks}
	}
	return ScanResult{PKs: pks[:opts.Limit], HasMore: true}
}
