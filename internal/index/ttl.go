package index

import (
	"strings"

	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// ExpiredEntry identifies one row whose TTL column has passed, for a
// caller-driven purge. TTL entries are only enumerated here, never
// auto-deleted by this package; an operator (internal/engine's background
// sweep) deletes the primary row, which in turn removes this entry via Del.
type ExpiredEntry struct {
	Table string
	PK    string
}

// SweepExpiredTTL returns every row whose TTL column's epoch-millis value
// is strictly less than beforeEpochMillis, ordered by expiration time
// ascending. limit caps the number of entries returned (0 means
// unlimited), so a caller can purge in bounded batches.
func (m *Manager) SweepExpiredTTL(txn *mvcc.Txn, beforeEpochMillis int64, limit int) ([]ExpiredEntry, error) {
	var entries []ExpiredEntry
	err := txn.ScanRange(keys.TTLPrefix(), keys.TTLBefore(beforeEpochMillis), func(_, value []byte) bool {
		table, pk, ok := decodeTTLValue(value)
		if ok {
			entries = append(entries, ExpiredEntry{Table: table, PK: pk})
		}
		return limit <= 0 || len(entries) < limit
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func decodeTTLValue(value []byte) (table, pk string, ok bool) {
	parts := strings.SplitN(string(value), "\x00", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
