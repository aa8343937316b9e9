package index

import (
	"context"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// Manager maintains every configured index family against a caller-supplied
// transaction. It never writes or reads the primary row itself; callers
// (the engine) own primary storage and must invoke Put before overwriting a
// row's primary entry, since Put diffs against the value currently visible
// at txn's snapshot.
type Manager struct {
	schema *Schema
}

// NewManager creates an index manager over the given schema.
func NewManager(schema *Schema) *Manager {
	return &Manager{schema: schema}
}

// Put reads the entity currently stored at (table, pk) within txn, computes
// the per-index delta against fields, and writes the additions/removals.
// It must be called before the caller overwrites the primary row, so the
// read-old step still observes the pre-update value.
func (m *Manager) Put(ctx context.Context, txn *mvcc.Txn, table, pk string, fields codec.Entity) error {
	schema, ok := m.schema.Table(table)
	if !ok {
		return nil
	}

	old, err := m.loadEntity(txn, table, pk)
	if err != nil {
		return err
	}

	for _, col := range schema.Columns {
		if err := m.applyColumn(ctx, txn, table, pk, col, old, fields); err != nil {
			return err
		}
	}
	return nil
}

// Del removes every index entry for the entity currently stored at
// (table, pk) within txn. It must be called before the caller removes the
// primary row.
func (m *Manager) Del(ctx context.Context, txn *mvcc.Txn, table, pk string) error {
	schema, ok := m.schema.Table(table)
	if !ok {
		return nil
	}

	old, err := m.loadEntity(txn, table, pk)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	for _, col := range schema.Columns {
		if err := m.applyColumn(ctx, txn, table, pk, col, old, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadEntity(txn *mvcc.Txn, table, pk string) (codec.Entity, error) {
	raw, err := txn.Get(keys.Entity(table, pk))
	if err != nil {
		if errors.GetKind(err) == errors.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return codec.Decode(raw)
}

func (m *Manager) applyColumn(ctx context.Context, txn *mvcc.Txn, table, pk string, col ColumnConfig, old, next codec.Entity) error {
	switch col.Kind {
	case KindValue:
		return m.applyValueColumn(ctx, txn, table, pk, col, old, next)
	case KindGeo:
		return m.applyGeoColumn(ctx, txn, table, pk, col, old, next)
	case KindFulltext:
		return m.applyFulltextColumn(ctx, txn, table, pk, col, old, next)
	case KindTTL:
		return m.applyTTLColumn(ctx, txn, table, pk, col, old, next)
	default:
		return errors.New(errors.InvalidArgument, "index.applyColumn", "unknown column kind")
	}
}

func (m *Manager) applyValueColumn(ctx context.Context, txn *mvcc.Txn, table, pk string, col ColumnConfig, old, next codec.Entity) error {
	oldVal, oldOK := fieldValue(old, col.Name)
	newVal, newOK := fieldValue(next, col.Name)

	if col.Sparse {
		oldOK = oldOK && !oldVal.IsNull()
		newOK = newOK && !newVal.IsNull()
	}

	if oldOK && newOK && sameEncodedValue(oldVal, newVal) {
		return nil
	}
	if oldOK {
		enc, err := encodeIndexable(oldVal)
		if err == nil {
			if err := txn.Delete(ctx, keys.IndexEqual(table, col.Name, enc, pk)); err != nil {
				return err
			}
		}
	}
	if newOK {
		enc, err := encodeIndexable(newVal)
		if err != nil {
			return err
		}
		if err := txn.Put(ctx, keys.IndexEqual(table, col.Name, enc, pk), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyTTLColumn(ctx context.Context, txn *mvcc.Txn, table, pk string, col ColumnConfig, old, next codec.Entity) error {
	oldVal, oldOK := fieldValue(old, col.Name)
	newVal, newOK := fieldValue(next, col.Name)
	oldOK = oldOK && oldVal.Tag == codec.TagInt64
	newOK = newOK && newVal.Tag == codec.TagInt64

	if oldOK && newOK && oldVal.Int64 == newVal.Int64 {
		return nil
	}
	ttlPK := table + "/" + pk
	if oldOK {
		if err := txn.Delete(ctx, keys.TTL(oldVal.Int64, ttlPK)); err != nil {
			return err
		}
	}
	if newOK {
		if err := txn.Put(ctx, keys.TTL(newVal.Int64, ttlPK), []byte(table+"\x00"+pk)); err != nil {
			return err
		}
	}
	return nil
}

// fieldValue looks up a field in an entity that may be nil (absent row).
func fieldValue(e codec.Entity, name string) (codec.Value, bool) {
	if e == nil {
		return codec.Value{}, false
	}
	v, ok := e[name]
	return v, ok
}

func sameEncodedValue(a, b codec.Value) bool {
	ea, errA := encodeIndexable(a)
	eb, errB := encodeIndexable(b)
	if errA != nil || errB != nil {
		return false
	}
	if len(ea) != len(eb) {
		return false
	}
	for i := range ea {
		if ea[i] != eb[i] {
			return false
		}
	}
	return true
}

// encodeIndexable produces the order-preserving key encoding for a value's
// type, or an error for non-indexable types (bytes, vector).
func encodeIndexable(v codec.Value) ([]byte, error) {
	switch v.Tag {
	case codec.TagInt64:
		return keys.EncodeInt64(v.Int64), nil
	case codec.TagFloat64:
		return keys.EncodeFloat64(v.Float), nil
	case codec.TagString:
		return keys.EncodeString(v.Str), nil
	case codec.TagBool:
		return keys.EncodeBool(v.Bool), nil
	default:
		return nil, errors.New(errors.InvalidArgument, "index.encodeIndexable", "field type is not indexable")
	}
}
