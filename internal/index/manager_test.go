package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/kv"
	"github.com/kvdb/engine/internal/mvcc"
)

func newTestSetup(t *testing.T) (*mvcc.Manager, *Manager) {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := mvcc.NewManager(store, mvcc.Config{LockTimeout: time.Second})

	schema := NewSchema()
	schema.DefineTable(TableSchema{
		Table: "users",
		Columns: []ColumnConfig{
			{Name: "age", Kind: KindValue},
			{Name: "nickname", Kind: KindValue, Sparse: true},
			{Name: "bio", Kind: KindFulltext},
			{Name: "location", Kind: KindGeo, LatField: "lat", LngField: "lng"},
			{Name: "expires_at", Kind: KindTTL},
		},
	})
	return mgr, NewManager(schema)
}

func putEntity(t *testing.T, mgr *mvcc.Manager, im *Manager, table, pk string, fields codec.Entity) {
	t.Helper()
	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, im.Put(ctx, txn, table, pk, fields))
	encoded, err := codec.Encode(fields)
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, keys.Entity(table, pk), encoded))
	require.NoError(t, txn.Commit())
}

func TestPut_CreatesEqualityIndexEntry(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(30)})

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	res, err := im.ScanEqual(txn, "users", "age", codec.IntValue(30), ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, res.PKs)
}

func TestPut_UpdatingIndexedFieldMovesEntry(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(30)})
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(40)})

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	oldScan, err := im.ScanEqual(txn, "users", "age", codec.IntValue(30), ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, oldScan.PKs)

	newScan, err := im.ScanEqual(txn, "users", "age", codec.IntValue(40), ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, newScan.PKs)
}

func TestPut_UnchangedFieldProducesNoWrites(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(30)})

	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, im.Put(ctx, txn, "users", "u1", codec.Entity{"age": codec.IntValue(30)}))
	assert.Empty(t, txn.Writes())
	require.NoError(t, txn.Rollback())
}

func TestPut_SparseIndexSkipsNullOrMissing(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(30)})

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	var sawNickname bool
	err = txn.ScanPrefix(keys.IndexColumnPrefix("users", "nickname"), func(k, v []byte) bool {
		sawNickname = true
		return true
	})
	require.NoError(t, err)
	assert.False(t, sawNickname)
}

func TestDel_RemovesAllIndexEntries(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(30)})

	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, im.Del(ctx, txn, "users", "u1"))
	require.NoError(t, txn.Delete(ctx, keys.Entity("users", "u1")))
	require.NoError(t, txn.Commit())

	read, err := mgr.Begin()
	require.NoError(t, err)
	defer read.Rollback()
	res, err := im.ScanEqual(read, "users", "age", codec.IntValue(30), ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.PKs)
}

func TestScanRange_OrdersByValueThenPK(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(20)})
	putEntity(t, mgr, im, "users", "u2", codec.Entity{"age": codec.IntValue(30)})
	putEntity(t, mgr, im, "users", "u3", codec.Entity{"age": codec.IntValue(40)})

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	res, err := im.ScanRange(txn, "users", "age", codec.IntValue(20), codec.IntValue(40), true, false, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, res.PKs)
}

func TestPut_TTLColumnIsEnumerableByExpiration(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"expires_at": codec.IntValue(5000)})
	putEntity(t, mgr, im, "users", "u2", codec.Entity{"expires_at": codec.IntValue(1000)})

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	var expired []string
	err = txn.ScanRange(keys.TTLPrefix(), keys.TTLBefore(5000), func(k, v []byte) bool {
		expired = append(expired, string(v))
		return true
	})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Contains(t, expired[0], "u2")
}

func TestScanRange_LimitReportsHasMore(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{"age": codec.IntValue(20)})
	putEntity(t, mgr, im, "users", "u2", codec.Entity{"age": codec.IntValue(30)})
	putEntity(t, mgr, im, "users", "u3", codec.Entity{"age": codec.IntValue(40)})

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	res, err := im.ScanRange(txn, "users", "age", codec.NullValue(), codec.NullValue(), true, true, ScanOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, res.PKs)
	assert.True(t, res.HasMore)
}
