package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdb/engine/internal/kv"
	"github.com/kvdb/engine/internal/mvcc"
)

func newTestFeed(t *testing.T) (*mvcc.Manager, *Store) {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mgr := mvcc.NewManager(store, mvcc.Config{LockTimeout: time.Second})
	feed := NewStore()
	mgr.AddHook(feed.Hook())
	return mgr, feed
}

func commitPut(t *testing.T, mgr *mvcc.Manager, key, value string) {
	t.Helper()
	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, []byte(key), []byte(value)))
	require.NoError(t, txn.Commit())
}

func commitDelete(t *testing.T, mgr *mvcc.Manager, key string) {
	t.Helper()
	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Delete(ctx, []byte(key)))
	require.NoError(t, txn.Commit())
}

func TestQuery_ReturnsRecordsStrictlyAfterFromSeq(t *testing.T) {
	mgr, feed := newTestFeed(t)
	commitPut(t, mgr, "entity:users:1", "v1")
	commitPut(t, mgr, "entity:users:2", "v2")
	commitPut(t, mgr, "entity:users:3", "v3")

	events, err := feed.Query(context.Background(), mgr, 1, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, uint64(3), events[1].Seq)
}

func TestQuery_CapturesOldAndNewValues(t *testing.T) {
	mgr, feed := newTestFeed(t)
	commitPut(t, mgr, "entity:users:1", "v1")
	commitPut(t, mgr, "entity:users:1", "v2")

	events, err := feed.Query(context.Background(), mgr, 0, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].Old)
	assert.Equal(t, []byte("v1"), events[0].New)
	assert.Equal(t, []byte("v1"), events[1].Old)
	assert.Equal(t, []byte("v2"), events[1].New)
}

func TestQuery_DeleteRecordsNilNewValue(t *testing.T) {
	mgr, feed := newTestFeed(t)
	commitPut(t, mgr, "entity:users:1", "v1")
	commitDelete(t, mgr, "entity:users:1")

	events, err := feed.Query(context.Background(), mgr, 0, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventDelete, events[1].Type)
	assert.Nil(t, events[1].New)
	assert.Equal(t, []byte("v1"), events[1].Old)
}

func TestQuery_FiltersByKeyPrefix(t *testing.T) {
	mgr, feed := newTestFeed(t)
	commitPut(t, mgr, "entity:users:1", "v1")
	commitPut(t, mgr, "entity:orders:1", "o1")

	events, err := feed.Query(context.Background(), mgr, 0, 0, "entity:orders:", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "entity:orders:1", events[0].Key)
}

func TestQuery_RespectsLimit(t *testing.T) {
	mgr, feed := newTestFeed(t)
	for i := 0; i < 5; i++ {
		commitPut(t, mgr, "entity:users:1", "v")
	}
	events, err := feed.Query(context.Background(), mgr, 0, 2, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestQuery_OneRecordPerMutatedKeyPerCommit(t *testing.T) {
	mgr, feed := newTestFeed(t)
	ctx := context.Background()
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, []byte("entity:users:1"), []byte("a")))
	require.NoError(t, txn.Put(ctx, []byte("entity:users:2"), []byte("b")))
	require.NoError(t, txn.Commit())

	events, err := feed.Query(ctx, mgr, 0, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
}

func TestQuery_LongPollReturnsOnceEventArrives(t *testing.T) {
	mgr, feed := newTestFeed(t)
	done := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		commitPut(t, mgr, "entity:users:1", "v1")
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := feed.Query(ctx, mgr, 0, 0, "", 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	<-done
}

func TestQuery_LongPollReturnsEmptyAfterDeadline(t *testing.T) {
	mgr, feed := newTestFeed(t)
	start := time.Now()
	events, err := feed.Query(context.Background(), mgr, 0, 0, "", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPurgeBefore_DeletesOlderRecordsOnly(t *testing.T) {
	mgr, feed := newTestFeed(t)
	commitPut(t, mgr, "entity:users:1", "v1")
	commitPut(t, mgr, "entity:users:2", "v2")
	commitPut(t, mgr, "entity:users:3", "v3")

	n, err := feed.PurgeBefore(context.Background(), mgr, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := feed.Query(context.Background(), mgr, 0, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
}

func TestStat_ReportsHeadTailNewest(t *testing.T) {
	mgr, feed := newTestFeed(t)
	commitPut(t, mgr, "entity:users:1", "v1")
	commitPut(t, mgr, "entity:users:2", "v2")
	commitPut(t, mgr, "entity:users:3", "v3")
	_, err := feed.PurgeBefore(context.Background(), mgr, 2)
	require.NoError(t, err)

	stats, err := feed.Stat(mgr)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Head)
	assert.Equal(t, uint64(2), stats.Tail)
	assert.Equal(t, uint64(3), stats.Newest)
	assert.False(t, stats.Empty)
}

func TestStat_EmptyFeedReportsZeroHead(t *testing.T) {
	mgr, feed := newTestFeed(t)
	stats, err := feed.Stat(mgr)
	require.NoError(t, err)
	assert.True(t, stats.Empty)
	assert.Equal(t, uint64(0), stats.Head)
}
