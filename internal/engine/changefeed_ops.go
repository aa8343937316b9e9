package engine

import (
	"context"
	"time"

	"github.com/kvdb/engine/internal/changefeed"
)

// ChangeFeedQuery returns up to limit events strictly after fromSeq,
// optionally filtered by key prefix, with optional long-poll tailing.
func (e *Engine) ChangeFeedQuery(ctx context.Context, fromSeq uint64, limit int, prefix string, longPoll time.Duration) ([]changefeed.Event, error) {
	return e.feed.Query(ctx, e.mgr, fromSeq, limit, prefix, longPoll)
}

// ChangeFeedPurge deletes every change-feed record older than seq.
func (e *Engine) ChangeFeedPurge(ctx context.Context, seq uint64) (int, error) {
	return e.feed.PurgeBefore(ctx, e.mgr, seq)
}

// ChangeFeedStat reports the feed's current head/tail/newest watermarks.
func (e *Engine) ChangeFeedStat() (changefeed.Stats, error) {
	return e.feed.Stat(e.mgr)
}
