package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/kvdb/engine/internal/async"
)

// ttlSweepInterval is how often expired TTL rows are purged. TTL rows are
// enumerated by internal/index but never auto-deleted there (see
// spec.md §4.3/§6); this task is the background operator that does so.
const ttlSweepInterval = time.Minute

// ttlSweepBatchSize bounds how many expired rows are purged per tick, so a
// backlog after downtime is drained gradually instead of in one long write.
const ttlSweepBatchSize = 500

// StartBackgroundTasks launches the engine's periodic maintenance work:
// change-feed retention pruning, vector-index autosave, and TTL row
// purging. All three run as async.BackgroundTask instances so Close can
// stop them cleanly; callers that don't want background maintenance
// simply never call this.
func (e *Engine) StartBackgroundTasks(ctx context.Context) {
	if e.cfg.ChangeFeed.RetentionHours > 0 {
		retention := time.Duration(e.cfg.ChangeFeed.RetentionHours) * time.Hour
		task := async.NewBackgroundTask(async.TaskConfig{
			DataDir:  e.cfg.DataDir,
			LockName: "changefeed-retention.lock",
			Interval: retentionSweepInterval(retention),
		})
		task.Func = func(ctx context.Context, progress *async.TaskProgress) error {
			cutoffSeq, err := e.retentionCutoffSeq(retention)
			if err != nil {
				return err
			}
			if cutoffSeq == 0 {
				return nil
			}
			purged, err := e.ChangeFeedPurge(ctx, cutoffSeq+1)
			if err != nil {
				return err
			}
			progress.UpdateProcessed(purged)
			return nil
		}
		task.Start(ctx)
		e.mu.Lock()
		e.background = append(e.background, task)
		e.mu.Unlock()
	}

	if e.cfg.Vector.AutosaveIntervalSeconds > 0 {
		interval := time.Duration(e.cfg.Vector.AutosaveIntervalSeconds) * time.Second
		task := async.NewBackgroundTask(async.TaskConfig{
			DataDir:  e.cfg.DataDir,
			LockName: "vector-autosave.lock",
			Interval: interval,
		})
		task.Func = func(ctx context.Context, progress *async.TaskProgress) error {
			saved, err := e.saveAllVectorIndexes()
			if err != nil {
				return err
			}
			progress.UpdateProcessed(saved)
			return nil
		}
		task.Start(ctx)
		e.mu.Lock()
		e.background = append(e.background, task)
		e.mu.Unlock()
	}

	{
		task := async.NewBackgroundTask(async.TaskConfig{
			DataDir:  e.cfg.DataDir,
			LockName: "ttl-sweep.lock",
			Interval: ttlSweepInterval,
		})
		task.Func = func(ctx context.Context, progress *async.TaskProgress) error {
			purged, err := e.purgeExpiredTTL(ctx)
			if err != nil {
				return err
			}
			progress.UpdateProcessed(purged)
			return nil
		}
		task.Start(ctx)
		e.mu.Lock()
		e.background = append(e.background, task)
		e.mu.Unlock()
	}
}

// retentionSweepInterval runs the retention sweep at roughly 1/24th of the
// retention window (and at least once a minute), so the feed never grows
// much past its configured retention before being pruned.
func retentionSweepInterval(retention time.Duration) time.Duration {
	sweep := retention / 24
	if sweep < time.Minute {
		sweep = time.Minute
	}
	return sweep
}

// retentionCutoffSeq translates the configured retention window into a
// change-feed sequence cutoff by finding the newest event older than the
// window and purging up to (and including) it.
func (e *Engine) retentionCutoffSeq(retention time.Duration) (uint64, error) {
	stats, err := e.ChangeFeedStat()
	if err != nil {
		return 0, err
	}
	if stats.Newest == 0 {
		return 0, nil
	}
	cutoffMillis := time.Now().Add(-retention).UnixMilli()
	events, err := e.ChangeFeedQuery(context.Background(), 0, int(stats.Newest), "", 0)
	if err != nil {
		return 0, err
	}
	var cutoffSeq uint64
	for _, ev := range events {
		if ev.TimestampMillis >= cutoffMillis {
			break
		}
		cutoffSeq = ev.Seq
	}
	return cutoffSeq, nil
}

// purgeExpiredTTL enumerates rows whose TTL column has passed and deletes
// each one through the normal Delete path, so indexes, graph edges, and
// the change feed all observe the deletion like any other write.
func (e *Engine) purgeExpiredTTL(ctx context.Context) (int, error) {
	txn, err := e.mgr.Begin()
	if err != nil {
		return 0, err
	}
	expired, err := e.idx.SweepExpiredTTL(txn, time.Now().UnixMilli(), ttlSweepBatchSize)
	rollbackErr := txn.Rollback()
	if err != nil {
		return 0, err
	}
	if rollbackErr != nil {
		return 0, rollbackErr
	}

	purged := 0
	for _, entry := range expired {
		if err := e.Delete(ctx, entry.Table, entry.PK, "ttl-sweep"); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (e *Engine) saveAllVectorIndexes() (int, error) {
	e.mu.RLock()
	names := make([]string, 0, len(e.vectors))
	for name := range e.vectors {
		names = append(names, name)
	}
	e.mu.RUnlock()

	dir := filepath.Join(e.cfg.DataDir, "vector-indexes")
	saved := 0
	for _, name := range names {
		idx, err := e.vectorIndex(name)
		if err != nil {
			continue
		}
		if err := idx.SaveIndex(filepath.Join(dir, name)); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}
