package dsl

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// SyncTask is one consumer's (check, sync) pair (§4.8 "sync task
// framework"). Check runs in quiescing or syncing context and may reject
// the task for this txg with a non-nil error; Sync runs only if Check
// passed, and must not block on user I/O. DSL_SYNC_TASK's atomicity
// guarantee is per task: a task whose Check fails contributes nothing to
// this txg, independent of every other registered task's outcome.
type SyncTask struct {
	Name  string
	Check func(txg uint64) error
	Sync  func(ctx context.Context, txg uint64) error
}

// runSyncTasks runs every task's Check concurrently, then runs Sync for
// every task whose Check passed, also concurrently. A fan-out of many
// independent consumers (pkg/dmu's dbuf sync, pkg/ddt's log flush, zil
// claim/destroy bookkeeping) is exactly the errgroup use case pkg/zio's
// own design reserved this dependency for.
func runSyncTasks(ctx context.Context, txg uint64, tasks []*SyncTask) error {
	if len(tasks) == 0 {
		return nil
	}

	runnable := make([]*SyncTask, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		if t.Check == nil {
			runnable[i] = t
			continue
		}
		g.Go(func() error {
			if err := t.Check(txg); err != nil {
				return nil
			}
			runnable[i] = t
			return nil
		})
	}
	_ = g.Wait()

	g2, gctx2 := errgroup.WithContext(ctx)
	for _, t := range runnable {
		if t == nil || t.Sync == nil {
			continue
		}
		t := t
		g2.Go(func() error {
			return t.Sync(gctx2, txg)
		})
	}
	return g2.Wait()
}
