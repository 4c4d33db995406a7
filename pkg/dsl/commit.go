package dsl

import (
	"context"
	"time"

	"github.com/coldpool/zfscore/pkg/vdev"
)

// SetRootBPOffset installs the offset of the MOS root block pointer the
// next commit's uberblock should reference. The sync task that writes the
// new MOS tree (the pool-level dnode sync, ultimately pkg/dmu.SyncList)
// calls this once its own write completes, before AdvanceOpen reaches the
// commit step.
func (e *Engine) SetRootBPOffset(off uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingRootBPOff = off
}

// commit builds a new uberblock for txg and writes it to every registered
// label ring in round-robin, then flushes the whole vdev tree so the
// commit is durable before being acknowledged (§4.8). A failed write or
// flush escalates to suspend or panic per the root vdev's FailMode,
// mirrored here by returning an error AdvanceOpen propagates to its
// caller (pkg/spa's sync driver decides whether that means "retry" or
// "suspend the pool").
func (e *Engine) commit(ctx context.Context, txg uint64) error {
	e.mu.Lock()
	e.seq++
	u := &vdev.Uberblock{
		Version:   e.version,
		Txg:       txg,
		GUIDSum:   e.guidSum,
		Timestamp: uint64(nowUnix()),
		RootBPOff: e.pendingRootBPOff,
		Sequence:  e.seq,
	}
	rings := append([]*vdev.UberblockRing(nil), e.rings...)
	root := e.root
	e.mu.Unlock()

	for _, r := range rings {
		if err := r.Commit(u); err != nil {
			return err
		}
	}

	if root != nil {
		if err := root.IOStart(ctx, vdev.IOFlush, 0, 0, nil, 0); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.last = u
	e.mu.Unlock()
	return nil
}

// LastUberblock returns the most recently committed uberblock, or nil if
// no txg has synced yet.
func (e *Engine) LastUberblock() *vdev.Uberblock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// nowUnix is a thin wrapper so tests can see it's the only place the
// engine reads wall-clock time for an uberblock timestamp.
func nowUnix() int64 {
	return time.Now().Unix()
}
