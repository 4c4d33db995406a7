package spa

import (
	"context"
	"sync"
	"time"

	"github.com/coldpool/zfscore/pkg/config"
)

// Throttle implements the write throttle's delay curve (zfs_delay_scale,
// §6.5 and §8 scenario S6): once outstanding dirty data crosses
// zfs_delay_min_dirty_percent of zfs_dirty_data_max, every further write
// sleeps in proportion to the square of how far past that threshold the
// pool sits, capped at zfs_delay_max_ns — the same curve dsl_pool_tx_delay
// uses to push back on a writer faster than the pool can sync, rather than
// stalling it outright the way the older per-txg write limit did.
type Throttle struct {
	mu    sync.Mutex
	dirty int64

	max        int64
	minPct     int
	scale      float64
	maxDelayNs int64
}

// NewThrottle builds a Throttle from the pool's tunables, filling in the
// historical defaults for whichever fields are left at their zero value.
func NewThrottle(t config.Tunables) *Throttle {
	max := int64(t.DirtyDataMax)
	if max == 0 {
		max = 64 * 1024 * 1024
	}
	scale := t.DelayScale
	if scale == 0 {
		scale = 500000
	}
	minPct := t.DelayMinDirtyPct
	if minPct == 0 {
		minPct = 60
	}
	maxDelay := t.DelayMaxNs
	if maxDelay == 0 {
		maxDelay = 100 * 1000 * 1000
	}
	return &Throttle{max: max, minPct: minPct, scale: scale, maxDelayNs: maxDelay}
}

// Account records bytes as newly dirtied, ahead of the txg that will sync
// them.
func (t *Throttle) Account(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty += bytes
}

// Reset clears the dirty counter once a txg's sync has written everything
// back; this pool syncs every dirty dbuf each txg, so there's no partial
// credit to track between syncs.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = 0
}

// Dirty reports currently-accounted dirty bytes.
func (t *Throttle) Dirty() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// Delay blocks the caller for the throttle's current computed delay, or
// returns ctx's error if it's canceled first.
func (t *Throttle) Delay(ctx context.Context) error {
	d := t.computeDelay()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Throttle) computeDelay() time.Duration {
	t.mu.Lock()
	dirty := t.dirty
	t.mu.Unlock()

	if t.max <= 0 {
		return 0
	}
	pct := float64(dirty) / float64(t.max)
	minPct := float64(t.minPct) / 100
	if pct <= minPct {
		return 0
	}

	over := pct - minPct
	ns := over * over * t.scale
	if ns > float64(t.maxDelayNs) {
		ns = float64(t.maxDelayNs)
	}
	return time.Duration(ns) * time.Nanosecond
}
