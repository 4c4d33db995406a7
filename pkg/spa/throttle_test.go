package spa

import (
	"context"
	"testing"
	"time"

	"github.com/coldpool/zfscore/pkg/config"
)

// TestThrottleNoDelayBelowMinDirtyThreshold confirms the throttle stays
// out of the way until the pool's outstanding dirty data crosses
// zfs_delay_min_dirty_percent, matching dsl_pool_tx_delay's own "no delay
// below the threshold" behavior.
func TestThrottleNoDelayBelowMinDirtyThreshold(t *testing.T) {
	th := NewThrottle(config.Tunables{DirtyDataMax: 1000, DelayMinDirtyPct: 60})
	th.Account(500)
	if d := th.computeDelay(); d != 0 {
		t.Fatalf("expected no delay at 50%% dirty with a 60%% threshold, got %s", d)
	}
}

// TestThrottleDelayGrowsWithDirtyData confirms the delay curve is
// monotonic past the threshold: more outstanding dirty data means a
// longer computed delay, per zfs_delay_scale's quadratic curve.
func TestThrottleDelayGrowsWithDirtyData(t *testing.T) {
	th := NewThrottle(config.Tunables{DirtyDataMax: 1000, DelayMinDirtyPct: 10, DelayScale: 1e9, DelayMaxNs: 1e12})

	th.Account(200)
	d1 := th.computeDelay()
	if d1 <= 0 {
		t.Fatalf("expected a positive delay past the threshold, got %s", d1)
	}

	th.Account(600)
	d2 := th.computeDelay()
	if d2 <= d1 {
		t.Fatalf("expected delay to grow with more dirty data, got d1=%s d2=%s", d1, d2)
	}
}

// TestThrottleDelayCapsAtMax confirms the curve never exceeds
// zfs_delay_max_ns regardless of how far over the threshold the pool is.
func TestThrottleDelayCapsAtMax(t *testing.T) {
	th := NewThrottle(config.Tunables{DirtyDataMax: 1000, DelayMinDirtyPct: 1, DelayScale: 1e18, DelayMaxNs: 1000})
	th.Account(999)
	if d := th.computeDelay(); d != time.Duration(1000) {
		t.Fatalf("expected delay capped at 1000ns, got %s", d)
	}
}

// TestThrottleResetClearsDirty confirms Reset drops the accounted total
// back to zero, the per-txg credit a pool gives itself once a sync has
// flushed everything dirty.
func TestThrottleResetClearsDirty(t *testing.T) {
	th := NewThrottle(config.Tunables{DirtyDataMax: 1000, DelayMinDirtyPct: 10})
	th.Account(900)
	if th.Dirty() != 900 {
		t.Fatalf("expected Dirty() == 900, got %d", th.Dirty())
	}
	th.Reset()
	if th.Dirty() != 0 {
		t.Fatalf("expected Dirty() == 0 after Reset, got %d", th.Dirty())
	}
	if d := th.computeDelay(); d != 0 {
		t.Fatalf("expected no delay immediately after Reset, got %s", d)
	}
}

// TestThrottleDelayBlocksForComputedDuration confirms Delay actually
// sleeps for (approximately) the curve's computed duration rather than
// just calling computeDelay without acting on it.
func TestThrottleDelayBlocksForComputedDuration(t *testing.T) {
	th := NewThrottle(config.Tunables{DirtyDataMax: 1000, DelayMinDirtyPct: 1, DelayScale: 1e13, DelayMaxNs: 30 * 1000 * 1000})
	th.Account(999)

	start := time.Now()
	if err := th.Delay(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected Delay to actually block, elapsed %s", elapsed)
	}
}

// TestThrottleDelayRespectsContextCancellation confirms a canceled
// context interrupts the wait instead of blocking for the full delay.
func TestThrottleDelayRespectsContextCancellation(t *testing.T) {
	th := NewThrottle(config.Tunables{DirtyDataMax: 1000, DelayMinDirtyPct: 1, DelayScale: 1e18, DelayMaxNs: int64(time.Hour)})
	th.Account(999)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := th.Delay(ctx); err == nil {
		t.Fatal("expected Delay to return the context's error once canceled")
	}
}
