package event

import (
	"sync"
	"time"
)

// FailMode controls what a deadman trigger, or any sync-context failure,
// does once it fires: §6.5 `failmode` and §7 "Suspension".
type FailMode int

const (
	FailWait FailMode = iota
	FailContinue
	FailPanic
)

func (m FailMode) String() string {
	switch m {
	case FailWait:
		return "wait"
	case FailContinue:
		return "continue"
	case FailPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Deadman watches in-flight operations for ones that have been outstanding
// longer than a configured threshold (`zfs_deadman_synctime_ms`,
// `_ziotime_ms`). It does not itself cancel anything; it posts an ereport
// and invokes a callback whose behavior is dictated by FailMode.
type Deadman struct {
	mu        sync.Mutex
	synctime  time.Duration
	ziotime   time.Duration
	mode      FailMode
	ring      *Ring
	log       Logger
	inflight  map[string]time.Time
	onTrigger func(tag string, since time.Duration)
}

// NewDeadman constructs a Deadman timer. ring may be nil if ereports are
// not wanted; log may be nil to suppress log output.
func NewDeadman(synctime, ziotime time.Duration, mode FailMode, ring *Ring, log Logger) *Deadman {
	return &Deadman{
		synctime: synctime,
		ziotime:  ziotime,
		mode:     mode,
		ring:     ring,
		log:      log,
		inflight: make(map[string]time.Time),
	}
}

// Track registers an in-flight operation under tag (e.g. a zio identity or
// "sync:<txg>"). Callers must call Untrack when the operation completes.
func (d *Deadman) Track(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[tag] = time.Now()
}

// Untrack removes a completed operation from tracking.
func (d *Deadman) Untrack(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, tag)
}

// CheckSync reports operations tagged as sync-context that have exceeded
// synctime, CheckZio reports zio-tagged operations exceeding ziotime. Both
// fire the configured action for every overdue tag found.
func (d *Deadman) CheckSync() { d.check("sync:", d.synctime) }
func (d *Deadman) CheckZio()  { d.check("zio:", d.ziotime) }

func (d *Deadman) check(prefix string, threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	now := time.Now()

	d.mu.Lock()
	var overdue []string
	var since []time.Duration
	for tag, start := range d.inflight {
		if len(tag) < len(prefix) || tag[:len(prefix)] != prefix {
			continue
		}
		if elapsed := now.Sub(start); elapsed > threshold {
			overdue = append(overdue, tag)
			since = append(since, elapsed)
		}
	}
	d.mu.Unlock()

	for i, tag := range overdue {
		d.fire(tag, since[i])
	}
}

func (d *Deadman) fire(tag string, elapsed time.Duration) {
	if d.log != nil {
		d.log.Warnf("deadman: %s outstanding for %s (failmode=%s)", tag, elapsed, d.mode)
	}
	if d.ring != nil {
		_ = d.ring.Post(Ereport{
			Class:  ClassIO,
			Detail: map[string]string{"tag": tag, "elapsed": elapsed.String(), "failmode": d.mode.String()},
		})
	}
	if d.onTrigger != nil {
		d.onTrigger(tag, elapsed)
	}
	switch d.mode {
	case FailPanic:
		panic("deadman: " + tag + " exceeded deadline under failmode=panic")
	case FailWait, FailContinue:
		// suspension/degrade handled by the caller (pkg/spa) reacting to
		// onTrigger; the timer itself never blocks or retries I/O.
	}
}

// OnTrigger installs a callback invoked whenever a deadline is exceeded,
// in addition to logging/ereport posting.
func (d *Deadman) OnTrigger(f func(tag string, since time.Duration)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTrigger = f
}
