package vdev

import "sync"

// txgRange is a half-open [Start, End) span of transaction groups.
type txgRange struct {
	start, end uint64
}

// DTL (dirty-time log) records which txg ranges a vdev may be missing
// writes for — e.g. while it was offline, or while a resilver is still in
// progress. A read whose birth txg falls inside the DTL cannot be trusted
// from this vdev; mirror/raidz read policy consults it to skip children.
type DTL struct {
	mu     sync.RWMutex
	ranges []txgRange
}

// Dirty marks [start, end) as a range this vdev may lack.
func (d *DTL) Dirty(start, end uint64) {
	if start >= end {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ranges = append(d.ranges, txgRange{start, end})
	d.ranges = coalesce(d.ranges)
}

// Clear removes [start, end) from the log, e.g. once a resilver has
// caught the vdev up through that range.
func (d *DTL) Clear(start, end uint64) {
	if start >= end {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []txgRange
	for _, r := range d.ranges {
		if r.end <= start || r.start >= end {
			out = append(out, r)
			continue
		}
		if r.start < start {
			out = append(out, txgRange{r.start, start})
		}
		if r.end > end {
			out = append(out, txgRange{end, r.end})
		}
	}
	d.ranges = out
}

// Contains reports whether txg falls inside any dirty range.
func (d *DTL) Contains(txg uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.ranges {
		if txg >= r.start && txg < r.end {
			return true
		}
	}
	return false
}

// Empty reports whether the log has no outstanding dirty ranges, i.e. the
// vdev is fully caught up.
func (d *DTL) Empty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ranges) == 0
}

func coalesce(ranges []txgRange) []txgRange {
	if len(ranges) < 2 {
		return ranges
	}
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			a, b := ranges[i], ranges[j]
			if a.start <= b.end && b.start <= a.end {
				merged := txgRange{min(a.start, b.start), max(a.end, b.end)}
				ranges[i] = merged
				ranges = append(ranges[:j], ranges[j+1:]...)
				j--
			}
		}
	}
	return ranges
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
