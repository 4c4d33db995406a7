package vdev

// Class names an allocation/queue class, per §4.7's metaslab biased
// classes and §6.5's zfs_vdev_queue_depth_pct tunable.
type Class int

const (
	ClassNormal Class = iota
	ClassLog
	ClassSpecial
	ClassDedup
)

// QueuePolicy computes each class's share of a top-level vdev's in-flight
// write budget from zfs_vdev_queue_depth_pct. Per the resolved open
// question (SPEC_FULL.md §4 / DESIGN.md), special and dedup share one
// combined slice of queue_depth_pct, split 50/50 between them, kept
// separate from the normal/log slice (which itself splits evenly between
// normal and log). This is a single pinned policy, not configurable,
// because the source documentation of the true split varies across
// platform files.
type QueuePolicy struct {
	QueueDepthPct int // e.g. 1000 means 1000% of asize-derived base depth
	BaseDepth     int // per-vdev base depth before the percentage is applied
}

// Depth returns the maximum in-flight writes permitted for class on a
// vdev governed by this policy.
func (p QueuePolicy) Depth(class Class) int {
	total := p.BaseDepth * p.QueueDepthPct / 100
	if total < 1 {
		total = 1
	}
	normalLogShare := total / 2
	specialDedupShare := total - normalLogShare

	switch class {
	case ClassNormal:
		return max1(normalLogShare / 2)
	case ClassLog:
		return max1(normalLogShare - normalLogShare/2)
	case ClassSpecial:
		return max1(specialDedupShare / 2)
	case ClassDedup:
		return max1(specialDedupShare - specialDedupShare/2)
	default:
		return max1(total)
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
