package vdev

import "testing"

func TestQueuePolicySplitsSpecialDedup5050(t *testing.T) {
	p := QueuePolicy{QueueDepthPct: 1000, BaseDepth: 10}
	special := p.Depth(ClassSpecial)
	dedup := p.Depth(ClassDedup)
	if special != dedup {
		t.Fatalf("expected special/dedup 50/50 split, got special=%d dedup=%d", special, dedup)
	}
}

func TestQueuePolicyNeverReturnsZero(t *testing.T) {
	p := QueuePolicy{QueueDepthPct: 1, BaseDepth: 0}
	for _, c := range []Class{ClassNormal, ClassLog, ClassSpecial, ClassDedup} {
		if p.Depth(c) < 1 {
			t.Fatalf("expected at least depth 1 for class %d", c)
		}
	}
}
