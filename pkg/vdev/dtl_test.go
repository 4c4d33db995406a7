package vdev

import "testing"

func TestDTLDirtyAndContains(t *testing.T) {
	var d DTL
	d.Dirty(5, 10)
	if !d.Contains(7) {
		t.Fatal("expected txg 7 to be dirty")
	}
	if d.Contains(10) {
		t.Fatal("end is exclusive, txg 10 should not be dirty")
	}
	if d.Contains(4) {
		t.Fatal("txg 4 should not be dirty")
	}
}

func TestDTLClearRemovesRange(t *testing.T) {
	var d DTL
	d.Dirty(0, 20)
	d.Clear(5, 10)
	if d.Contains(7) {
		t.Fatal("expected 5..10 to be cleared")
	}
	if !d.Contains(3) || !d.Contains(15) {
		t.Fatal("expected ranges outside the clear to remain dirty")
	}
}

func TestDTLEmptyAfterFullClear(t *testing.T) {
	var d DTL
	d.Dirty(0, 10)
	d.Clear(0, 10)
	if !d.Empty() {
		t.Fatal("expected DTL to be empty after clearing its entire range")
	}
}

func TestDTLCoalescesOverlappingRanges(t *testing.T) {
	var d DTL
	d.Dirty(0, 5)
	d.Dirty(5, 10)
	d.Dirty(20, 25)
	// internal range count isn't exposed; verify via containment at the
	// boundary and a gap.
	if !d.Contains(5) || !d.Contains(9) {
		t.Fatal("expected coalesced range to cover the boundary")
	}
	if d.Contains(15) {
		t.Fatal("expected the gap between ranges to remain clean")
	}
}
