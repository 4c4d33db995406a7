package vdev

import (
	"testing"

	"gotest.tools/v3/assert"
)

func newSeekBuf(size int64) *memSeeker {
	return &memSeeker{data: make([]byte, size)}
}

type memSeeker struct {
	data []byte
	pos  int64
}

func (s *memSeeker) Read(p []byte) (int, error) {
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *memSeeker) Write(p []byte) (int, error) {
	n := copy(s.data[s.pos:], p)
	s.pos += int64(n)
	return n, nil
}

func (s *memSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = offset
	case 1:
		s.pos += offset
	case 2:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}

func TestUberblockEncodeDecodeRoundTrip(t *testing.T) {
	u := &Uberblock{Version: 1, Txg: 42, Sequence: 3, Timestamp: 1000}
	data := u.Encode()

	got, ok := DecodeUberblock(data)
	if !ok {
		t.Fatal("expected valid decode")
	}
	if got.Txg != 42 || got.Sequence != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeUberblockRejectsCorruption(t *testing.T) {
	u := &Uberblock{Txg: 1}
	data := u.Encode()
	data[10] ^= 0xFF

	if _, ok := DecodeUberblock(data); ok {
		t.Fatal("expected corrupted uberblock to fail decode")
	}
}

func TestUberblockNewerByTxgThenSequence(t *testing.T) {
	a := &Uberblock{Txg: 5, Sequence: 1}
	b := &Uberblock{Txg: 5, Sequence: 2}
	c := &Uberblock{Txg: 6, Sequence: 0}

	if !b.Newer(a) {
		t.Fatal("expected b newer than a (same txg, higher sequence)")
	}
	if !c.Newer(b) {
		t.Fatal("expected c newer than b (higher txg)")
	}
}

func TestUberblockRingScanPicksNewest(t *testing.T) {
	rw := newSeekBuf(LabelSize)
	ring := NewUberblockRing(rw, 0)

	for txg := uint64(1); txg <= 3; txg++ {
		if err := ring.Commit(&Uberblock{Txg: txg, Sequence: txg}); err != nil {
			t.Fatal(err)
		}
	}

	best, _, err := ring.ScanLatest()
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.Txg != 3 {
		t.Fatalf("expected newest txg 3, got %+v", best)
	}
}

func TestLabelOffsetSections(t *testing.T) {
	off, size, err := LabelOffset(1, LabelSectionUberblock)
	if err != nil {
		t.Fatal(err)
	}
	if off != LabelSize+UberblockOffset || size != UberblockRingSize {
		t.Fatalf("got off=%d size=%d", off, size)
	}

	if _, _, err := LabelOffset(4, LabelSectionPad1); err == nil {
		t.Fatal("expected error for out-of-range label index")
	}
}

// TestUberblockEncodeIsByteStableAcrossCalls is a golden byte-comparison
// check (the teacher's ext4 tests lean on byte-for-byte fixture
// comparison the same way): encoding the same uberblock twice must
// produce identical bytes, since the on-disk ring format depends on
// Encode being a pure function of the struct's fields.
func TestUberblockEncodeIsByteStableAcrossCalls(t *testing.T) {
	u1 := &Uberblock{Version: 2, Txg: 7, Sequence: 1, Timestamp: 555, GUIDSum: 0xabc}
	u2 := &Uberblock{Version: 2, Txg: 7, Sequence: 1, Timestamp: 555, GUIDSum: 0xabc}

	assert.DeepEqual(t, u1.Encode(), u2.Encode())
}

// TestUberblockRingCommitPreservesPriorSlotUntilOverwritten is the direct
// byte-level check behind §8 property 2 ("no torn uberblock"): after one
// Commit, the ring's other slots still decode to whatever was written
// there before, they are not zeroed as a side effect of writing a
// different slot.
func TestUberblockRingCommitPreservesPriorSlotUntilOverwritten(t *testing.T) {
	rw := newSeekBuf(LabelSize)
	ring := NewUberblockRing(rw, 0)

	assert.NilError(t, ring.Commit(&Uberblock{Txg: 1, Sequence: 1}))
	firstSlotBytes := append([]byte(nil), rw.data[UberblockOffset:UberblockOffset+UberblockSize]...)

	assert.NilError(t, ring.Commit(&Uberblock{Txg: 2, Sequence: 1}))

	assert.DeepEqual(t, firstSlotBytes, rw.data[UberblockOffset:UberblockOffset+UberblockSize])
}
