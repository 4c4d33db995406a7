package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRingPostAndDrain(t *testing.T) {
	r, err := NewRing(4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Post(Ereport{Class: ClassChecksum, VdevID: "vd0"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Post(Ereport{Class: ClassIOFailure, VdevID: "vd1"}); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(string(r.Bytes())), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}

	var first Ereport
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Class != ClassChecksum || first.VdevID != "vd0" {
		t.Fatalf("unexpected first record: %+v", first)
	}
}

func TestRingWraps(t *testing.T) {
	r, err := NewRing(64)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if err := r.Post(Ereport{Class: ClassIO, VdevID: "vd0"}); err != nil {
			t.Fatal(err)
		}
	}
	if r.TotalWritten() <= 64 {
		t.Fatalf("expected total written to exceed capacity after wraparound, got %d", r.TotalWritten())
	}
	if int64(len(r.Bytes())) > 64 {
		t.Fatalf("buffered bytes %d exceed capacity", len(r.Bytes()))
	}
}

func TestDeadmanFiresOnOverdueSync(t *testing.T) {
	ring, err := NewRing(4096)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDeadman(10*time.Millisecond, time.Hour, FailContinue, ring, nil)

	var triggered string
	d.OnTrigger(func(tag string, since time.Duration) {
		triggered = tag
	})

	d.Track("sync:5")
	time.Sleep(20 * time.Millisecond)
	d.CheckSync()

	if triggered != "sync:5" {
		t.Fatalf("expected deadman to fire for sync:5, got %q", triggered)
	}
	if ring.TotalWritten() == 0 {
		t.Fatal("expected an ereport to be posted on deadman trigger")
	}
}

func TestDeadmanPanicsUnderFailPanic(t *testing.T) {
	d := NewDeadman(time.Millisecond, time.Hour, FailPanic, nil, nil)
	d.Track("sync:1")
	time.Sleep(5 * time.Millisecond)

	defer func() {
		if recover() == nil {
			t.Fatal("expected deadman to panic under failmode=panic")
		}
	}()
	d.CheckSync()
}

func TestDeadmanIgnoresUntrackedOperations(t *testing.T) {
	d := NewDeadman(time.Millisecond, time.Millisecond, FailContinue, nil, nil)
	d.Track("sync:1")
	d.Untrack("sync:1")
	time.Sleep(5 * time.Millisecond)
	d.CheckSync() // must not panic or fire for an untracked tag
}
