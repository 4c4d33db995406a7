package vdev

import (
	"bytes"
	"context"
	"testing"
)

func TestLeafOpenCloseAndIO(t *testing.T) {
	ctx := context.Background()
	l := NewLeaf(1, "leaf0", newMemBackend(4096), 12)
	l.SetCapacity(4096)

	asize, ashift, err := l.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if asize != 4096 || ashift != 12 {
		t.Fatalf("got asize=%d ashift=%d", asize, ashift)
	}
	if l.State() != StateHealthy {
		t.Fatalf("expected healthy state, got %v", l.State())
	}

	data := []byte("hello-leaf")
	if err := l.IOStart(ctx, IOWrite, 0, int64(len(data)), data, 1); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if err := l.IOStart(ctx, IORead, 0, int64(len(data)), got, 1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q want %q", got, data)
	}

	if err := l.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateOffline {
		t.Fatalf("expected offline after close, got %v", l.State())
	}
}

func TestLeafFaultedRejectsIO(t *testing.T) {
	ctx := context.Background()
	l := NewLeaf(1, "leaf0", newMemBackend(4096), 12)
	l.SetCapacity(4096)
	if _, _, err := l.Open(ctx); err != nil {
		t.Fatal(err)
	}
	l.SetState(StateFaulted, AuxIOFailure)

	buf := make([]byte, 10)
	if err := l.IOStart(ctx, IORead, 0, 10, buf, 1); err == nil {
		t.Fatal("expected read against a faulted leaf to fail")
	}
}

func TestRootAggregatesStateFromChildren(t *testing.T) {
	ctx := context.Background()
	l0 := NewLeaf(1, "l0", newMemBackend(4096), 12)
	l1 := NewLeaf(2, "l1", newMemBackend(4096), 12)
	l0.SetCapacity(4096)
	l1.SetCapacity(4096)

	root := NewRoot(99, FailWait, l0, l1)
	if _, _, err := root.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if root.State() != StateHealthy {
		t.Fatalf("expected healthy root, got %v", root.State())
	}

	l0.SetState(StateFaulted, AuxIOFailure)
	state, _ := aggregateState(root.Children())
	if state != StateDegraded {
		t.Fatalf("expected degraded when one of two top-level vdevs is down, got %v", state)
	}
}
