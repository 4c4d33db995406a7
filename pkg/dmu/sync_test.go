package dmu

import (
	"context"
	"testing"
)

type fakeSyncVdev struct {
	writes [][]byte
}

func (v *fakeSyncVdev) IOStart(ctx context.Context, kind int, off, length int64, buf []byte, birth uint64) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	v.writes = append(v.writes, cp)
	return nil
}

func TestSyncListWritesLeafThenIndirect(t *testing.T) {
	dn := NewDnode(1, TypePlainFileContents, 4096)

	parent := newDbuf(dn, Key{Object: 1, Level: 1, Blkid: 0}, nil)
	parent.StartRead()
	parent.Publish(nil)

	leaf := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 0}, parent)
	leaf.StartFill()
	leaf.Publish([]byte("payload"))

	leaf.WillDirty(1)

	vd := &fakeSyncVdev{}
	err := SyncList(context.Background(), []*Dbuf{parent, leaf}, 1, SyncContext{Vd: vd})
	if err != nil {
		t.Fatal(err)
	}

	if len(vd.writes) != 2 {
		t.Fatalf("expected two vdev writes (leaf then indirect), got %d", len(vd.writes))
	}
	if string(vd.writes[0]) != "payload" {
		t.Fatalf("expected the leaf's own data as the first write, got %q", vd.writes[0])
	}

	if _, ok := dn.BlockPointer(0, 0); !ok {
		t.Fatal("expected the leaf's block pointer to be installed on the dnode")
	}
	if _, ok := dn.BlockPointer(1, 0); !ok {
		t.Fatal("expected the indirect block's block pointer to be installed on the dnode")
	}

	if dr := leaf.dirtyRecordForTxg(1); dr != nil {
		t.Fatal("expected the leaf's dirty record to be pruned after sync")
	}
	if dr := parent.dirtyRecordForTxg(1); dr != nil {
		t.Fatal("expected the parent's dirty record to be pruned after sync")
	}
}

func TestSyncListSkipsDbufsWithNoDirtyRecordForTxg(t *testing.T) {
	dn := NewDnode(1, TypePlainFileContents, 4096)
	leaf := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 0}, nil)
	leaf.StartFill()
	leaf.Publish([]byte("x"))
	// never dirtied for txg 1

	vd := &fakeSyncVdev{}
	if err := SyncList(context.Background(), []*Dbuf{leaf}, 1, SyncContext{Vd: vd}); err != nil {
		t.Fatal(err)
	}
	if len(vd.writes) != 0 {
		t.Fatalf("expected no writes for a dbuf with nothing dirtied in this txg, got %d", len(vd.writes))
	}
}
