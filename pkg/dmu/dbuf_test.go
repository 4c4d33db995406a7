package dmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDbufFSMReadPath(t *testing.T) {
	dn := NewDnode(1, TypePlainFileContents, 4096)
	db := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 0}, nil)
	assert.Equal(t, StateUncached, db.State())

	db.StartRead()
	assert.Equal(t, StateRead, db.State())

	db.Publish([]byte("hello"))
	assert.Equal(t, StateCached, db.State())
	assert.Equal(t, []byte("hello"), db.Data())
}

func TestDbufFSMFillAndNoFillPaths(t *testing.T) {
	dn := NewDnode(1, TypePlainFileContents, 4096)

	fill := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 1}, nil)
	fill.StartFill()
	assert.Equal(t, StateFill, fill.State())
	fill.Publish([]byte("filled"))
	assert.Equal(t, StateCached, fill.State())

	nofill := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 2}, nil)
	nofill.StartNoFill()
	assert.Equal(t, StateNoFill, nofill.State())
	nofill.Publish([]byte("overwritten"))
	assert.Equal(t, StateCached, nofill.State())
}

func TestDbufEvictRequiresZeroHolds(t *testing.T) {
	dn := NewDnode(1, TypePlainFileContents, 4096)
	db := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 0}, nil)
	db.StartRead()
	db.Publish([]byte("data"))

	db.Hold()
	if err := db.Evict(); err != ErrHeld {
		t.Fatalf("expected ErrHeld while holds > 0, got %v", err)
	}
	assert.Equal(t, StateCached, db.State())

	db.Release()
	if err := db.Evict(); err != nil {
		t.Fatalf("expected clean eviction once holds drop to zero, got %v", err)
	}
	assert.Equal(t, StateEvicting, db.State())
	assert.Nil(t, db.Data())
}

func TestWillDirtyChainsParentAndDnode(t *testing.T) {
	dn := NewDnode(1, TypePlainFileContents, 4096)
	parent := newDbuf(dn, Key{Object: 1, Level: 1, Blkid: 0}, nil)
	parent.StartRead()
	parent.Publish(nil)

	child := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 3}, parent)
	child.StartRead()
	child.Publish([]byte("leaf"))

	child.WillDirty(10)

	if dr := child.dirtyRecordForTxg(10); dr == nil {
		t.Fatal("expected a dirty record for txg 10")
	} else {
		assert.Equal(t, []byte("leaf"), dr.data)
	}

	if dr := parent.dirtyRecordForTxg(10); dr == nil {
		t.Fatal("expected walking up to dirty the parent for the same txg")
	} else {
		assert.Len(t, dr.children, 1)
		assert.Same(t, child, dr.children[0])
	}

	assert.Len(t, dn.DirtyDbufs(10), 2, "both parent and child must be linked into the dnode's per-txg dirty list")
}

func TestWillDirtyReusesHeadRecordWithinSameTxg(t *testing.T) {
	dn := NewDnode(1, TypePlainFileContents, 4096)
	db := newDbuf(dn, Key{Object: 1, Level: 0, Blkid: 0}, nil)
	db.StartRead()
	db.Publish([]byte("v1"))

	db.WillDirty(5)
	first := db.dirtyRecordForTxg(5)

	db.WillDirty(5)
	second := db.dirtyRecordForTxg(5)

	assert.Same(t, first, second, "dirtying the same dbuf twice in one txg must reuse the head record")
}
