package dmu

import "github.com/coldpool/zfscore/pkg/blkptr"

// dirtyRecord is one txg's pending write against a dbuf, chained
// newest-to-oldest. A leaf dbuf's record snapshots its data; an indirect
// dbuf's record instead accumulates its dirtied children so the sync path
// can wait for their block pointers before writing its own block (§4.3).
type dirtyRecord struct {
	txg  uint64
	next *dirtyRecord

	data     []byte // leaf snapshot, nil for indirect records
	children []*Dbuf
	bp       *blkptr.BP // filled in once this record's write zio reaches ready
}

// WillDirty implements dmu_buf_will_dirty: it finds or creates this txg's
// dirty record at the head of db's chain, snapshots leaf data, registers
// an indirect dbuf's children, and walks the parent chain so every
// ancestor (and the owning dnode) is dirtied in the same txg.
func (db *Dbuf) WillDirty(txg uint64) {
	db.mu.Lock()

	if db.dirty == nil || db.dirty.txg != txg {
		dr := &dirtyRecord{txg: txg, next: db.dirty}
		db.dirty = dr
		if db.key.Level > 0 {
			dr.children = nil
		} else {
			data := make([]byte, len(db.data))
			copy(data, db.data)
			dr.data = data
		}
	}
	parent := db.parent
	dn := db.dn
	db.mu.Unlock()

	dn.markDirty(txg, db)

	if parent != nil {
		parent.WillDirty(txg)
		parent.registerChild(txg, db)
	}
}

// registerChild adds child to this (necessarily indirect) dbuf's current
// dirty record's child list, so the sync path knows to wait for it.
func (db *Dbuf) registerChild(txg uint64, child *Dbuf) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.dirty == nil || db.dirty.txg != txg {
		return
	}
	for _, c := range db.dirty.children {
		if c == child {
			return
		}
	}
	db.dirty.children = append(db.dirty.children, child)
}

// dirtyRecordForTxg returns db's dirty record for txg, if one exists.
func (db *Dbuf) dirtyRecordForTxg(txg uint64) *dirtyRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	for dr := db.dirty; dr != nil; dr = dr.next {
		if dr.txg == txg {
			return dr
		}
	}
	return nil
}

// pruneSynced drops the dirty record for txg once it has been synced,
// leaving older (still-pending) records in the chain untouched — dirty
// records per dbuf are strictly decreasing in txg (§4.3).
func (db *Dbuf) pruneSynced(txg uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.dirty != nil && db.dirty.txg == txg {
		db.dirty = db.dirty.next
	}
}
