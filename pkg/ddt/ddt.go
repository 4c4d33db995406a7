package ddt

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"sync"

	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/checksum"
)

// ErrNotFound is returned by the full Key-based API when an operation
// requires an existing entry (Bump, the refcount path of Free) and none
// exists.
var ErrNotFound = errors.New("ddt: entry not found")

// dirtyEntry is one in-memory ddt_tree record: an entry mutated in the
// current txg, consulted ahead of the log/store so a lookup against data
// this txg hasn't synced yet still finds it.
type dirtyEntry struct {
	class Class
	key   Key
	phys  Phys
}

// Table is one pool's deduplication table: the in-memory ddt_tree for the
// currently-open txg, the two-bank journal (Log), and the persistent ZAP
// store (Store) entries eventually flush into (§4.5).
type Table struct {
	mu sync.Mutex

	log   *Log
	store *Store
	tree  *orderedTree

	defaultClass      Class
	defaultChecksumID checksum.ID

	Pacing PacingController
}

// NewTable builds a table over an already-open log and store. The
// zio.Deduper adapter methods (Lookup/Insert/Bump) address entries under a
// fixed (class, checksum) pair; callers needing finer control use the
// Full-suffixed methods directly.
func NewTable(log *Log, store *Store) *Table {
	return &Table{
		log:               log,
		store:             store,
		tree:              newOrderedTree(),
		defaultClass:      ClassDedup,
		defaultChecksumID: checksum.SHA256,
		Pacing:            NewPacingController(),
	}
}

func (t *Table) keyFor(digest checksum.Digest) Key {
	return Key{Checksum: digest, ChecksumID: t.defaultChecksumID}
}

// Lookup implements pkg/zio's Deduper interface: a dedup_write stage hit
// returns the entry's DVAs so the caller can skip the real data I/O.
func (t *Table) Lookup(digest checksum.Digest) ([]blkptr.DVA, uint64, bool) {
	p, found, err := t.LookupFull(t.defaultClass, t.keyFor(digest))
	if err != nil || !found {
		return nil, 0, false
	}
	return p.DVAs, p.Refcount, true
}

// Insert implements pkg/zio's Deduper interface: a dedup_write miss
// installs a fresh entry with refcount 1.
func (t *Table) Insert(digest checksum.Digest, dvas []blkptr.DVA) error {
	return t.InsertFull(t.defaultClass, t.keyFor(digest), dvas)
}

// Bump implements pkg/zio's Deduper interface: a dedup_write hit
// increments the existing entry's refcount and reuses its DVAs.
func (t *Table) Bump(digest checksum.Digest) error {
	return t.BumpFull(t.defaultClass, t.keyFor(digest))
}

// LookupFull looks up class/key, checking the in-memory ddt_tree (entries
// dirtied this txg but not yet flushed to the log or store) before falling
// through to the persistent store.
func (t *Table) LookupFull(class Class, key Key) (Phys, bool, error) {
	t.mu.Lock()
	if e, ok := t.tree.get(string(encodeKey(class, key))); ok {
		t.mu.Unlock()
		return e.phys, true, nil
	}
	t.mu.Unlock()
	return t.store.Get(class, key)
}

// InsertFull implements the write-path miss: the caller has already
// allocated DVAs and written the data; InsertFull installs a refcount=1
// entry into the ddt_tree and journals it to the active log bank.
func (t *Table) InsertFull(class Class, key Key, dvas []blkptr.DVA) error {
	return t.installDirty(class, key, Phys{DVAs: dvas, Refcount: 1})
}

// BumpFull implements the write-path hit: increment the existing entry's
// refcount without another data write.
func (t *Table) BumpFull(class Class, key Key) error {
	p, found, err := t.LookupFull(class, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	p.Refcount++
	return t.installDirty(class, key, p)
}

// FreeFull implements the free path: decrement refcount, removing the
// entry once it reaches zero (§4.5).
func (t *Table) FreeFull(class Class, key Key) error {
	p, found, err := t.LookupFull(class, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if p.Refcount <= 1 {
		t.mu.Lock()
		t.tree.delete(string(encodeKey(class, key)))
		t.mu.Unlock()
		return t.store.Delete(class, key)
	}
	p.Refcount--
	return t.installDirty(class, key, p)
}

func (t *Table) installDirty(class Class, key Key, p Phys) error {
	t.mu.Lock()
	t.tree.set(string(encodeKey(class, key)), dirtyEntry{class: class, key: key, phys: p})
	t.mu.Unlock()
	return t.log.Append(logEntry{Class: class, Key: key, Phys: p})
}

// SyncTxg rotates the active log bank into flushing and clears the
// ddt_tree, the DDT's half of a txg's sync phase: everything dirtied this
// txg is now durable in the journal, so lookups no longer need the
// in-memory tree to see it, and the flushing bank is what FlushPaced
// drains into the store.
func (t *Table) SyncTxg() error {
	t.mu.Lock()
	t.tree = newOrderedTree()
	t.mu.Unlock()
	return t.log.Rotate()
}

// FlushPaced drains the flushing bank into the ZAP store, bounded by the
// pacing controller's per-txg budget for the given txg number.
func (t *Table) FlushPaced(txg uint64) (int, error) {
	backlog := t.log.Backlog()
	if backlog == 0 {
		return 0, nil
	}
	budget := t.Pacing.Budget(txg, backlog)
	if budget == 0 {
		return 0, nil
	}
	return t.log.Drain(int(budget), func(rawKey []byte, p Phys) error {
		enc, err := encodePhys(p)
		if err != nil {
			return err
		}
		return t.store.putRaw(rawKey, enc)
	})
}

// Prune drops refcount==1 ("unique") entries to reclaim space, up to
// budgetBytes of on-disk phys reclaimed, resuming from (and returning) a
// walk cursor so repeated calls make forward progress without rescanning
// already-visited entries (§4.5).
//
// Resolved open question: an entry pruned here that a later write would
// have deduplicated against is NOT specially remembered — the later write
// misses, allocates fresh DVAs, and installs a brand new refcount=1 entry.
// Pruning an entry discards its identity entirely; there is no ghost of a
// pruned DDT entry the way there is for an evicted ARC buffer.
func (t *Table) Prune(class Class, from []byte, budgetBytes int64) (cursor []byte, reclaimed int64, err error) {
	var toDelete [][]byte
	err = t.store.Walk(class, from, func(e CursorEntry) bool {
		cursor = e.RawKey
		if e.Phys.Refcount != 1 {
			return true
		}
		cost := int64(len(e.RawKey)) + int64(len(marshalPhys(e.Phys)))
		if reclaimed+cost > budgetBytes {
			return false
		}
		toDelete = append(toDelete, e.RawKey)
		reclaimed += cost
		return true
	})
	if err != nil {
		return cursor, reclaimed, err
	}
	for _, k := range toDelete {
		if err := t.store.deleteRaw(k); err != nil {
			return cursor, reclaimed, err
		}
	}
	return cursor, reclaimed, nil
}

// Close releases the table's log and store handles.
func (t *Table) Close() error {
	err1 := t.log.Close()
	err2 := t.store.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
