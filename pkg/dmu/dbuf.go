package dmu

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"sync"
)

// State is a dbuf's position in the cache FSM (§4.3). Transitions into
// Cached must publish a stable data buffer; transitions out of Cached
// require Holds == 0.
type State int

const (
	StateUncached State = iota
	StateRead
	StateFill
	StateNoFill
	StateCached
	StateEvicting
)

// ErrHeld is returned when an eviction is attempted on a dbuf with
// outstanding holds.
var ErrHeld = errors.New("dmu: dbuf has outstanding holds")

// Key identifies a dbuf: one block of one object at one indirection level.
type Key struct {
	Object uint64
	Level  int
	Blkid  uint64
}

// Dbuf is one cached block of one object. Its mutex orders after the
// owning dnode's, matching db_mtx/db_rwlock ordering after dn_struct_rwlock
// in the upstream implementation.
type Dbuf struct {
	mu sync.Mutex

	key   Key
	dn    *Dnode
	state State
	data  []byte
	holds int

	parent *Dbuf // nil for the dnode's own top-level dbuf

	dirty *dirtyRecord // newest-to-oldest chain, linked at dirty time

	changed chan struct{} // closed and replaced on every state transition, db_changed's condvar equivalent
}

func newDbuf(dn *Dnode, key Key, parent *Dbuf) *Dbuf {
	return &Dbuf{
		dn:      dn,
		key:     key,
		parent:  parent,
		state:   StateUncached,
		changed: make(chan struct{}),
	}
}

// Hold increments the dbuf's reference count, pinning it against eviction.
func (db *Dbuf) Hold() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.holds++
}

// Release decrements the reference count.
func (db *Dbuf) Release() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.holds > 0 {
		db.holds--
	}
}

// State returns the dbuf's current FSM state.
func (db *Dbuf) State() State {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// Key returns the (object, level, blkid) this dbuf caches, for a sync
// driver that needs to address a dnode's block pointer table directly
// (e.g. a top-level vdev type SyncList can't drive, like RAID-Z's
// stripe-addressed writes).
func (db *Dbuf) Key() Key {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.key
}

// Changed returns a channel that closes the next time this dbuf's state
// transitions, for callers waiting on a concurrent fill to complete.
func (db *Dbuf) Changed() <-chan struct{} {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.changed
}

func (db *Dbuf) transition(to State) {
	close(db.changed)
	db.changed = make(chan struct{})
	db.state = to
}

// StartRead moves an uncached dbuf into Read, the caller having committed
// to fetching its contents from ARC/the vdev tree.
func (db *Dbuf) StartRead() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state != StateUncached {
		return
	}
	db.transition(StateRead)
}

// StartFill moves an uncached dbuf into Fill, for a caller about to write
// the block's entire contents without reading the old data first.
func (db *Dbuf) StartFill() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state != StateUncached {
		return
	}
	db.transition(StateFill)
}

// StartNoFill moves an uncached dbuf into NoFill, for a full-block
// overwrite that will never need the block's prior contents.
func (db *Dbuf) StartNoFill() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state != StateUncached {
		return
	}
	db.transition(StateNoFill)
}

// Publish installs data as the dbuf's stable arc-buf and moves it to
// Cached from Read, Fill, or NoFill.
func (db *Dbuf) Publish(data []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	switch db.state {
	case StateRead, StateFill, StateNoFill:
		db.data = data
		db.transition(StateCached)
	}
}

// Data returns the dbuf's cached contents, valid only once State()==Cached.
func (db *Dbuf) Data() []byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.data
}

// Evict transitions a cached, unheld dbuf to Evicting and drops its data.
func (db *Dbuf) Evict() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state != StateCached {
		return nil
	}
	if db.holds != 0 {
		return ErrHeld
	}
	db.data = nil
	db.transition(StateEvicting)
	return nil
}
