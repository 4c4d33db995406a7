// Package arc implements the pool's adaptive replacement cache: a
// content-addressed cache of decompressed block buffers keyed by
// (spa, dva, birth), adapting between recency (MRU) and frequency (MFU)
// pressure via ghost lists, with sharded multilists for eviction
// concurrency and an L2ARC feeder for spillover to dedicated cache
// devices (§4.4).
package arc

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sync"

	"github.com/coldpool/zfscore/pkg/blkptr"
)

// State is an arc buffer's membership in the cache's state machine.
type State int

const (
	StateAnon State = iota
	StateMRU
	StateMRUGhost
	StateMFU
	StateMFUGhost
	StateL2Only
)

func (s State) String() string {
	switch s {
	case StateAnon:
		return "anon"
	case StateMRU:
		return "mru"
	case StateMRUGhost:
		return "mru_ghost"
	case StateMFU:
		return "mfu"
	case StateMFUGhost:
		return "mfu_ghost"
	case StateL2Only:
		return "l2c_only"
	default:
		return "unknown"
	}
}

// Identity is the arc buffer key: a block's pool, DVA, and birth txg.
type Identity struct {
	SPA   uint64
	DVA   blkptr.DVA
	Birth uint64
}

// Key renders the identity as a comparable map key.
func (id Identity) Key() string {
	return fmt.Sprintf("%d/%d:%d:%d/%d", id.SPA, id.DVA.Vdev, id.DVA.Offset, id.DVA.ASize, id.Birth)
}

// header is one arc buffer's bookkeeping record. Ghost headers carry size
// only; their data field is always nil.
type header struct {
	id         Identity
	state      State
	size       int64
	data       []byte
	isMetadata bool
	refcount   int
}

// Cache is the process-wide adaptive replacement cache. There is
// normally exactly one live Cache per process, mirroring the real
// implementation's module-global arc state.
type Cache struct {
	mu  sync.Mutex
	byKey map[string]*header

	mruData, mruMeta   *multilist
	mfuData, mfuMeta   *multilist
	mruGhost, mfuGhost *multilist

	c, p     int64 // target cache size, MRU/MFU balance target
	cMin, cMax int64
	noGrow   bool

	numSublists int
}

// NewCache builds an ARC sized within [min, max] bytes, with numSublists
// per multilist (clamped to at least 4, per §4.4).
func NewCache(min, max int64, numSublists int) *Cache {
	if numSublists < 4 {
		numSublists = 4
	}
	return &Cache{
		byKey:       make(map[string]*header),
		mruData:     newMultilist(numSublists),
		mruMeta:     newMultilist(numSublists),
		mfuData:     newMultilist(numSublists),
		mfuMeta:     newMultilist(numSublists),
		mruGhost:    newMultilist(numSublists),
		mfuGhost:    newMultilist(numSublists),
		c:           min,
		p:           max / 2,
		cMin:        min,
		cMax:        max,
		numSublists: numSublists,
	}
}

func (c *Cache) dataList(state State, isMetadata bool) *multilist {
	switch state {
	case StateMRU:
		if isMetadata {
			return c.mruMeta
		}
		return c.mruData
	case StateMFU:
		if isMetadata {
			return c.mfuMeta
		}
		return c.mfuData
	case StateMRUGhost:
		return c.mruGhost
	case StateMFUGhost:
		return c.mfuGhost
	default:
		return nil
	}
}

// Get looks up id. A hit in MRU or MFU promotes/refreshes the buffer's
// recency; a hit against a ghost list (no data) adjusts the MRU/MFU
// target p per §4.4 and reports a miss to the caller, since ghosts carry
// no data to serve.
func (c *Cache) Get(id Identity) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := id.Key()
	h, ok := c.byKey[key]
	if !ok {
		return nil, false
	}

	switch h.state {
	case StateMRU:
		c.mruData.touch(key)
		c.mruMeta.touch(key)
		c.promote(h)
		return h.data, true
	case StateMFU:
		c.mfuData.touch(key)
		c.mfuMeta.touch(key)
		return h.data, true
	case StateMRUGhost:
		c.growP(h.size)
		c.dataList(StateMRUGhost, false).remove(key)
		delete(c.byKey, key)
		return nil, false
	case StateMFUGhost:
		c.shrinkP(h.size)
		c.dataList(StateMFUGhost, false).remove(key)
		delete(c.byKey, key)
		return nil, false
	case StateL2Only:
		return nil, false
	default:
		return nil, false
	}
}

// promote moves a buffer touched twice from MRU into MFU, the classic
// ARC "second touch" rule.
func (c *Cache) promote(h *header) {
	h.refcount++
	if h.refcount < 2 {
		return
	}
	c.dataList(StateMRU, h.isMetadata).remove(h.id.Key())
	h.state = StateMFU
	c.dataList(StateMFU, h.isMetadata).insert(h.id.Key(), h.size)
}

func (c *Cache) growP(delta int64) {
	c.p += delta
	if c.p > c.c {
		c.p = c.c
	}
}

func (c *Cache) shrinkP(delta int64) {
	c.p -= delta
	if c.p < 0 {
		c.p = 0
	}
}

// Insert installs a freshly read or written buffer as StateAnon's first
// insertion point, MRU, evicting if the cache is over its target size.
func (c *Cache) Insert(id Identity, data []byte, isMetadata bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := id.Key()
	if _, exists := c.byKey[key]; exists {
		return
	}

	h := &header{id: id, state: StateMRU, size: int64(len(data)), data: data, isMetadata: isMetadata}
	c.byKey[key] = h
	c.dataList(StateMRU, isMetadata).insert(key, h.size)

	c.evictToTarget()
}

// evictToTarget evicts from the least-favored list until total resident
// size is back under c.c, biasing toward MFU first once p has shifted
// frequency-ward (a simplified version of the real arc_evict loop's
// "which side are we over-target on" check).
func (c *Cache) evictToTarget() {
	for c.residentSize() > c.c {
		if c.mruData.size()+c.mruMeta.size() > c.p {
			if !c.evictOne(StateMRU, false) && !c.evictOne(StateMRU, true) {
				break
			}
			continue
		}
		if !c.evictOne(StateMFU, false) && !c.evictOne(StateMFU, true) {
			break
		}
	}
}

func (c *Cache) residentSize() int64 {
	return c.mruData.size() + c.mruMeta.size() + c.mfuData.size() + c.mfuMeta.size()
}

// evictOne evicts the tail of a random sublist in the given state/class,
// moving the header to the matching ghost list (data dropped, size kept
// so a later re-insertion can still size the ghost hit correctly).
func (c *Cache) evictOne(state State, isMetadata bool) bool {
	ml := c.dataList(state, isMetadata)
	key, ok := ml.evictTail()
	if !ok {
		return false
	}
	h, ok := c.byKey[key]
	if !ok {
		return false
	}
	h.data = nil
	ghostState := StateMRUGhost
	if state == StateMFU {
		ghostState = StateMFUGhost
	}
	h.state = ghostState
	c.dataList(ghostState, false).insert(key, h.size)
	return true
}

// Evictable reports the clean (non-dirty, resident) byte count eligible
// for eviction, summing MRU+MFU data and metadata classes (§4.4's
// shrinker estimate, step 1, before the reclaim-context clamp in
// EstimateEvictable).
func (c *Cache) Evictable() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentSize()
}

// SetNoGrow freezes further growth of the cache target under memory
// pressure (§4.4 arc_no_grow).
func (c *Cache) SetNoGrow(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noGrow = v
}

// Grow raises the cache's target size c by delta, clamped to cMax and
// suppressed entirely while noGrow is set.
func (c *Cache) Grow(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noGrow {
		return
	}
	c.c += delta
	if c.c > c.cMax {
		c.c = c.cMax
	}
}
