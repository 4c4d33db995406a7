// Package dmu implements the per-object block cache and COW write staging
// layer (§4.3): dnodes own an indirect tree of block pointers, dbufs cache
// one block of one object in one of a small set of states, and dirty
// records chain a dbuf's pending writes newest-to-oldest by transaction
// group until the syncing txg consumes them.
package dmu

import (
	"sync"

	"github.com/coldpool/zfscore/pkg/blkptr"
)

// Type identifies what an object's contents mean, mirroring the handful of
// object kinds the pool's meta-object set and datasets actually use.
type Type int

const (
	TypeNone Type = iota
	TypeObjectDirectory
	TypeObjectArray
	TypePackedNVList
	TypePlainFileContents
	TypeDirectoryContents
	TypeBonus
	TypeSpaceMap
	TypeDSLDataset
)

// IndirectFanout is the number of block pointers that fit in one indirect
// block; it bounds how many leaf blocks a dnode can address before its
// indirection depth (Levels) must grow.
const IndirectFanout = 128

// Dnode is an object descriptor: it owns an indirect tree of block
// pointers addressed by (level, blkid), growing Levels as the object's
// highest blkid outgrows the current tree's reach.
type Dnode struct {
	mu sync.Mutex

	Object    uint64
	Type      Type
	BonusType Type
	Bonus     []byte
	BlockSize int
	Levels    int
	MaxBlkID  uint64

	bps map[uint64]*blkptr.BP // (level<<56 | blkid) -> block pointer, sparse

	dirtyPerTxg map[uint64][]*Dbuf // txg -> dbufs dirtied in that txg, for dnode-wide sync fanout
}

// NewDnode allocates an object descriptor with one level of indirection
// (direct block pointers only).
func NewDnode(object uint64, typ Type, blockSize int) *Dnode {
	return &Dnode{
		Object:      object,
		Type:        typ,
		BlockSize:   blockSize,
		Levels:      1,
		bps:         make(map[uint64]*blkptr.BP),
		dirtyPerTxg: make(map[uint64][]*Dbuf),
	}
}

func bpKey(level int, blkid uint64) uint64 {
	return uint64(level)<<56 | blkid
}

// BlockPointer returns the block pointer stored at (level, blkid), if any.
func (dn *Dnode) BlockPointer(level int, blkid uint64) (*blkptr.BP, bool) {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	bp, ok := dn.bps[bpKey(level, blkid)]
	return bp, ok
}

// SetBlockPointer installs bp at (level, blkid), growing the indirection
// depth if blkid no longer fits the tree at its current height.
func (dn *Dnode) SetBlockPointer(level int, blkid uint64, bp *blkptr.BP) {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	dn.bps[bpKey(level, blkid)] = bp
	if level == 0 && blkid > dn.MaxBlkID {
		dn.MaxBlkID = blkid
	}
	dn.growToFit(blkid)
}

// growToFit bumps Levels until the dnode's indirect tree can address
// blkid, one level at a time (a dnode never drops levels once grown).
func (dn *Dnode) growToFit(blkid uint64) {
	capacity := uint64(IndirectFanout)
	for i := 1; i < dn.Levels; i++ {
		capacity *= IndirectFanout
	}
	for blkid >= capacity {
		dn.Levels++
		capacity *= IndirectFanout
	}
}

// NumLevels reports the dnode's current indirection depth.
func (dn *Dnode) NumLevels() int {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	return dn.Levels
}

// markDirty links db into this dnode's per-txg dirty list exactly once;
// dmu_buf_will_dirty's step of "the dnode is dirtied once per txg" (§4.3).
func (dn *Dnode) markDirty(txg uint64, db *Dbuf) {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	for _, existing := range dn.dirtyPerTxg[txg] {
		if existing == db {
			return
		}
	}
	dn.dirtyPerTxg[txg] = append(dn.dirtyPerTxg[txg], db)
}

// DirtyDbufs returns (and clears) the dbufs dirtied in txg, for the
// syncing-txg sweep to walk.
func (dn *Dnode) DirtyDbufs(txg uint64) []*Dbuf {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	dbufs := dn.dirtyPerTxg[txg]
	delete(dn.dirtyPerTxg, txg)
	return dbufs
}
