// Package metaslab implements the pool's space allocator: each top-level
// vdev is partitioned into fixed-size metaslabs, each backed by a space
// map bitmap, and the allocator rotates across metaslabs by weight to
// satisfy the zio dva_allocate contract — (size, copies, class,
// min_ndvas) in, ndvas DVAs or ENOSPC out.
package metaslab

// SpaceMap is a bit-per-block allocation map for one metaslab: bit set
// means allocated, bit clear means free. The packing (one uint64 word per
// 64 blocks, word index = bno/64, bit index = bno%64) mirrors the block
// usage bitmap ext4 images are built from.
type SpaceMap struct {
	bits      []uint64
	nblocks   int64
	blockSize int64
}

// NewSpaceMap builds an all-free space map for a region of size bytes,
// addressed in blockSize-byte blocks.
func NewSpaceMap(size, blockSize int64) *SpaceMap {
	nblocks := divideUp(size, blockSize)
	return &SpaceMap{
		bits:      make([]uint64, divideUp(nblocks, 64)),
		nblocks:   nblocks,
		blockSize: blockSize,
	}
}

func divideUp(n, d int64) int64 {
	return (n + d - 1) / d
}

func (sm *SpaceMap) wordBit(bno int64) (int64, uint) {
	return bno / 64, uint(bno % 64)
}

// IsFree reports whether block bno is unallocated.
func (sm *SpaceMap) IsFree(bno int64) bool {
	if bno < 0 || bno >= sm.nblocks {
		return false
	}
	i, j := sm.wordBit(bno)
	return sm.bits[i]&(1<<j) == 0
}

// MarkAllocated sets the allocated bit for [first, first+nblocks).
func (sm *SpaceMap) MarkAllocated(first, nblocks int64) {
	for bno := first; bno < first+nblocks; bno++ {
		i, j := sm.wordBit(bno)
		sm.bits[i] |= 1 << j
	}
}

// MarkFree clears the allocated bit for [first, first+nblocks).
func (sm *SpaceMap) MarkFree(first, nblocks int64) {
	for bno := first; bno < first+nblocks; bno++ {
		i, j := sm.wordBit(bno)
		sm.bits[i] &^= 1 << j
	}
}

// RegionIsFree reports whether every block in [begin, begin+nblocks) is
// free, short-circuiting on the first allocated block found.
func (sm *SpaceMap) RegionIsFree(begin, nblocks int64) bool {
	if begin < 0 || begin+nblocks > sm.nblocks {
		return false
	}
	for bno := begin; bno < begin+nblocks; bno++ {
		i, j := sm.wordBit(bno)
		if sm.bits[i]&(1<<j) != 0 {
			return false
		}
	}
	return true
}

// FindFree does a first-fit scan for nblocks contiguous free blocks
// starting at or after hint, wrapping once to the beginning of the map.
func (sm *SpaceMap) FindFree(nblocks, hint int64) (int64, bool) {
	if nblocks <= 0 || nblocks > sm.nblocks {
		return 0, false
	}
	if hint < 0 || hint >= sm.nblocks {
		hint = 0
	}
	if off, ok := sm.scan(hint, sm.nblocks, nblocks); ok {
		return off, true
	}
	if hint == 0 {
		return 0, false
	}
	return sm.scan(0, hint, nblocks)
}

func (sm *SpaceMap) scan(from, to, nblocks int64) (int64, bool) {
	run := int64(0)
	for bno := from; bno < to; bno++ {
		if sm.IsFree(bno) {
			run++
			if run >= nblocks {
				return bno - run + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// FreeBlocks counts unallocated blocks.
func (sm *SpaceMap) FreeBlocks() int64 {
	var free int64
	for bno := int64(0); bno < sm.nblocks; bno++ {
		if sm.IsFree(bno) {
			free++
		}
	}
	return free
}

// Fragmentation is a coarse 0-100 score: the number of free runs beyond
// the first, relative to the number of free blocks. A fully contiguous
// free region scores 0; maximally interleaved free/used blocks score
// near 100.
func (sm *SpaceMap) Fragmentation() int {
	free := sm.FreeBlocks()
	if free == 0 {
		return 0
	}
	transitions := int64(0)
	wasFree := false
	for bno := int64(0); bno < sm.nblocks; bno++ {
		isFree := sm.IsFree(bno)
		if isFree && !wasFree {
			transitions++
		}
		wasFree = isFree
	}
	score := (transitions - 1) * 100 / free
	if score > 100 {
		score = 100
	}
	return int(score)
}
