package metaslab

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "sync"

// Metaslab is a fixed-size, space-managed region of a top-level vdev. Its
// space map is kept resident once touched ("loaded on demand" in
// practice means simply allocated lazily by NewMetaslab).
type Metaslab struct {
	ID     uint64
	Offset int64 // byte offset of this metaslab within its vdev
	Size   int64 // byte size of this metaslab

	ashift uint
	sm     *SpaceMap
	hint   int64

	mu sync.Mutex
}

// NewMetaslab builds an all-free metaslab covering [offset, offset+size)
// of a vdev with the given ashift (block size = 1<<ashift).
func NewMetaslab(id uint64, offset, size int64, ashift uint) *Metaslab {
	return &Metaslab{
		ID:     id,
		Offset: offset,
		Size:   size,
		ashift: ashift,
		sm:     NewSpaceMap(size, int64(1)<<ashift),
	}
}

// Weight ranks a metaslab for allocator rotation: free space biased
// against fragmentation, matching the "free space × historical
// fragmentation" policy. Fully fragmented space maps are discounted
// towards zero so the allocator prefers contiguous regions.
func (m *Metaslab) Weight() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.sm.FreeBlocks() * (int64(1) << m.ashift)
	frag := int64(m.sm.Fragmentation())
	return free * (100 - frag) / 100
}

// Alloc reserves nbytes of contiguous space, rounded up to the vdev's
// block size, and returns its absolute byte offset within the vdev.
func (m *Metaslab) Alloc(nbytes int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blockSize := int64(1) << m.ashift
	nblocks := divideUp(nbytes, blockSize)

	bno, ok := m.sm.FindFree(nblocks, m.hint)
	if !ok {
		return 0, false
	}
	m.sm.MarkAllocated(bno, nblocks)
	m.hint = bno + nblocks
	return m.Offset + bno*blockSize, true
}

// Free releases a prior allocation at the given absolute vdev offset.
// Allocation/free are idempotent within a syncing txg: freeing a region
// already free is a no-op rather than an error, since a crash before
// commit can leave the attempt half-applied.
func (m *Metaslab) Free(absOffset, nbytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blockSize := int64(1) << m.ashift
	local := absOffset - m.Offset
	if local < 0 || local >= m.Size {
		return
	}
	bno := local / blockSize
	nblocks := divideUp(nbytes, blockSize)
	m.sm.MarkFree(bno, nblocks)
	if bno < m.hint {
		m.hint = bno
	}
}

// Contains reports whether absOffset falls within this metaslab's range.
func (m *Metaslab) Contains(absOffset int64) bool {
	return absOffset >= m.Offset && absOffset < m.Offset+m.Size
}
