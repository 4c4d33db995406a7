package metaslab

import (
	"errors"
	"sort"
	"sync"

	"github.com/coldpool/zfscore/pkg/blkptr"
)

// ErrNoSpace is returned when the allocator cannot satisfy min_ndvas
// copies of a requested size (§7 "space exhaustion").
var ErrNoSpace = errors.New("metaslab: no space")

// vdevGroup is one top-level vdev's metaslab set, tagged with the
// allocation class it serves (normal, log, special, dedup).
type vdevGroup struct {
	guid      uint64
	class     string
	ashift    uint
	metaslabs []*Metaslab

	mu sync.Mutex
}

func (g *vdevGroup) weight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total int64
	for _, m := range g.metaslabs {
		total += m.Weight()
	}
	return total
}

func (g *vdevGroup) alloc(size int64) (int64, bool) {
	g.mu.Lock()
	ms := append([]*Metaslab(nil), g.metaslabs...)
	g.mu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].Weight() > ms[j].Weight() })
	for _, m := range ms {
		if off, ok := m.Alloc(size); ok {
			return off, true
		}
	}
	return 0, false
}

func (g *vdevGroup) free(absOffset, size int64) {
	g.mu.Lock()
	ms := append([]*Metaslab(nil), g.metaslabs...)
	g.mu.Unlock()
	for _, m := range ms {
		if m.Contains(absOffset) {
			m.Free(absOffset, size)
			return
		}
	}
}

// Allocator implements the dva_allocate/dva_free contract consumed by
// pkg/zio's write pipeline: request (size, copies, class, min_ndvas),
// receive that many DVAs on distinct top-level vdevs or ENOSPC.
type Allocator struct {
	mu     sync.Mutex
	groups map[uint64]*vdevGroup
}

// NewAllocator builds an empty allocator; vdevs are registered with
// AddVdev before any Allocate call.
func NewAllocator() *Allocator {
	return &Allocator{groups: make(map[uint64]*vdevGroup)}
}

// AddVdev partitions a top-level vdev of the given size into fixed-size
// metaslabs and registers it under class (normal/log/special/dedup).
func (a *Allocator) AddVdev(guid uint64, class string, size int64, ashift uint, metaslabSize int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g := &vdevGroup{guid: guid, class: class, ashift: ashift}
	var id uint64
	for off := int64(0); off < size; off += metaslabSize {
		msSize := metaslabSize
		if off+msSize > size {
			msSize = size - off
		}
		g.metaslabs = append(g.metaslabs, NewMetaslab(id, off, msSize, ashift))
		id++
	}
	a.groups[guid] = g
}

// classCandidates returns vdev groups serving class, falling back to
// "normal" when no vdev is dedicated to the requested class (mirroring
// real pool behavior when no special/dedup vdev was configured).
func (a *Allocator) classCandidates(class string) []*vdevGroup {
	a.mu.Lock()
	defer a.mu.Unlock()

	var matched []*vdevGroup
	for _, g := range a.groups {
		if g.class == class {
			matched = append(matched, g)
		}
	}
	if len(matched) == 0 && class != "normal" {
		for _, g := range a.groups {
			if g.class == "normal" {
				matched = append(matched, g)
			}
		}
	}
	return matched
}

// Allocate satisfies zio.Allocator. It rotates across the class's vdev
// groups by weight (most free space first), assigning each requested
// copy to a distinct vdev, and fails with ErrNoSpace only once fewer
// than minNDVAs copies could be placed.
func (a *Allocator) Allocate(size int64, copies int, class string, minNDVAs int) ([]blkptr.DVA, error) {
	if minNDVAs == 0 {
		minNDVAs = copies
	}

	groups := a.classCandidates(class)
	sort.Slice(groups, func(i, j int) bool { return groups[i].weight() > groups[j].weight() })

	var dvas []blkptr.DVA
	for _, g := range groups {
		if len(dvas) >= copies {
			break
		}
		off, ok := g.alloc(size)
		if !ok {
			continue
		}
		dvas = append(dvas, blkptr.DVA{
			Vdev:   uint32(g.guid),
			Offset: uint64(off),
			ASize:  uint32(size),
		})
	}

	if len(dvas) < minNDVAs {
		for _, d := range dvas {
			a.freeOne(d)
		}
		return nil, ErrNoSpace
	}
	return dvas, nil
}

// Free satisfies zio.Allocator.
func (a *Allocator) Free(dvas []blkptr.DVA) error {
	for _, d := range dvas {
		a.freeOne(d)
	}
	return nil
}

func (a *Allocator) freeOne(d blkptr.DVA) {
	a.mu.Lock()
	g, ok := a.groups[uint64(d.Vdev)]
	a.mu.Unlock()
	if !ok {
		return
	}
	g.free(int64(d.Offset), int64(d.ASize))
}
