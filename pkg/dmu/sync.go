package dmu

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"sort"

	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/zio"
)

// SyncContext carries the zio wiring every synced dbuf's write needs.
type SyncContext struct {
	Vd        zio.Vdev
	Allocator zio.Allocator
	Deduper   zio.Deduper
	Class     string
	Copies    int
	MinNDVAs  int
	Checksum  blkptr.Checksum
	Compress  blkptr.Compression
}

// SyncList implements dbuf_sync_list: dirty dbufs are visited breadth
// first by level from leaves upward. Each level's writes run to
// completion (so an indirect dbuf's on-disk contents — its children's
// block pointers — are known) before the next level up is built; each
// dbuf's write zio is also linked as a child of its parent dbuf's write
// zio, so the parent graph carries the same worst-of error propagation
// as any other zio subtree even though by construction every child has
// already finished by the time it's attached.
func SyncList(ctx context.Context, dbufs []*Dbuf, txg uint64, sc SyncContext) error {
	byLevel := make(map[int][]*Dbuf)
	maxLevel := 0
	for _, db := range dbufs {
		byLevel[db.key.Level] = append(byLevel[db.key.Level], db)
		if db.key.Level > maxLevel {
			maxLevel = db.key.Level
		}
	}

	zios := make(map[*Dbuf]*zio.ZIO, len(dbufs))

	for level := 0; level <= maxLevel; level++ {
		group := byLevel[level]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].key.Blkid < group[j].key.Blkid })

		var batch []*zio.ZIO
		for _, db := range group {
			dr := db.dirtyRecordForTxg(txg)
			if dr == nil {
				continue
			}

			data := dr.data
			if level > 0 {
				data = serializeChildren(dr.children, txg)
			}

			copies := sc.Copies
			if copies == 0 {
				copies = 1
			}
			bp := &blkptr.BP{
				LSize:    uint32(len(data)),
				PSize:    uint32(len(data)),
				NDVAs:    copies,
				Checksum: sc.Checksum,
				Compress: sc.Compress,
			}
			z := zio.New(zio.TypeWrite, bp, data)
			z.Vd = sc.Vd
			z.Allocator = sc.Allocator
			z.Deduper = sc.Deduper
			z.MinNDVAs = sc.MinNDVAs

			// Children were built (and already finished) in the previous,
			// lower-level pass; attach them now so this indirect zio's
			// graph still carries the same parent/child error-propagation
			// contract as any other zio subtree, even though every child
			// is already done by the time it's attached.
			for _, child := range dr.children {
				if cz, ok := zios[child]; ok {
					z.AddChild(cz)
				}
			}

			dbCaptured, drCaptured := db, dr
			z.Callback = func(z *zio.ZIO) {
				if z.Err != nil {
					return
				}
				// dr.bp must survive until every higher level has had a
				// chance to serialize it into its own indirect block;
				// pruning the dirty record happens only after every level
				// has synced, below.
				drCaptured.bp = z.BP
				dbCaptured.dn.SetBlockPointer(dbCaptured.key.Level, dbCaptured.key.Blkid, z.BP)
			}

			zios[db] = z
			batch = append(batch, z)
		}

		for _, z := range batch {
			z.Nowait(ctx)
		}
		var firstErr error
		for _, z := range batch {
			if err := z.Wait(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			return firstErr
		}
	}

	for _, db := range dbufs {
		db.pruneSynced(txg)
	}

	return nil
}

// serializeChildren packs an indirect dbuf's children's finished block
// pointers into the on-disk indirect-block layout: a flat array of
// fixed-size block pointer records, in blkid order.
func serializeChildren(children []*Dbuf, txg uint64) []byte {
	out := make([]byte, 0, len(children)*blkptr.Size)
	sorted := append([]*Dbuf(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].key.Blkid < sorted[j].key.Blkid })
	for _, child := range sorted {
		dr := child.dirtyRecordForTxg(txg)
		if dr == nil || dr.bp == nil {
			out = append(out, make([]byte, blkptr.Size)...)
			continue
		}
		enc, err := dr.bp.Encode()
		if err != nil {
			out = append(out, make([]byte, blkptr.Size)...)
			continue
		}
		out = append(out, enc[:]...)
	}
	return out
}
