package main

import (
	"os"

	"github.com/coldpool/zfscore/pkg/vdev"
)

// fileBackend is the on-disk vdev.Backend every real (non-test) leaf in
// this CLI uses: a single regular file, grown to its configured capacity
// on first create and reopened as-is thereafter.
type fileBackend struct {
	f *os.File
}

// openFileBackend opens (creating if needed) the file at path and grows
// it to at least minSize bytes, returning the backend and its resulting
// size. A zero minSize leaves an existing file's size untouched, which is
// what reopening a previously created device wants.
func openFileBackend(path string, minSize int64) (*fileBackend, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	size := fi.Size()
	if minSize > size {
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, 0, err
		}
		size = minSize
	}
	return &fileBackend{f: f}, size, nil
}

func (b *fileBackend) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *fileBackend) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b *fileBackend) Flush() error                             { return b.f.Sync() }
func (b *fileBackend) Close() error                              { return b.f.Close() }

// metaFileSize is the fixed size of a pool's metadata file: four
// uberblock label regions (§6.2's per-label uberblock-ring section,
// reused here as four independent rings rather than carved into each
// data device, since nothing in the sync path threads a front/back label
// split into data-vdev offsets) plus a fixed region for the root
// directory's bootstrapped block pointer.
const (
	metaRootDirOffset = int64(vdev.LabelCount) * vdev.LabelSize
	metaRootDirSize   = 4096
	metaFileSize      = metaRootDirOffset + metaRootDirSize
)

// openMetaFile opens (creating and sizing if needed) a pool's metadata
// file and returns the four uberblock rings and the root-directory
// backend/offset carved out of it, the way spa.Config expects them.
func openMetaFile(path string) (*fileBackend, []*vdev.UberblockRing, vdev.Backend, int64, error) {
	back, _, err := openFileBackend(path, metaFileSize)
	if err != nil {
		return nil, nil, nil, 0, err
	}

	rings := make([]*vdev.UberblockRing, vdev.LabelCount)
	for i := range rings {
		rings[i] = vdev.NewUberblockRing(back.f, int64(i)*vdev.LabelSize)
	}

	return back, rings, back, metaRootDirOffset, nil
}
