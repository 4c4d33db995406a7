package spa

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sort"

	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/dmu"
	"github.com/coldpool/zfscore/pkg/vdev"
	"github.com/coldpool/zfscore/pkg/zil"
	"github.com/coldpool/zfscore/pkg/zio"

	pkgerrors "github.com/pkg/errors"
)

// zilHeaderSize is the on-disk size of a persisted zil.Header: claim_txg,
// replay_seq, and the log chain's head offset, each a fixed 8 bytes.
const zilHeaderSize = 24

// zilHeaderOffset is where the ZIL header lives relative to the root
// directory's bootstrap region: right after the root directory's own
// block pointer, the same "small fixed region a label-like bootstrap
// reads before anything else" pattern the directory pointer itself uses.
func zilHeaderOffset(rootDirOffset int64) int64 {
	return rootDirOffset + int64(blkptr.Size)
}

func encodeZilHeader(h zil.Header) []byte {
	buf := make([]byte, zilHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.ClaimTxg)
	binary.LittleEndian.PutUint64(buf[8:16], h.ReplaySeq)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.HeadOffset))
	return buf
}

func decodeZilHeader(buf []byte) zil.Header {
	return zil.Header{
		ClaimTxg:   binary.LittleEndian.Uint64(buf[0:8]),
		ReplaySeq:  binary.LittleEndian.Uint64(buf[8:16]),
		HeadOffset: int64(binary.LittleEndian.Uint64(buf[16:24])),
	}
}

// writeZilHeader persists the zil log's current header to its fixed
// bootstrap offset. It does not flush the backend itself: persistRootDirectory
// flushes once for both the directory entry and the header it writes
// alongside it, while WriteSync (which needs the header durable the
// moment a synchronous write commits, not only at the next txg sync)
// flushes right after calling this.
func (p *Pool) writeZilHeader() error {
	if p.zil == nil {
		return nil
	}
	hdrBuf := encodeZilHeader(p.zil.Header())
	_, err := p.rootDirBackend.WriteAt(hdrBuf, zilHeaderOffset(p.rootDirOffset))
	return err
}

// directoryRecordSize is the fixed on-disk size of one object's entry in
// the root directory block: object id, type, block size, a one-byte flag
// for whether the object's sole block has synced, and that block's
// pointer (zero-filled when it hasn't).
const directoryRecordSize = 8 + 1 + 4 + 1 + blkptr.Size

// persistRootDirectory writes every known dnode's (object, type,
// blocksize, block pointer) as a single block, then bootstraps the next
// open's path to it the same way a label bootstraps a pool: a small fixed
// raw region holds the block pointer itself, and the uberblock commit
// records where that region is (RootBPOff) so Open can find it without
// having read anything else yet.
func (p *Pool) persistRootDirectory(ctx context.Context, txg uint64) error {
	p.mu.Lock()
	objects := make([]uint64, 0, len(p.dnodes))
	for obj := range p.dnodes {
		objects = append(objects, obj)
	}
	p.mu.Unlock()
	sort.Slice(objects, func(i, j int) bool { return objects[i] < objects[j] })

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(objects))); err != nil {
		return err
	}
	for _, obj := range objects {
		dn, ok := p.dnode(obj)
		if !ok {
			continue
		}
		if err := binary.Write(buf, binary.LittleEndian, obj); err != nil {
			return err
		}
		buf.WriteByte(byte(dn.Type))
		if err := binary.Write(buf, binary.LittleEndian, uint32(dn.BlockSize)); err != nil {
			return err
		}
		if bp, ok := dn.BlockPointer(0, 0); ok {
			buf.WriteByte(1)
			enc, err := bp.Encode()
			if err != nil {
				return pkgerrors.Wrap(err, "spa: encode directory entry")
			}
			buf.Write(enc[:])
		} else {
			buf.WriteByte(0)
			buf.Write(make([]byte, blkptr.Size))
		}
	}

	dirBP, err := p.writeRawBlock(ctx, buf.Bytes(), txg)
	if err != nil {
		return pkgerrors.Wrap(err, "spa: write root directory block")
	}

	enc, err := dirBP.Encode()
	if err != nil {
		return pkgerrors.Wrap(err, "spa: encode root directory block pointer")
	}
	if _, err := p.rootDirBackend.WriteAt(enc[:], p.rootDirOffset); err != nil {
		return pkgerrors.Wrap(err, "spa: write root directory block pointer")
	}

	if err := p.writeZilHeader(); err != nil {
		return pkgerrors.Wrap(err, "spa: persist zil header")
	}

	if err := p.rootDirBackend.Flush(); err != nil {
		return err
	}

	p.engine.SetRootBPOffset(uint64(p.rootDirOffset))
	return nil
}

// loadRootDirectory reads the block pointer bootstrapped at off, fetches
// the directory block it addresses, and rebuilds every dnode it
// describes. A hole (nothing ever synced) leaves the pool empty, the same
// state Create leaves it in.
func (p *Pool) loadRootDirectory(ctx context.Context, off uint64) error {
	var raw [blkptr.Size]byte
	if _, err := p.rootDirBackend.ReadAt(raw[:], int64(off)); err != nil && err != io.EOF {
		return err
	}

	dirBP, err := blkptr.Decode(raw)
	if err != nil {
		return pkgerrors.Wrap(err, "spa: decode root directory block pointer")
	}
	if dirBP.IsHole() {
		return nil
	}

	data, err := p.readBlock(ctx, dirBP)
	if err != nil {
		return pkgerrors.Wrap(err, "spa: read root directory block")
	}

	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint32(0); i < count; i++ {
		var object uint64
		if err := binary.Read(r, binary.LittleEndian, &object); err != nil {
			return err
		}
		typByte, err := r.ReadByte()
		if err != nil {
			return err
		}
		var bszRaw [4]byte
		if _, err := io.ReadFull(r, bszRaw[:]); err != nil {
			return err
		}
		blockSize := binary.LittleEndian.Uint32(bszRaw[:])
		hasBP, err := r.ReadByte()
		if err != nil {
			return err
		}
		var bpRaw [blkptr.Size]byte
		if _, err := io.ReadFull(r, bpRaw[:]); err != nil {
			return err
		}

		dn := dmu.NewDnode(object, dmu.Type(typByte), int(blockSize))
		if hasBP == 1 {
			bp, err := blkptr.Decode(bpRaw)
			if err != nil {
				return pkgerrors.Wrap(err, "spa: decode directory entry block pointer")
			}
			dn.SetBlockPointer(0, 0, bp)
		}
		p.dnodes[object] = dn
		if object >= p.nextObject {
			p.nextObject = object + 1
		}
	}
	return nil
}

// writeRawBlock writes one self-contained block (not addressed by any
// dnode) through the data vdev and returns its block pointer, dispatching
// to the RAID-Z striping path when the data vdev needs it just as
// syncDirtyObjects does for ordinary object blocks.
func (p *Pool) writeRawBlock(ctx context.Context, data []byte, txg uint64) (*blkptr.BP, error) {
	if rz, ok := p.dataVdev.(*vdev.RaidZ); ok {
		return p.rawRaidZWrite(ctx, rz, data, txg)
	}

	bp := &blkptr.BP{
		NDVAs:    1,
		LSize:    uint32(len(data)),
		PSize:    uint32(len(data)),
		Checksum: p.checksum,
		Birth:    txg,
	}
	z := zio.New(zio.TypeWrite, bp, append([]byte(nil), data...))
	z.Vd = adaptVdev(p.dataVdev)
	z.Allocator = p.allocator
	z.MinNDVAs = 1
	if err := z.Wait(ctx); err != nil {
		return nil, err
	}
	return z.BP, nil
}
