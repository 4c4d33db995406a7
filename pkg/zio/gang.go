package zio

import (
	"context"
	"encoding/binary"
	"errors"
	"io/ioutil"

	"github.com/djherbis/buffer"
	"github.com/djherbis/nio"

	"github.com/coldpool/zfscore/pkg/blkptr"
)

// MaxGangChildren bounds a single gang header the way a 128-byte block
// pointer bounds its embedded DVAs: one header holds up to three child
// block pointers (§4.2 "gang blocks").
const MaxGangChildren = 3

var errNoContiguousSpace = errors.New("zio: allocation did not fit contiguously, gang split required")

// GangHeader is the in-memory form of a gang block: a small fixed record
// of child block pointers, written in place of the original single block
// once the allocator cannot satisfy one contiguous allocation.
type GangHeader struct {
	Children [MaxGangChildren]blkptr.BP
	NChildren int
}

// Split breaks z's data into up to MaxGangChildren pieces, each becoming
// its own child write zio with its own BP, and marks z's own BP as a gang
// header. The caller is responsible for actually persisting the header
// (via the DVAs the header's own allocation used); Split only builds the
// child tree and wires the parent/child wait relationship so z cannot
// reach StageReady until every child has completed its own pipeline.
func Split(ctx context.Context, z *ZIO, chunkSize int64) (*GangHeader, error) {
	if z.BP == nil {
		return nil, errors.New("zio: gang split requires a block pointer")
	}
	if chunkSize <= 0 {
		return nil, errors.New("zio: invalid gang chunk size")
	}

	total := int64(len(z.Data))
	nChunks := (total + chunkSize - 1) / chunkSize
	if nChunks > MaxGangChildren {
		return nil, errNoContiguousSpace
	}

	header := &GangHeader{NChildren: int(nChunks)}
	z.BP.Gang = true

	type pendingChild struct {
		idx int
		bp  *blkptr.BP
		z   *ZIO
	}
	pending := make([]pendingChild, 0, nChunks)

	for i := int64(0); i < nChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		childData := z.Data[start:end]

		childBP := &blkptr.BP{
			LSize:    uint32(len(childData)),
			PSize:    uint32(len(childData)),
			Compress: z.BP.Compress,
			Checksum: z.BP.Checksum,
			Crypt:    z.BP.Crypt,
			NDVAs:    z.BP.NDVAs,
			Birth:    z.BP.Birth,
		}

		child := New(TypeWrite, childBP, childData)
		child.Allocator = z.Allocator
		child.Deduper = z.Deduper
		child.Vd = z.Vd
		child.Birth = z.Birth
		child.Key = z.Key
		child.AAD = z.AAD
		child.Flags = z.Flags

		z.AddChild(child)
		pending = append(pending, pendingChild{idx: int(i), bp: childBP, z: child})
		child.Nowait(ctx)
	}

	// A child's BP only gets its real DVAs once its own dva_allocate stage
	// runs, which happens asynchronously via Nowait above; the header has
	// to wait for that before it can record usable pointers, or it ends up
	// addressing nothing.
	for _, p := range pending {
		<-p.z.done
		header.Children[p.idx] = *p.bp
	}

	return header, nil
}

// joinBufferSize caps how much of a rejoined gang block nio's spillable
// buffer keeps in memory before it starts writing to disk, the same
// pattern the teacher's package reader uses for large streamed payloads.
const joinBufferSize = 1 << 20

// Join reassembles a gang block's children, already read back by the
// caller in header order, into the single contiguous payload the
// original zio represented. It streams the concatenation through an
// nio/buffer pipe rather than a second in-memory append so a gang split
// deep enough to need disk-backed spillover for Split's writes gets the
// same treatment on the read side.
func Join(header *GangHeader, children [][]byte) ([]byte, error) {
	if header == nil {
		return nil, errors.New("zio: join requires a gang header")
	}
	if len(children) != header.NChildren {
		return nil, errors.New("zio: join child count does not match gang header")
	}

	r, w := nio.Pipe(buffer.New(joinBufferSize))

	errCh := make(chan error, 1)
	go func() {
		defer w.Close()
		for i := 0; i < header.NChildren; i++ {
			if _, err := w.Write(children[i]); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	out, readErr := ioutil.ReadAll(r)
	if writeErr := <-errCh; writeErr != nil {
		return nil, writeErr
	}
	if readErr != nil {
		return nil, readErr
	}
	return out, nil
}

// encodeGangHeader serializes h into the fixed on-disk layout the header
// block itself is written and read back as: a child count followed by
// each child's encoded block pointer.
func encodeGangHeader(h *GangHeader) []byte {
	out := make([]byte, 4, 4+h.NChildren*blkptr.Size)
	binary.BigEndian.PutUint32(out, uint32(h.NChildren))
	for i := 0; i < h.NChildren; i++ {
		enc, err := h.Children[i].Encode()
		if err != nil {
			out = append(out, make([]byte, blkptr.Size)...)
			continue
		}
		out = append(out, enc[:]...)
	}
	return out
}

// decodeGangHeader parses bytes written by encodeGangHeader.
func decodeGangHeader(data []byte) (*GangHeader, error) {
	if len(data) < 4 {
		return nil, errors.New("zio: gang header too short")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if n < 0 || n > MaxGangChildren {
		return nil, errors.New("zio: gang header child count out of range")
	}
	if len(data) < 4+n*blkptr.Size {
		return nil, errors.New("zio: gang header truncated")
	}
	h := &GangHeader{NChildren: n}
	cursor := 4
	for i := 0; i < n; i++ {
		var raw [blkptr.Size]byte
		copy(raw[:], data[cursor:cursor+blkptr.Size])
		bp, err := blkptr.Decode(raw)
		if err != nil {
			return nil, err
		}
		h.Children[i] = *bp
		cursor += blkptr.Size
	}
	return h, nil
}

// tryGangSplit is dva_allocate's escape hatch when the allocator cannot
// place one contiguous region for the whole block (§4.2 "gang blocks"):
// the data is broken into up to MaxGangChildren independently allocated
// and written child blocks via Split, and z's own BP becomes a small gang
// header addressing them, needing only its own (much smaller) allocation
// to replace the one that just failed.
func tryGangSplit(ctx context.Context, z *ZIO, minNDVAs int) error {
	size := int64(z.BP.PSize)
	if size <= 0 {
		return errors.New("zio: gang split requires a non-empty block")
	}
	chunkSize := (size + MaxGangChildren - 1) / MaxGangChildren

	header, err := Split(ctx, z, chunkSize)
	if err != nil {
		return err
	}

	headerBytes := encodeGangHeader(header)
	dvas, err := z.Allocator.Allocate(int64(len(headerBytes)), z.BP.NDVAs, "normal", minNDVAs)
	if err != nil {
		return err
	}
	for i, d := range dvas {
		if i >= len(z.BP.DVAs) {
			break
		}
		z.BP.DVAs[i] = d
	}
	if len(dvas) > 0 {
		z.Off = int64(dvas[0].Offset)
	}

	// The header replaces z's data from here on: its children already
	// deduped their own payloads independently, so the header itself
	// never participates in dedup, but it's still checksummed/compressed/
	// encrypted like any other on-disk block.
	z.Data = headerBytes
	z.BP.PSize = uint32(len(headerBytes))
	z.BP.LSize = uint32(len(headerBytes))
	z.skip |= StageDedupWrite
	return nil
}
