// Package ddt implements the deduplication table (§4.5): a checksum keyed
// map from a block's identity to the device-vdev-addresses that already
// hold its data, backed by a two-bank append-only log (active, flushing)
// draining into a persistent ZAP-style store.
package ddt

import (
	"encoding/binary"

	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/checksum"
	"github.com/coldpool/zfscore/pkg/compress"
)

// Key identifies a DDT entry: a block's checksum together with the
// properties that must also match for two writes to share storage (§4.5's
// "(checksum, lsize, psize, compress, encrypted)").
type Key struct {
	Checksum   checksum.Digest
	ChecksumID checksum.ID
	LSize      uint32
	PSize      uint32
	Compress   uint8
	Encrypted  bool
}

// Class partitions the table the way the pool partitions metaslabs:
// entries for different (type, class) pairs live in separate stores.
type Class string

const (
	ClassNormal Class = "normal"
	ClassDedup  Class = "dedup"
)

// Phys is the deduplication entry's physical record: the flat variant of
// §4.3's phys union (one DVA set, not the four-variant per-copy-count
// array the traditional on-disk format also supports — see DESIGN.md for
// why the flat variant alone is implemented here).
type Phys struct {
	DVAs       []blkptr.DVA
	Refcount   uint64
	Birth      uint64
	ClassStart uint64
}

// encodeKey renders a Key as a flat, comparable byte string suitable as a
// store key, ordering first by checksum so store iteration order matches
// the walk cursor's expectations (§4.5's stable "(class, type, checksum_id,
// zap_cursor)" cursor).
func encodeKey(class Class, k Key) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(class)...)
	buf = append(buf, 0)
	buf = append(buf, byte(k.ChecksumID))
	var digest [32]byte
	for i, w := range k.Checksum {
		binary.BigEndian.PutUint64(digest[i*8:i*8+8], w)
	}
	buf = append(buf, digest[:]...)
	var rest [9]byte
	binary.BigEndian.PutUint32(rest[0:4], k.LSize)
	binary.BigEndian.PutUint32(rest[4:8], k.PSize)
	rest[8] = k.Compress
	buf = append(buf, rest[:]...)
	if k.Encrypted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// encodePhys implements §6.4's on-disk phys framing: one prefix byte (bit
// 7 = host byte order used when compressing, bits 0..6 = compression
// function ID) followed by the compressed phys bytes. DDT payloads
// compress with ZLE per §4.6; a payload ZLE cannot shrink is stored raw
// under the Off ID.
func encodePhys(p Phys) ([]byte, error) {
	raw := marshalPhys(p)
	id := compress.ZLE
	out, ok, err := compress.Compress(id, raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		id, out = compress.Off, raw
	}
	prefix := byte(id) & 0x7F // bit 7 (host byte order) left clear: big-endian framing throughout
	buf := make([]byte, 1+len(out))
	buf[0] = prefix
	copy(buf[1:], out)
	return buf, nil
}

// maxPhysSize bounds marshalPhys's output: a 25-byte header plus at most
// 255 16-byte DVAs.
const maxPhysSize = 25 + 255*16

// decodePhys reverses encodePhys. An lsize of 0 means the uncompressed
// length is unknown: the payload is then decompressed into a maxPhysSize
// buffer, whose zero padding unmarshalPhys ignores.
func decodePhys(raw []byte, lsize int) (Phys, error) {
	if len(raw) == 0 {
		return Phys{}, nil
	}
	prefix := raw[0]
	id := compress.ID(prefix & 0x7F)
	if id == compress.Off {
		return unmarshalPhys(raw[1:]), nil
	}
	if lsize <= 0 {
		lsize = maxPhysSize
	}
	body, err := compress.Decompress(id, raw[1:], lsize)
	if err != nil {
		return Phys{}, err
	}
	return unmarshalPhys(body), nil
}

func marshalPhys(p Phys) []byte {
	buf := make([]byte, 0, 16+len(p.DVAs)*16)
	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:8], p.Refcount)
	binary.BigEndian.PutUint64(hdr[8:16], p.Birth)
	binary.BigEndian.PutUint64(hdr[16:24], p.ClassStart)
	buf = append(buf, hdr[:]...)
	buf = append(buf, byte(len(p.DVAs)))
	for _, d := range p.DVAs {
		var dbuf [16]byte
		binary.BigEndian.PutUint32(dbuf[0:4], d.Vdev)
		binary.BigEndian.PutUint64(dbuf[4:12], d.Offset)
		binary.BigEndian.PutUint32(dbuf[12:16], d.ASize)
		buf = append(buf, dbuf[:]...)
	}
	return buf
}

func unmarshalPhys(buf []byte) Phys {
	if len(buf) < 25 {
		return Phys{}
	}
	p := Phys{
		Refcount:   binary.BigEndian.Uint64(buf[0:8]),
		Birth:      binary.BigEndian.Uint64(buf[8:16]),
		ClassStart: binary.BigEndian.Uint64(buf[16:24]),
	}
	n := int(buf[24])
	cursor := 25
	for i := 0; i < n && cursor+16 <= len(buf); i++ {
		d := blkptr.DVA{
			Vdev:   binary.BigEndian.Uint32(buf[cursor : cursor+4]),
			Offset: binary.BigEndian.Uint64(buf[cursor+4 : cursor+12]),
			ASize:  binary.BigEndian.Uint32(buf[cursor+12 : cursor+16]),
		}
		p.DVAs = append(p.DVAs, d)
		cursor += 16
	}
	return p
}
