package spa

import "github.com/coldpool/zfscore/pkg/checksum"

// digestToBytes/digestFromBytes convert between checksum.Digest and the
// 32-byte wire form blkptr.BP.CksumOrMAC carries, for the two read/write
// paths (RAID-Z, mirror self-heal) that address a checksum directly
// instead of going through pkg/zio's own checksum stages.
func digestToBytes(d checksum.Digest) [32]byte {
	var out [32]byte
	for i, w := range d {
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(w >> (56 - 8*b))
		}
	}
	return out
}

func digestFromBytes(b [32]byte) checksum.Digest {
	var d checksum.Digest
	for i := range d {
		var w uint64
		for bb := 0; bb < 8; bb++ {
			w |= uint64(b[i*8+bb]) << (56 - 8*bb)
		}
		d[i] = w
	}
	return d
}
