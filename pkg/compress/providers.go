package compress

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

// passthroughProvider implements Off: no transformation, used as the
// identity algorithm and as the resolution target for "on" placeholder
// entries.
type passthroughProvider struct{}

func (passthroughProvider) Compress(src []byte) ([]byte, bool) {
	return nil, false
}

func (passthroughProvider) Decompress(src []byte, lsize int) ([]byte, error) {
	if len(src) != lsize {
		return nil, errors.New("compress: off-provider size mismatch")
	}
	out := make([]byte, lsize)
	copy(out, src)
	return out, nil
}

// emptyProvider implements EMPTY: a block that compresses to nothing because
// it is provably all zero.
type emptyProvider struct{}

func (emptyProvider) Compress(src []byte) ([]byte, bool) {
	for _, b := range src {
		if b != 0 {
			return nil, false
		}
	}
	return []byte{}, true
}

func (emptyProvider) Decompress(src []byte, lsize int) ([]byte, error) {
	if len(src) != 0 {
		return nil, errors.New("compress: empty-provider expects zero-length input")
	}
	return make([]byte, lsize), nil
}

// gzipProvider wraps klauspost/compress/gzip at a fixed level, backing the
// GZIP[1..9] mechanisms.
type gzipProvider struct {
	level int
}

func (p gzipProvider) Compress(src []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, p.level)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(src); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(src) {
		return nil, false
	}
	return buf.Bytes(), true
}

func (p gzipProvider) Decompress(src []byte, lsize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make([]byte, lsize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return out[:n], nil
}

// lzjbProvider implements the pool's legacy LZJB algorithm: a simple
// LZ77-style byte-oriented coder with 6-bit back-references, predating
// gzip support in the pool format. No maintained third-party Go package
// implements this format (see DESIGN.md), so it is hand-rolled here
// directly off the algorithm's well known description.
type lzjbProvider struct{}

const (
	lzjbMatchBits  = 6
	lzjbMatchMin   = 3
	lzjbMatchMax   = (1 << lzjbMatchBits) + (lzjbMatchMin - 1)
	lzjbOffsetMask = (1 << (16 - lzjbMatchBits)) - 1
)

func (lzjbProvider) Compress(src []byte) ([]byte, bool) {
	var dst bytes.Buffer
	n := len(src)
	copyMask := byte(0)
	copyMap := 0
	var cpyOff int
	pos := 0

	for pos < n {
		if copyMask == 0 {
			copyMask = 1
			copyMap = dst.Len()
			dst.WriteByte(0)
		}

		if pos > n-lzjbMatchMax {
			dst.WriteByte(src[pos])
			pos++
			copyMask <<= 1
			continue
		}

		matchLen, matchOff := lzjbFindMatch(src, pos)
		if matchLen >= lzjbMatchMin {
			b := dst.Bytes()
			b[copyMap] |= copyMask
			cpyOff = matchOff
			mlen := matchLen - lzjbMatchMin
			dst.WriteByte(byte((mlen << (8 - lzjbMatchBits)) | (cpyOff >> 8)))
			dst.WriteByte(byte(cpyOff))
			pos += matchLen
		} else {
			dst.WriteByte(src[pos])
			pos++
		}
		copyMask <<= 1
	}

	if dst.Len() >= n {
		return nil, false
	}
	return dst.Bytes(), true
}

func lzjbFindMatch(src []byte, pos int) (length, offset int) {
	maxOffset := pos
	if maxOffset > lzjbOffsetMask {
		maxOffset = lzjbOffsetMask
	}
	best := 0
	bestOff := 0
	for off := 1; off <= maxOffset; off++ {
		start := pos - off
		l := 0
		for pos+l < len(src) && l < lzjbMatchMax && src[start+l] == src[pos+l] {
			l++
		}
		if l > best {
			best = l
			bestOff = off
			if l == lzjbMatchMax {
				break
			}
		}
	}
	return best, bestOff
}

func (lzjbProvider) Decompress(src []byte, lsize int) ([]byte, error) {
	dst := make([]byte, 0, lsize)
	i := 0
	n := len(src)
	for i < n && len(dst) < lsize {
		copyMask := byte(1)
		control := src[i]
		i++
		for copyMask != 0 && i < n && len(dst) < lsize {
			if control&copyMask != 0 {
				if i+1 >= n {
					return nil, errors.New("compress: lzjb truncated match")
				}
				b0 := src[i]
				b1 := src[i+1]
				i += 2
				mlen := int(b0>>(8-lzjbMatchBits)) + lzjbMatchMin
				off := ((int(b0) & ((1 << (8 - lzjbMatchBits)) - 1)) << 8) | int(b1)
				start := len(dst) - off
				if start < 0 {
					return nil, errors.New("compress: lzjb bad back-reference")
				}
				for k := 0; k < mlen && len(dst) < lsize; k++ {
					dst = append(dst, dst[start+k])
				}
			} else {
				dst = append(dst, src[i])
				i++
			}
			copyMask <<= 1
		}
	}
	if len(dst) != lsize {
		out := make([]byte, lsize)
		copy(out, dst)
		return out, nil
	}
	return dst, nil
}

// zleProvider implements zero-length-encoding: runs of zero bytes are
// replaced with a (zero-marker, count) pair; non-zero runs are copied
// verbatim with a length prefix. Used internally for DDT ZAP payloads
// (§6.4). Also hand-rolled; see DESIGN.md.
type zleProvider struct{}

func (zleProvider) Compress(src []byte) ([]byte, bool) {
	var dst bytes.Buffer
	i := 0
	n := len(src)
	for i < n {
		if src[i] == 0 {
			j := i
			for j < n && src[j] == 0 && j-i < 255 {
				j++
			}
			dst.WriteByte(0)
			dst.WriteByte(byte(j - i))
			i = j
		} else {
			j := i
			for j < n && src[j] != 0 && j-i < 255 {
				j++
			}
			dst.WriteByte(1)
			dst.WriteByte(byte(j - i))
			dst.Write(src[i:j])
			i = j
		}
	}
	if dst.Len() >= n {
		return nil, false
	}
	return dst.Bytes(), true
}

func (zleProvider) Decompress(src []byte, lsize int) ([]byte, error) {
	dst := make([]byte, 0, lsize)
	i := 0
	for i < len(src) {
		if i+1 >= len(src) {
			return nil, errors.New("compress: zle truncated header")
		}
		tag := src[i]
		count := int(src[i+1])
		i += 2
		switch tag {
		case 0:
			for k := 0; k < count; k++ {
				dst = append(dst, 0)
			}
		case 1:
			if i+count > len(src) {
				return nil, errors.New("compress: zle truncated literal run")
			}
			dst = append(dst, src[i:i+count]...)
			i += count
		default:
			return nil, errors.New("compress: zle bad tag")
		}
	}
	if len(dst) != lsize {
		out := make([]byte, lsize)
		copy(out, dst)
		return out, nil
	}
	return dst, nil
}
