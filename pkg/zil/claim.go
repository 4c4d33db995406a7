package zil

import (
	"encoding/binary"
)

// ClaimFunc is invoked once per on-disk log block a claim/replay walk
// visits, so the caller's allocator (pkg/metaslab) can mark that region
// as allocated before the chain is freed — §4.9 "the ZIL either (a)
// claims its blocks (preventing them from being reused) then replays".
type ClaimFunc func(offset int64, length int64) error

// decodedBlock is one parsed log block: the itxs it carried (only up to
// the first corruption or sequence gap, per §4.9) and the chain's next
// pointer.
type decodedBlock struct {
	offset   int64
	itxs     []Itx
	next     int64
	corrupt  bool
}

func readBlock(backend Backend, offset int64) (decodedBlock, error) {
	buf := make([]byte, BlockSize)
	if _, err := backend.ReadAt(buf, offset); err != nil {
		return decodedBlock{}, err
	}

	limit := BlockSize - TrailerSize
	trailer := buf[limit:]
	next := int64(binary.BigEndian.Uint64(trailer[0:8]))
	seqChecksum := binary.BigEndian.Uint64(trailer[8:16])

	var itxs []Itx
	cursor := 0
	var lastSeq uint64
	for cursor < limit {
		if cursor+8 > limit || binary.BigEndian.Uint64(buf[cursor:cursor+8]) == 0 {
			// A zero txtype word can only be the block's zero-padded
			// remainder: TxType values start at 1 (§4.9's itx types),
			// so no real record ever encodes a zero txtype.
			break
		}
		i, n, err := decodeItx(buf[cursor:limit])
		if err != nil {
			return decodedBlock{offset: offset, itxs: itxs, next: next, corrupt: true}, nil
		}
		if lastSeq != 0 && i.Seq != lastSeq+1 {
			// §6.3/§4.9: a sequence gap terminates the chain here.
			return decodedBlock{offset: offset, itxs: itxs, next: next, corrupt: true}, nil
		}
		lastSeq = i.Seq
		itxs = append(itxs, i)
		cursor += n
	}

	if len(itxs) == 0 || lastSeq != seqChecksum {
		// The trailer checksum is the block's own sequence number
		// (highest itx seq it carries); a mismatch means a torn or
		// corrupt write (§6.3).
		return decodedBlock{offset: offset, itxs: itxs, next: next, corrupt: true}, nil
	}

	return decodedBlock{offset: offset, itxs: itxs, next: next}, nil
}

// walkChain visits every block starting at head, invoking claim for each
// one's on-disk extent before appending its itxs, and stops at the first
// corrupt block or an unclaimed/zeroed next pointer.
func walkChain(backend Backend, head int64, claim ClaimFunc) ([]Itx, error) {
	var all []Itx
	offset := head
	for offset != 0 {
		blk, err := readBlock(backend, offset)
		if err != nil {
			return all, err
		}
		if claim != nil {
			if err := claim(offset, BlockSize); err != nil {
				return all, err
			}
		}
		all = append(all, blk.itxs...)
		if blk.corrupt {
			break
		}
		offset = blk.next
	}
	return all, nil
}

// Claim walks header's chain, invoking claim on each block's extent so it
// cannot be reallocated, then replays every itx found (§4.9 "claims its
// blocks ... then replays"). It returns the header to persist once replay
// completes: claim_txg set to currentTxg and the chain considered freed.
func Claim(backend Backend, header Header, currentTxg uint64, claim ClaimFunc) (Header, error) {
	return replay(backend, header, currentTxg, claim)
}

// Replay is Claim without the allocator side effect, used when the caller
// already knows the chain's space is otherwise accounted for (e.g. a
// repeated replay attempt after a crash mid-replay, testable property 10:
// "replaying again ... is safe").
func Replay(backend Backend, header Header, currentTxg uint64) (Header, error) {
	return replay(backend, header, currentTxg, nil)
}

func replay(backend Backend, header Header, currentTxg uint64, claim ClaimFunc) (Header, error) {
	if header.HeadOffset == 0 {
		return Header{ClaimTxg: currentTxg, ReplaySeq: header.ReplaySeq}, nil
	}

	itxs, err := walkChain(backend, header.HeadOffset, claim)
	if err != nil {
		return header, err
	}

	replaySeq := header.ReplaySeq
	for _, i := range itxs {
		if i.Seq <= header.ReplaySeq {
			continue // already applied by a prior, interrupted replay
		}
		if _, err := dispatch(i); err != nil {
			return Header{ClaimTxg: header.ClaimTxg, ReplaySeq: replaySeq, HeadOffset: header.HeadOffset}, err
		}
		if i.Seq > replaySeq {
			replaySeq = i.Seq
		}
	}

	return Header{ClaimTxg: currentTxg, ReplaySeq: replaySeq}, nil
}

// Destroy discards header's chain without claiming or replaying it —
// §4.9 "(b) destroys itself if keep_first is false".
func Destroy(header Header, currentTxg uint64) Header {
	return Header{ClaimTxg: currentTxg, ReplaySeq: header.ReplaySeq}
}
