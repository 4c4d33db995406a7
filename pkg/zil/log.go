// Package zil implements the intent log (§4.9): a per-dataset journal of
// synchronous operations (itx records) chained through on-disk log
// blocks, durable ahead of the txg that will eventually make the same
// writes durable through the ordinary DMU sync path.
package zil

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/coldpool/zfscore/pkg/event"
	pkgerrors "github.com/pkg/errors"
)

// Backend is the minimal random-access store a log writes chained blocks
// into: fixed records appended and rewritten at computed offsets within
// one reserved region, the same shape as pkg/vdev.UberblockRing's slots
// (the ring reaches its region through io.ReadWriteSeeker instead).
type Backend interface {
	io.ReaderAt
	io.WriterAt
}

// BlockSize is the fixed size of one chained log block.
const BlockSize = 128 * 1024

// TrailerSize is zil_trailer_t's on-disk size: a next-block offset plus
// the trailer checksum (§6.3).
const TrailerSize = 16

// ErrSuspended is returned by Write/Commit while the log is suspended.
var ErrSuspended = errors.New("zil: log is suspended")

// Header is the per-dataset ZIL header (§4.9): claim_txg, the replay
// cursor, and the head of the block chain (zh_log). It is small enough to
// live in the dataset's own bonus buffer; persisting it is the caller's
// responsibility (pkg/spa writes it alongside the dataset's other
// metadata at sync time).
type Header struct {
	ClaimTxg  uint64
	ReplaySeq uint64
	HeadOffset int64 // 0 means the chain is empty
}

// Log drives one dataset's intent log: itx records accumulate in memory
// until Commit forces them into one or more chained blocks.
type Log struct {
	mu sync.Mutex

	backend Backend
	log     event.Logger

	header    Header
	nextSeq   uint64
	nextWrite int64 // next free offset for a new block
	lastBlock int64 // offset of the most recently finalized block, -1 if none

	pending []Itx

	suspended bool
}

// New constructs a Log over backend, resuming from a previously persisted
// header (zero-value Header for a brand-new dataset).
func New(backend Backend, header Header, log event.Logger) *Log {
	nextWrite := header.HeadOffset
	if nextWrite == 0 {
		// Offset 0 marks an empty chain, so no block may start there.
		nextWrite = BlockSize
	}
	return &Log{
		backend:   backend,
		log:       log,
		header:    header,
		nextWrite: nextWrite,
		lastBlock: -1,
	}
}

// Header returns the log's current on-disk header, for the caller to
// persist as part of its own dataset metadata.
func (l *Log) Header() Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header
}

// Write journals one synchronous operation, assigning it the next
// sequence number (§4.9 "itxs are typed ... tagged with the txg that must
// be synced before the itx can be retired"). It does not block on I/O;
// Commit is what forces durability.
func (l *Log) Write(txType TxType, txg, object, offset uint64, data []byte) (Itx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.suspended {
		return Itx{}, ErrSuspended
	}
	l.nextSeq++
	i := Itx{TxType: txType, Txg: txg, Seq: l.nextSeq, Object: object, Offset: offset, Data: append([]byte(nil), data...)}
	l.pending = append(l.pending, i)
	return i, nil
}

// Commit forces every pending itx with Seq <= seq to stable storage,
// chaining one or more log blocks through their trailers (§4.9
// "zil_commit(sequence) forces all itxs with smaller sequence numbers to
// stable storage"). Itxs with a larger sequence remain pending for a
// later Commit call.
func (l *Log) Commit(ctx context.Context, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.suspended {
		return ErrSuspended
	}

	var ready []Itx
	var rest []Itx
	for _, i := range l.pending {
		if i.Seq <= seq {
			ready = append(ready, i)
		} else {
			rest = append(rest, i)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	for len(ready) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, remainder := packBlock(ready)
		blockOff := l.nextWrite
		if err := l.writeBlock(blockOff, chunk); err != nil {
			return pkgerrors.Wrap(err, "zil: write log block")
		}
		if l.lastBlock >= 0 {
			if err := l.patchTrailerNext(l.lastBlock, blockOff); err != nil {
				return pkgerrors.Wrap(err, "zil: chain previous log block")
			}
		}
		if l.header.HeadOffset == 0 {
			l.header.HeadOffset = blockOff
		}
		l.lastBlock = blockOff
		l.nextWrite = blockOff + BlockSize
		ready = remainder
	}

	l.pending = rest
	if l.log != nil {
		l.log.Debugf("zil: committed through seq %d", seq)
	}
	return nil
}

// packBlock fills one BlockSize block with as many leading records from
// items as fit, returning the encoded block (records + zero padding +
// trailer with NextBlockOffset left at 0, patched in later by
// patchTrailerNext) and the items that didn't fit.
func packBlock(items []Itx) ([]byte, []Itx) {
	block := make([]byte, BlockSize)
	cursor := 0
	limit := BlockSize - TrailerSize
	var maxSeq uint64
	n := 0
	for _, i := range items {
		enc := i.encode()
		if cursor+len(enc) > limit {
			break
		}
		copy(block[cursor:], enc)
		cursor += len(enc)
		if i.Seq > maxSeq {
			maxSeq = i.Seq
		}
		n++
	}
	if n == 0 {
		// A single itx larger than one block is a caller error in this
		// design (records are small fixed writes); guard rather than
		// looping forever.
		panic("zil: itx record too large for one log block")
	}
	trailer := block[limit:]
	binary.BigEndian.PutUint64(trailer[0:8], 0) // next offset, patched by caller
	binary.BigEndian.PutUint64(trailer[8:16], maxSeq)
	return block, items[n:]
}

func (l *Log) writeBlock(off int64, block []byte) error {
	_, err := l.backend.WriteAt(block, off)
	return err
}

// patchTrailerNext rewrites the previous block's trailer to chain it to
// next, the "zit_next_blk" link (§4.9).
func (l *Log) patchTrailerNext(blockOff, next int64) error {
	var nextBuf [8]byte
	binary.BigEndian.PutUint64(nextBuf[:], uint64(next))
	_, err := l.backend.WriteAt(nextBuf[:], blockOff+BlockSize-TrailerSize)
	return err
}

// Suspend disables the log: Write and Commit return ErrSuspended until
// Resume. Pending itxs are neither committed nor discarded; they stay
// queued for the first Commit after Resume.
func (l *Log) Suspend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suspended = true
}

// Resume re-enables the log for Write/Commit.
func (l *Log) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suspended = false
}
