package zio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"errors"

	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/checksum"
	"github.com/coldpool/zfscore/pkg/compress"
	"github.com/coldpool/zfscore/pkg/crypto"
)

// cryptMechanism maps a block pointer's Crypt field to the crypto
// registry's mechanism name.
func cryptMechanism(c blkptr.Crypt) (string, bool) {
	switch c {
	case blkptr.CryptAESGCM:
		return crypto.AESGCM, true
	case blkptr.CryptAESCCM:
		return crypto.AESCCM, true
	case blkptr.CryptChaCha20Poly1305:
		return crypto.ChaCha20Poly1305, true
	default:
		return "", false
	}
}

// Sentinel errors matching §7's taxonomy; vdev-level errors (ECKSUM,
// permanent faults) arrive wrapped from pkg/vdev and are ranked the same
// way regardless of their concrete type.
var (
	ErrIO      = errors.New("zio: I/O error")
	ErrCksum   = errors.New("zio: checksum mismatch")
	ErrNoSpace = errors.New("zio: no space")
	ErrAuth    = errors.New("zio: authentication failed")
)

// rank orders errors worst-first so a parent's recorded error is always
// the most severe child error observed (§4.2 "worst-of EIO/ECKSUM/ENOSPC").
// Authentication failures outrank everything else: they are fatal and
// never subject to retry.
func rank(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAuth):
		return 4
	case errors.Is(err, ErrNoSpace):
		return 3
	case errors.Is(err, ErrCksum):
		return 2
	case errors.Is(err, ErrIO):
		return 1
	default:
		return 1
	}
}

// runStage dispatches a single pipeline stage for z. Stages that have no
// side effect in this package (because the real work lives in a layer
// zio deliberately doesn't import, e.g. allocation or dedup) still run
// through their injected interface when present, and are a no-op
// otherwise so a zio built without an Allocator/Deduper still completes
// (useful in tests that only exercise the checksum/compress/vdev legs).
func runStage(ctx context.Context, z *ZIO, stage Stage) error {
	switch stage {
	case StageOpen:
		return nil

	case StageReadBpInit, StageWriteBpInit, StageFreeBpInit:
		return nil

	case StageIssueAsync:
		return nil

	case StageDVAAllocate:
		if z.Allocator == nil || z.BP == nil {
			return nil
		}
		minNDVAs := z.MinNDVAs
		if minNDVAs == 0 {
			minNDVAs = z.BP.NDVAs
		}
		dvas, err := z.Allocator.Allocate(int64(z.BP.PSize), z.BP.NDVAs, "normal", minNDVAs)
		if err != nil {
			// No single contiguous region satisfied the request; fall
			// back to a gang split (§4.2) before giving up with ENOSPC.
			if gangErr := tryGangSplit(ctx, z, minNDVAs); gangErr == nil {
				return nil
			}
			return errNoSpace(err)
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
		return nil

	case StageDVAFree:
		if z.Allocator == nil || z.BP == nil {
			return nil
		}
		return z.Allocator.Free(z.BP.DVAs[:z.BP.NDVAs])

	case StageChecksumGenerate:
		if z.BP == nil {
			return nil
		}
		digest, err := checksum.Compute(checksum.ID(z.BP.Checksum), z.Data, z.BP.ByteOrderBE)
		if err != nil {
			return errIO(err)
		}
		z.BP.CksumOrMAC = digestBytes(digest)
		return nil

	case StageEncrypt:
		if z.BP == nil {
			return nil
		}
		name, ok := cryptMechanism(z.BP.Crypt)
		if !ok {
			return nil
		}
		p, err := crypto.Lookup(name)
		if err != nil {
			return errIO(err)
		}
		nonce := make([]byte, p.NonceSize())
		salt, iv, _ := z.BP.Auth()
		copy(nonce, iv[:])
		ct, mac, err := p.EncryptAtomic(z.Key, nonce, z.Data, z.AAD, nil)
		if err != nil {
			return errAuth(err)
		}
		var macArr [16]byte
		copy(macArr[:], mac)
		z.BP.SetAuth(salt, iv, macArr)
		z.Data = ct
		z.BP.PSize = uint32(len(ct))
		return nil

	case StageDedupWrite:
		if z.Deduper == nil || z.BP == nil {
			return nil
		}
		digest, err := checksum.Compute(checksum.ID(z.BP.Checksum), z.Data, z.BP.ByteOrderBE)
		if err != nil {
			return errIO(err)
		}
		if dvas, refcount, found := z.Deduper.Lookup(digest); found && refcount > 0 {
			// dva_allocate already reserved space for this write; a hit
			// means that reservation is orphaned the moment the BP's
			// DVAs get overwritten with the existing entry's, so it has
			// to be freed or every dedup hit leaks space (§4.5 "Hit:
			// increment refcount in phys, skip data I/O").
			allocated := append([]blkptr.DVA(nil), z.BP.DVAs[:z.BP.NDVAs]...)
			for i, d := range dvas {
				if i >= len(z.BP.DVAs) {
					break
				}
				z.BP.DVAs[i] = d
			}
			z.BP.NDVAs = len(dvas)
			if err := z.Deduper.Bump(digest); err != nil {
				return err
			}
			if z.Allocator != nil && len(allocated) > 0 {
				if err := z.Allocator.Free(allocated); err != nil {
					return errIO(err)
				}
			}
			z.skip |= StageCompress | StageVdevIOStart
			return nil
		}
		return z.Deduper.Insert(digest, z.BP.DVAs[:z.BP.NDVAs])

	case StageCompress:
		if z.BP == nil {
			return nil
		}
		out, ok, err := compress.Compress(compress.ID(z.BP.Compress), z.Data)
		if err != nil {
			return errIO(err)
		}
		if ok {
			z.BP.PSize = uint32(len(out))
			z.Data = out
		}
		return nil

	case StageReady:
		return nil

	case StageVdevIOStart:
		if z.Vd == nil {
			return nil
		}
		kind := 0
		if z.Type == TypeWrite {
			kind = 1
		}
		if err := z.Vd.IOStart(ctx, kind, z.Off, int64(len(z.Data)), z.Data, z.Birth); err != nil {
			return errIO(err)
		}
		return nil

	case StageVdevIODone:
		return nil

	case StageChecksumVerify:
		if z.BP == nil {
			return nil
		}
		want := digestFromBytes(z.BP.CksumOrMAC)
		ok, err := checksum.Verify(checksum.ID(z.BP.Checksum), z.Data, z.BP.ByteOrderBE, want)
		if err != nil {
			return errIO(err)
		}
		if !ok {
			return ErrCksum
		}
		return nil

	case StageDecrypt:
		if z.BP == nil {
			return nil
		}
		name, ok := cryptMechanism(z.BP.Crypt)
		if !ok {
			return nil
		}
		p, err := crypto.Lookup(name)
		if err != nil {
			return errIO(err)
		}
		_, iv, mac := z.BP.Auth()
		nonce := make([]byte, p.NonceSize())
		copy(nonce, iv[:])
		pt, err := p.DecryptAtomic(z.Key, nonce, z.Data, mac[:], z.AAD, nil)
		if err != nil {
			return errAuth(err)
		}
		z.Data = pt
		return nil

	case StageDone:
		return nil
	}
	return nil
}

func errIO(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, sentinel: ErrIO}
}

func errNoSpace(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, sentinel: ErrNoSpace}
}

func errAuth(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, sentinel: ErrAuth}
}

type wrapped struct {
	err      error
	sentinel error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.sentinel }

func digestBytes(d checksum.Digest) [32]byte {
	var out [32]byte
	for i, w := range d {
		out[i*8+0] = byte(w >> 56)
		out[i*8+1] = byte(w >> 48)
		out[i*8+2] = byte(w >> 40)
		out[i*8+3] = byte(w >> 32)
		out[i*8+4] = byte(w >> 24)
		out[i*8+5] = byte(w >> 16)
		out[i*8+6] = byte(w >> 8)
		out[i*8+7] = byte(w)
	}
	return out
}

func digestFromBytes(b [32]byte) checksum.Digest {
	var d checksum.Digest
	for i := range d {
		d[i] = uint64(b[i*8+0])<<56 | uint64(b[i*8+1])<<48 | uint64(b[i*8+2])<<40 | uint64(b[i*8+3])<<32 |
			uint64(b[i*8+4])<<24 | uint64(b[i*8+5])<<16 | uint64(b[i*8+6])<<8 | uint64(b[i*8+7])
	}
	return d
}
