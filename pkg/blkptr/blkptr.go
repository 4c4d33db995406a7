// Package blkptr implements the on-disk block pointer and device-vdev-address
// layout described in the pool's data model: the 128-byte identifier used to
// locate and authenticate every block in the pool.
package blkptr

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the on-disk size of a block pointer in bytes.
const Size = 128

// MaxDVAs is the maximum number of device-vdev-addresses a block pointer can
// carry.
const MaxDVAs = 3

// DVA is a device-vdev-address: the triple that locates one physical copy of
// a block.
type DVA struct {
	Vdev   uint32
	Offset uint64
	ASize  uint32
	Gang   bool
}

// IsEmpty reports whether the DVA has never been allocated.
func (d DVA) IsEmpty() bool {
	return d.Vdev == 0 && d.Offset == 0 && d.ASize == 0
}

func (d DVA) encode() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], d.Vdev)
	asizeGrid := d.ASize & 0xFFFFFF
	binary.LittleEndian.PutUint32(buf[4:8], asizeGrid)
	off := d.Offset & ((1 << 63) - 1)
	if d.Gang {
		off |= 1 << 63
	}
	binary.LittleEndian.PutUint64(buf[8:16], off)
	return buf
}

func decodeDVA(buf [16]byte) DVA {
	var d DVA
	d.Vdev = binary.LittleEndian.Uint32(buf[0:4])
	d.ASize = binary.LittleEndian.Uint32(buf[4:8]) & 0xFFFFFF
	off := binary.LittleEndian.Uint64(buf[8:16])
	d.Gang = off&(1<<63) != 0
	d.Offset = off &^ (1 << 63)
	return d
}

// Checksum identifiers recognized by the checksum registry.
type Checksum uint8

// Compression identifiers recognized by the compression registry.
type Compression uint8

// Crypt identifiers recognized by the encryption registry. CryptOff means
// the block is not encrypted.
type Crypt uint8

const (
	CryptOff Crypt = iota
	CryptAESCCM
	CryptAESGCM
	CryptChaCha20Poly1305
)

// BP is the in-memory representation of a 128-byte on-disk block pointer.
type BP struct {
	DVAs [MaxDVAs]DVA
	NDVAs int

	LSize uint32 // logical size in bytes
	PSize uint32 // physical (on-disk) size in bytes
	Compress Compression
	Checksum Checksum
	Crypt    Crypt
	Embedded bool
	ByteOrderBE bool
	Level    uint8
	ObjType  uint8

	PhysBirth uint64
	Birth     uint64 // logical birth txg; 0 only for embedded blocks
	FillCount uint64

	// CksumOrMAC holds the 32-byte checksum for unencrypted blocks, or
	// salt(8)+iv(8)+mac(16) for encrypted blocks (see ParseAuth/SetAuth).
	CksumOrMAC [32]byte

	Gang bool // the data behind this bp is a gang header, not real data
}

// IsHole reports whether the block pointer represents an unallocated hole.
func (bp *BP) IsHole() bool {
	return bp.NDVAs == 0 && !bp.Embedded
}

// Encrypted reports whether the pointed-to block is AEAD encrypted.
func (bp *BP) Encrypted() bool {
	return bp.Crypt != CryptOff
}

// SetAuth stores an AEAD's salt/iv/mac triple in the checksum field.
func (bp *BP) SetAuth(salt, iv1 [8]byte, mac [16]byte) {
	copy(bp.CksumOrMAC[0:8], salt[:])
	copy(bp.CksumOrMAC[8:16], iv1[:])
	copy(bp.CksumOrMAC[16:32], mac[:])
}

// Auth retrieves a previously stored salt/iv/mac triple.
func (bp *BP) Auth() (salt, iv1 [8]byte, mac [16]byte) {
	copy(salt[:], bp.CksumOrMAC[0:8])
	copy(iv1[:], bp.CksumOrMAC[8:16])
	copy(mac[:], bp.CksumOrMAC[16:32])
	return
}

// Validate enforces the structural invariants from the data model: ndvas in
// {1,2,3} for non-embedded, non-hole pointers, birth_txg > 0 unless embedded.
func (bp *BP) Validate() error {
	if bp.Embedded {
		return nil
	}
	if bp.IsHole() {
		return nil
	}
	if bp.NDVAs < 1 || bp.NDVAs > MaxDVAs {
		return fmt.Errorf("blkptr: ndvas %d out of range [1,%d]", bp.NDVAs, MaxDVAs)
	}
	if bp.Birth == 0 {
		return errors.New("blkptr: non-embedded block pointer must have birth_txg > 0")
	}
	for i := 0; i < bp.NDVAs; i++ {
		if bp.DVAs[i].IsEmpty() {
			return fmt.Errorf("blkptr: dva %d is unallocated but ndvas=%d", i, bp.NDVAs)
		}
	}
	return nil
}

// propertiesWord packs the 64-bit properties word:
// (lsize:16 | psize:16 | compress:7 | embedded:1 | crypt:3 | level:5 | type:8 | checksum:8)
// The 3-bit slot that the on-disk layout names etype holds the Crypt id here.
func (bp *BP) propertiesWord() uint64 {
	var w uint64
	w |= uint64(bp.Checksum) << 0
	w |= uint64(bp.ObjType) << 8
	w |= uint64(bp.Level&0x1F) << 16
	w |= uint64(bp.Crypt&0x7) << 21
	embedded := uint64(0)
	if bp.Embedded {
		embedded = 1
	}
	w |= embedded << 24
	w |= uint64(bp.Compress&0x7F) << 25
	w |= uint64(bp.PSize) << 32
	w |= uint64(bp.LSize) << 48
	return w
}

func unpackProperties(bp *BP, w uint64) {
	bp.Checksum = Checksum(w & 0xFF)
	bp.ObjType = uint8((w >> 8) & 0xFF)
	bp.Level = uint8((w >> 16) & 0x1F)
	bp.Crypt = Crypt((w >> 21) & 0x7)
	bp.Embedded = (w>>24)&0x1 != 0
	bp.Compress = Compression((w >> 25) & 0x7F)
	bp.PSize = uint32((w >> 32) & 0xFFFF)
	bp.LSize = uint32((w >> 48) & 0xFFFF)
}

// Encode serializes bp into its 128-byte on-disk form.
func (bp *BP) Encode() ([Size]byte, error) {
	var out [Size]byte

	if err := bp.Validate(); err != nil {
		return out, err
	}

	order := binary.ByteOrder(binary.LittleEndian)
	buf := new(bytes.Buffer)

	for i := 0; i < MaxDVAs; i++ {
		enc := bp.DVAs[i].encode()
		buf.Write(enc[:])
	}

	if err := binary.Write(buf, order, bp.propertiesWord()); err != nil {
		return out, err
	}

	byteOrderBit := uint64(0)
	if bp.ByteOrderBE {
		byteOrderBit = 1
	}
	ganged := uint64(0)
	if bp.Gang {
		ganged = 1
	}
	flags := byteOrderBit | ganged<<1
	if err := binary.Write(buf, order, flags); err != nil {
		return out, err
	}

	if err := binary.Write(buf, order, bp.PhysBirth); err != nil {
		return out, err
	}
	if err := binary.Write(buf, order, bp.Birth); err != nil {
		return out, err
	}
	if err := binary.Write(buf, order, bp.FillCount); err != nil {
		return out, err
	}
	buf.Write(bp.CksumOrMAC[:])

	if buf.Len() > Size {
		return out, fmt.Errorf("blkptr: encoded length %d exceeds %d", buf.Len(), Size)
	}
	copy(out[:], buf.Bytes())
	return out, nil
}

// Decode parses a 128-byte on-disk block pointer, swabbing fields if the
// byte-order bit indicates the block was written big-endian.
func Decode(raw [Size]byte) (*BP, error) {
	bp := new(BP)

	for i := 0; i < MaxDVAs; i++ {
		var enc [16]byte
		copy(enc[:], raw[i*16:i*16+16])
		d := decodeDVA(enc)
		bp.DVAs[i] = d
		if !d.IsEmpty() {
			bp.NDVAs = i + 1
		}
	}

	off := 16 * MaxDVAs
	props := binary.LittleEndian.Uint64(raw[off : off+8])
	flags := binary.LittleEndian.Uint64(raw[off+8 : off+16])
	bp.ByteOrderBE = flags&0x1 != 0
	bp.Gang = flags&0x2 != 0

	if bp.ByteOrderBE {
		props = bits64Swap(props)
	}
	unpackProperties(bp, props)

	bp.PhysBirth = binary.LittleEndian.Uint64(raw[off+16 : off+24])
	bp.Birth = binary.LittleEndian.Uint64(raw[off+24 : off+32])
	bp.FillCount = binary.LittleEndian.Uint64(raw[off+32 : off+40])
	copy(bp.CksumOrMAC[:], raw[off+40:off+72])

	return bp, bp.Validate()
}

func bits64Swap(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return binary.LittleEndian.Uint64(b[:])
}
