// Package checksum implements the KCF-style checksum provider registry: a
// set of named mechanisms, each computing a 256-bit digest over a block,
// looked up by the checksum_id field of a block pointer.
package checksum

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sync"
)

// ID identifies a checksum mechanism, matching the on-disk checksum_id field.
type ID uint8

// Recognized mechanisms, per the data model.
const (
	Off ID = iota
	Label
	GangHeader
	Zilog
	Fletcher2
	Fletcher4
	SHA256
	Zilog2
	SHA512
	maxID
)

func (id ID) String() string {
	switch id {
	case Off:
		return "off"
	case Label:
		return "label"
	case GangHeader:
		return "gang_header"
	case Zilog:
		return "zilog"
	case Fletcher2:
		return "fletcher2"
	case Fletcher4:
		return "fletcher4"
	case SHA256:
		return "sha256"
	case Zilog2:
		return "zilog2"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("checksum(%d)", id)
	}
}

// Digest is a 256-bit checksum value, stored little-endian word order to
// match the on-disk block pointer's checksum field.
type Digest [4]uint64

// Provider computes a checksum over a block of data. byteswap requests the
// byte-swapped variant used when verifying a block written in foreign byte
// order (property 7 in the testable-properties list).
type Provider interface {
	Compute(data []byte, byteswap bool) Digest
}

var (
	mu        sync.RWMutex
	providers = make(map[ID]Provider)
)

// Register installs a Provider for a mechanism. Registration failures are
// fatal to the module that depends on them, so Register panics on conflict
// rather than returning an error, matching the provider-table contract in
// the registry design.
func Register(id ID, p Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := providers[id]; exists {
		panic(fmt.Sprintf("checksum: refusing to register %s: already registered", id))
	}
	providers[id] = p
}

// Lookup returns the provider registered for id, or an error if none is
// registered — O(1) via the hash on the mechanism id.
func Lookup(id ID) (Provider, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := providers[id]
	if !ok {
		return nil, fmt.Errorf("checksum: no provider registered for %s", id)
	}
	return p, nil
}

// Fletcher4Provider returns the registered Fletcher-4 provider for
// backend-selection tests and tuning; it panics if Fletcher4 was never
// registered, which would indicate a broken init order.
func Fletcher4Provider() *fletcher4Provider {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := providers[Fletcher4].(*fletcher4Provider)
	if !ok {
		panic("checksum: fletcher4 provider missing or wrong type")
	}
	return p
}

// Compute is a convenience wrapper around Lookup+Compute.
func Compute(id ID, data []byte, byteswap bool) (Digest, error) {
	p, err := Lookup(id)
	if err != nil {
		return Digest{}, err
	}
	return p.Compute(data, byteswap), nil
}

// Verify reports whether data's checksum under id matches want, implementing
// testable property 3 (checksum idempotence): Compute is a pure function of
// (data, checksum_id, byteorder).
func Verify(id ID, data []byte, byteswap bool, want Digest) (bool, error) {
	got, err := Compute(id, data, byteswap)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

func init() {
	Register(Off, offProvider{})
	Register(Fletcher2, fletcher2Provider{})
	Register(Fletcher4, newFletcher4())
	Register(SHA256, sha256Provider{})
	Register(SHA512, sha512Provider{})
	Register(Label, fletcher2Provider{})
	Register(GangHeader, sha256Provider{})
	Register(Zilog, fletcher2Provider{})
	Register(Zilog2, newFletcher4())
}
