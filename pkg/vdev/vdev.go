// Package vdev implements the virtual device tree: leaf devices and the
// interior vdevs (mirror, raidz, root) that route I/O over them, maintain
// dirty-time logs, and carry the on-disk label/uberblock ring.
package vdev

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"fmt"
)

// State is a vdev's reported health, aggregated bottom-up to the root.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateFaulted
	StateOffline
	StateRemoved
	StateCantOpen
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "ONLINE"
	case StateDegraded:
		return "DEGRADED"
	case StateFaulted:
		return "FAULTED"
	case StateOffline:
		return "OFFLINE"
	case StateRemoved:
		return "REMOVED"
	case StateCantOpen:
		return "CANT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Aux names the VDEV_AUX_* reason codes from spec §7.
type Aux string

const (
	AuxNone        Aux = ""
	AuxBadLabel    Aux = "BAD_LABEL"
	AuxNoReplicas  Aux = "NO_REPLICAS"
	AuxCorruptData Aux = "CORRUPT_DATA"
	AuxOpenFailed  Aux = "OPEN_FAILED"
	AuxIOFailure   Aux = "IO_FAILURE"
	AuxExternal    Aux = "EXTERNAL"
)

// FailMode controls how a root vdev reacts when it cannot satisfy an I/O,
// mirroring spec §7's "Permanent device failure" / pool-suspend escalation.
type FailMode int

const (
	FailWait FailMode = iota
	FailContinue
	FailPanic
)

// IOKind distinguishes read/write/flush requests dispatched to a vdev.
type IOKind int

const (
	IORead IOKind = iota
	IOWrite
	IOFlush
)

// Stats accumulates the vs_* counters named in spec §7.
type Stats struct {
	ReadErrors     uint64
	WriteErrors    uint64
	ChecksumErrors uint64
}

// Vdev is the interface every node in the tree (leaf or interior) exposes
// to the ZIO pipeline and to the pool's open/close and state machinery.
type Vdev interface {
	// GUID uniquely identifies this vdev within a pool.
	GUID() uint64
	// Open prepares the vdev for I/O, returning usable byte capacity and
	// the minimum write alignment shift (ashift). Leaf-first: an interior
	// vdev opens its children before computing its own asize/ashift.
	Open(ctx context.Context) (asize int64, ashift uint, err error)
	// Close releases any resources Open acquired.
	Close(ctx context.Context) error
	// IOStart dispatches a logical request at a byte offset over len
	// bytes, reading into or writing from buf. For write requests buf is
	// the source; for read requests buf is the destination.
	IOStart(ctx context.Context, kind IOKind, off, length int64, buf []byte, birth uint64) error
	// State reports the vdev's current aggregated health.
	State() State
	// SetState transitions the vdev's state and aux reason; interior
	// vdevs recompute their own aggregated state from children afterward.
	SetState(s State, aux Aux)
	Aux() Aux
	// DTL returns the dirty-time log tracking which txgs this vdev may be
	// missing writes for (e.g. while offline or resilvering).
	DTL() *DTL
	// Children lists this vdev's direct children; leaves return nil.
	Children() []Vdev
	Stats() Stats
}

// base holds the fields common to every vdev implementation.
type base struct {
	guid  uint64
	state State
	aux   Aux
	dtl   DTL
	stats Stats
}

func (b *base) GUID() uint64    { return b.guid }
func (b *base) State() State    { return b.state }
func (b *base) Aux() Aux        { return b.aux }
func (b *base) DTL() *DTL       { return &b.dtl }
func (b *base) Stats() Stats    { return b.stats }
func (b *base) SetState(s State, aux Aux) {
	b.state = s
	b.aux = aux
}

// ErrNoReplicas is returned when no child of an interior vdev can satisfy
// an I/O request.
var ErrNoReplicas = fmt.Errorf("vdev: no replicas available to satisfy request")

// ErrChecksumMismatch is returned by a leaf read whose checksum-verify
// stage (performed by the caller, typically pkg/zio) found a mismatch;
// vdev itself only reports I/O errors, checksum errors are injected
// through SimulateCorruption in tests and through zio in production.
var ErrChecksumMismatch = fmt.Errorf("vdev: checksum mismatch")

// aggregateState derives an interior vdev's state from its children: the
// root transitions to CANT_OPEN/NO_REPLICAS when no child can satisfy
// reads, degrades when some but not all children are healthy, per §4.1.
func aggregateState(children []Vdev) (State, Aux) {
	healthy := 0
	for _, c := range children {
		if c.State() == StateHealthy || c.State() == StateDegraded {
			healthy++
		}
	}
	switch {
	case healthy == 0:
		return StateCantOpen, AuxNoReplicas
	case healthy < len(children):
		return StateDegraded, AuxNone
	default:
		return StateHealthy, AuxNone
	}
}
