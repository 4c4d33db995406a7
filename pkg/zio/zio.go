// Package zio implements the I/O pipeline: a DAG of staged operations
// carrying block pointers through allocation, compression, encryption,
// dedup, checksum, and vdev dispatch, with explicit parent/child wait
// semantics and a resumable stage cursor instead of recursion through
// stages (§4.2, §9 "Coroutine-like I/O").
package zio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"sync"

	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/checksum"
)

// Type names the kind of logical operation a root zio represents.
type Type int

const (
	TypeRead Type = iota
	TypeWrite
	TypeFree
	TypeClaim
	TypeIoctl
)

// Stage is one bit in the pipeline bitmask; each stage runs at most once
// per zio (§4.2 "each bit set once in a pipeline mask").
type Stage uint32

const (
	StageOpen Stage = 1 << iota
	StageReadBpInit
	StageWriteBpInit
	StageFreeBpInit
	StageIssueAsync
	StageDVAAllocate
	StageDVAFree
	StageChecksumGenerate
	StageEncrypt
	StageDedupWrite
	StageCompress
	StageReady
	StageVdevIOStart
	StageVdevIODone
	StageChecksumVerify
	StageDecrypt
	StageDone
)

// ReadPipeline and WritePipeline enumerate the stages a read or write zio
// runs through, in the order given in §4.2.
var ReadPipeline = []Stage{
	StageOpen, StageReadBpInit, StageIssueAsync,
	StageVdevIOStart, StageVdevIODone, StageChecksumVerify, StageDecrypt, StageDone,
}

var WritePipeline = []Stage{
	StageOpen, StageWriteBpInit, StageIssueAsync,
	StageDVAAllocate, StageChecksumGenerate, StageEncrypt, StageDedupWrite, StageCompress,
	StageReady, StageVdevIOStart, StageVdevIODone, StageDone,
}

var FreePipeline = []Stage{StageOpen, StageFreeBpInit, StageDVAFree, StageDone}

// Flag carries per-zio failure policy, §4.2's enumerated child policies.
type Flag uint32

const (
	FlagCanFail Flag = 1 << iota
	FlagDontRetry
	FlagIORepair
	FlagSpeculative
	FlagGodfather
	FlagIORetry
)

func (f Flag) has(x Flag) bool { return f&x != 0 }

// ReexecuteMode controls how a suspended zio resumes (§4.2 "Reexecute").
type ReexecuteMode int

const (
	ReexecuteNone ReexecuteMode = iota
	ReexecuteNow
	ReexecuteSuspend
)

// Vdev is the subset of pkg/vdev.Vdev that zio's vdev_io_start/done stages
// need; kept as a local interface to avoid zio depending on vdev's full
// surface (and to let tests supply fakes).
type Vdev interface {
	IOStart(ctx context.Context, kind int, off, length int64, buf []byte, birth uint64) error
}

// Allocator is satisfied by pkg/metaslab's allocator for the dva_allocate
// stage.
type Allocator interface {
	Allocate(size int64, copies int, class string, minNDVAs int) ([]blkptr.DVA, error)
	Free(dvas []blkptr.DVA) error
}

// Deduper is satisfied by pkg/ddt for the dedup_write stage.
type Deduper interface {
	Lookup(digest checksum.Digest) (dvas []blkptr.DVA, refcount uint64, found bool)
	Insert(digest checksum.Digest, dvas []blkptr.DVA) error
	Bump(digest checksum.Digest) error
}

// ZIO is one node in the pipeline DAG.
type ZIO struct {
	Type  Type
	Flags Flag
	BP    *blkptr.BP
	Data  []byte
	Off   int64
	Vd    Vdev
	Birth uint64

	Allocator Allocator
	Deduper   Deduper
	// MinNDVAs is the minimum number of copies dva_allocate must satisfy
	// before returning ENOSPC; 0 means "same as the BP's requested NDVAs".
	MinNDVAs int

	// Key and AAD are supplied by the caller for encrypted datasets; Key
	// is the per-dataset wrapping key, never persisted in the zio itself.
	Key []byte
	AAD []byte

	pipeline []Stage
	cursor   int
	// skip is a bitmask of stages a prior stage has decided this zio
	// doesn't need to run (e.g. dedup_write skipping compress/vdev_io_start
	// on a hit, §4.5). Checked before dispatch, never before the
	// ready/vdev_io_done wait points.
	skip Stage

	mu       sync.Mutex
	parent   *ZIO
	children []*ZIO

	Err error

	done        chan struct{}
	doneOnce    sync.Once
	reexecute   ReexecuteMode
	resumeCh    chan struct{}
	suspendedCh chan struct{}

	Callback func(z *ZIO)
}

// New constructs a root zio for the given type, selecting the pipeline by
// type.
func New(typ Type, bp *blkptr.BP, data []byte) *ZIO {
	var pipeline []Stage
	switch typ {
	case TypeRead:
		pipeline = ReadPipeline
	case TypeWrite:
		pipeline = WritePipeline
	case TypeFree:
		pipeline = FreePipeline
	default:
		pipeline = []Stage{StageOpen, StageDone}
	}
	return &ZIO{
		Type:     typ,
		BP:       bp,
		Data:     data,
		pipeline:    pipeline,
		done:        make(chan struct{}),
		resumeCh:    make(chan struct{}, 1),
		suspendedCh: make(chan struct{}, 1),
	}
}

// Suspended returns a channel that receives once when Execute blocks
// waiting for Resume, so callers (tests, the suspend/resume orchestrator)
// can synchronize without polling.
func (z *ZIO) Suspended() <-chan struct{} {
	return z.suspendedCh
}

// AddChild links z as a child of parent. The parent cannot advance past a
// wait point until every child has passed it (§4.2).
func (z *ZIO) AddChild(child *ZIO) {
	z.mu.Lock()
	defer z.mu.Unlock()
	child.parent = z
	z.children = append(z.children, child)
}

// Nowait enqueues z for asynchronous execution.
func (z *ZIO) Nowait(ctx context.Context) {
	go z.Execute(ctx)
}

// Wait runs z synchronously to completion (or blocks until another
// goroutine's Execute call completes it) and returns its terminal error.
func (z *ZIO) Wait(ctx context.Context) error {
	select {
	case <-z.done:
		return z.Err
	default:
	}
	z.Execute(ctx)
	return z.Err
}

// Execute advances z through its pipeline from the current cursor,
// running each stage's side effect via the package-level stage
// dispatcher. A zio suspended mid-pipeline (ReexecuteSuspend) stops
// advancing until Resume is called.
func (z *ZIO) Execute(ctx context.Context) {
	for z.cursor < len(z.pipeline) {
		if err := ctx.Err(); err != nil {
			z.fail(err)
			return
		}

		stage := z.pipeline[z.cursor]

		if z.skip&stage != 0 {
			z.cursor++
			continue
		}

		if stage == StageVdevIODone || stage == StageReady {
			if !z.allChildrenDone() {
				z.awaitChildren()
			}
		}

		if err := runStage(ctx, z, stage); err != nil {
			z.recordError(err)
			if z.reexecute == ReexecuteSuspend {
				select {
				case z.suspendedCh <- struct{}{}:
				default:
				}
				<-z.resumeCh
				continue
			}
		}

		z.cursor++
	}
	z.finish()
}

func (z *ZIO) allChildrenDone() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, c := range z.children {
		select {
		case <-c.done:
		default:
			return false
		}
	}
	return true
}

func (z *ZIO) awaitChildren() {
	z.mu.Lock()
	children := append([]*ZIO(nil), z.children...)
	z.mu.Unlock()
	for _, c := range children {
		<-c.done
		z.inheritChildError(c)
	}
}

// inheritChildError applies §4.2's failure policy per child: speculative
// children never propagate; canfail children are captured without
// escalation; godfather children cannot fail their parent; everything
// else propagates, with worst-of {EIO, ECKSUM, ENOSPC} semantics handled
// by recordError's ranking.
func (z *ZIO) inheritChildError(c *ZIO) {
	if c.Err == nil {
		return
	}
	if c.Flags.has(FlagSpeculative) {
		return
	}
	if c.Flags.has(FlagGodfather) {
		return
	}
	if c.Flags.has(FlagCanFail) {
		return
	}
	z.recordError(c.Err)
}

func (z *ZIO) recordError(err error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.Err == nil || rank(err) > rank(z.Err) {
		z.Err = err
	}
}

func (z *ZIO) fail(err error) {
	z.recordError(err)
	z.finish()
}

func (z *ZIO) finish() {
	z.doneOnce.Do(func() {
		close(z.done)
	})
	if z.Callback != nil {
		z.Callback(z)
	}
}

// Suspend marks z to stop advancing until Resume is called, used when the
// pool enters failmode=wait (§4.2, §7).
func (z *ZIO) Suspend() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.reexecute = ReexecuteSuspend
}

// Resume releases a zio suspended by Suspend, per ReexecuteMode semantics:
// ReexecuteNow restarts from StageOpen; ReexecuteSuspend just continues
// from the cursor where it stopped.
func (z *ZIO) Resume(mode ReexecuteMode) {
	z.mu.Lock()
	if mode == ReexecuteNow {
		z.cursor = 0
		z.Err = nil
	}
	z.reexecute = ReexecuteNone
	z.mu.Unlock()
	select {
	case z.resumeCh <- struct{}{}:
	default:
	}
}
