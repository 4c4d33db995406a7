// Package dsl implements the transaction-group (txg) engine (§4.8): the
// three-phase open/quiescing/syncing pipeline every dirty dbuf, space map,
// and DDT update ultimately passes through on its way to a committed
// uberblock.
package dsl

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/coldpool/zfscore/pkg/event"
	"github.com/coldpool/zfscore/pkg/vdev"
)

// Phase is a txg's position in the pipeline.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseQuiescing
	PhaseSyncing
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseQuiescing:
		return "quiescing"
	case PhaseSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// ErrSuspended is returned by AdvanceOpen when the pool's root vdev
// reports it should suspend rather than commit another txg (§7
// "Suspension").
var ErrSuspended = errors.New("dsl: pool suspended, refusing txg commit")

// Engine drives one pool's txg state machine. At most one txg is syncing,
// at most one is quiescing, and any number of further txg ids are "open"
// in the sense that a caller may still be holding a reference to the
// newest one; §4.8's diagram is exactly open[N+1]/quiescing[N]/
// syncing[N-1].
type Engine struct {
	mu sync.Mutex

	open      uint64
	quiescing uint64
	syncing   uint64

	holders map[uint64]int
	changed chan struct{}

	tasks []*SyncTask

	root    *vdev.Root
	rings   []*vdev.UberblockRing
	version uint32
	guidSum uint64
	seq     uint64
	last    *vdev.Uberblock
	pendingRootBPOff uint64

	timeout time.Duration
	deadman *event.Deadman
	log     event.Logger
}

// Config carries everything the engine needs to commit a txg: the pool's
// root vdev (for the tree-wide flush), one uberblock ring per label the
// commit must reach, and the pool identity fields an uberblock encodes.
type Config struct {
	Root    *vdev.Root
	Rings   []*vdev.UberblockRing
	Version uint32
	GUIDSum uint64
	Timeout time.Duration
	Deadman *event.Deadman
	Log     event.Logger
}

// NewEngine starts a fresh engine with txg 1 open and nothing quiescing or
// syncing yet.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		open:    1,
		holders: make(map[uint64]int),
		changed: make(chan struct{}),
		root:    cfg.Root,
		rings:   cfg.Rings,
		version: cfg.Version,
		guidSum: cfg.GUIDSum,
		timeout: cfg.Timeout,
		deadman: cfg.Deadman,
		log:     cfg.Log,
	}
}

func (e *Engine) broadcast() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Timeout returns zfs_txg_timeout: the driver loop (pkg/spa) calls
// AdvanceOpen on this interval even if nothing forced an earlier sync.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// OpenTxg returns the currently open txg id — the one new writes dirty
// into.
func (e *Engine) OpenTxg() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Hold registers a reference against txg, delaying its quiesce until a
// matching Release (§4.8 "any context holding a txg reference delays
// quiesce until it releases").
func (e *Engine) Hold(txg uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holders[txg]++
}

// Release drops a reference registered by Hold.
func (e *Engine) Release(txg uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holders[txg] > 0 {
		e.holders[txg]--
		if e.holders[txg] == 0 {
			delete(e.holders, txg)
		}
	}
	e.broadcast()
}

// RegisterTask installs a sync task that participates in every future txg
// sync (§4.8 "sync task framework"); consumers register once at pool-open
// time, not per txg.
func (e *Engine) RegisterTask(t *SyncTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, t)
}

func (e *Engine) holdCount(txg uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holders[txg]
}

func (e *Engine) waitChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// AdvanceOpen runs exactly one full cycle of the pipeline: the currently
// open txg becomes quiescing, waits for its holders to drain, becomes
// syncing, runs every registered sync task, commits a new uberblock to
// every vdev label, and opens the next txg. It blocks until the whole
// cycle completes or ctx is canceled.
func (e *Engine) AdvanceOpen(ctx context.Context) error {
	if e.root != nil && e.root.Suspend() {
		return ErrSuspended
	}

	e.mu.Lock()
	txg := e.open
	e.quiescing = txg
	e.open = txg + 1
	e.broadcast()
	e.mu.Unlock()

	for e.holdCount(txg) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.waitChan():
		}
	}

	e.mu.Lock()
	e.quiescing = 0
	e.syncing = txg
	e.broadcast()
	tasks := append([]*SyncTask(nil), e.tasks...)
	e.mu.Unlock()

	if e.deadman != nil {
		e.deadman.Track(syncTag(txg))
		defer e.deadman.Untrack(syncTag(txg))
	}

	if err := runSyncTasks(ctx, txg, tasks); err != nil {
		e.mu.Lock()
		e.syncing = 0
		e.broadcast()
		e.mu.Unlock()
		return err
	}

	if err := e.commit(ctx, txg); err != nil {
		e.mu.Lock()
		e.syncing = 0
		e.broadcast()
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.syncing = 0
	e.broadcast()
	e.mu.Unlock()

	return nil
}

func syncTag(txg uint64) string {
	return "sync:" + strconv.FormatUint(txg, 10)
}
