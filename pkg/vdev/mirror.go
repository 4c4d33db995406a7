package vdev

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"sync"
)

// Mirror is an interior vdev replicating every write to all children and
// load-balancing reads across whichever children can serve the requested
// birth txg, per §4.1's mirror policy.
type Mirror struct {
	base
	children []Vdev
	mu       sync.Mutex

	// Repair, when true, causes a successful read that detected a stale
	// or errored child to issue a repair write restoring that child.
	Repair bool

	// readCounter rotates the preferred child across calls, approximating
	// "(offset >> shift) mod n" without needing the shift parameter here.
	readCounter uint64
}

// NewMirror builds a mirror over the given children. Children should
// already be constructed (not necessarily opened).
func NewMirror(guid uint64, children ...Vdev) *Mirror {
	m := &Mirror{children: children}
	m.guid = guid
	m.state = StateOffline
	return m
}

func (m *Mirror) Children() []Vdev { return m.children }

func (m *Mirror) Open(ctx context.Context) (int64, uint, error) {
	var asize int64 = -1
	var ashift uint
	for _, c := range m.children {
		a, sh, err := c.Open(ctx)
		if err != nil {
			continue
		}
		if asize == -1 || a < asize {
			asize = a
		}
		if sh > ashift {
			ashift = sh
		}
	}
	state, aux := aggregateState(m.children)
	m.SetState(state, aux)
	if asize == -1 {
		return 0, 0, ErrNoReplicas
	}
	return asize, ashift, nil
}

func (m *Mirror) Close(ctx context.Context) error {
	var firstErr error
	for _, c := range m.children {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IOStart implements §4.1's mirror read/write policy. Reads: pick a
// preferred child that doesn't have birth in its DTL, try remaining
// children on failure, optionally repair stale/erroring children. Writes:
// issue to every child.
func (m *Mirror) IOStart(ctx context.Context, kind IOKind, off, length int64, buf []byte, birth uint64) error {
	switch kind {
	case IOWrite:
		return m.writeAll(ctx, off, length, buf, birth)
	case IOFlush:
		return m.flushAll(ctx)
	case IORead:
		return m.read(ctx, off, length, buf, birth)
	default:
		return nil
	}
}

func (m *Mirror) writeAll(ctx context.Context, off, length int64, buf []byte, birth uint64) error {
	var firstErr error
	for _, c := range m.children {
		if c.State() == StateFaulted || c.State() == StateRemoved {
			continue
		}
		if err := c.IOStart(ctx, IOWrite, off, length, buf, birth); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Mirror) flushAll(ctx context.Context) error {
	var firstErr error
	for _, c := range m.children {
		if err := c.IOStart(ctx, IOFlush, 0, 0, nil, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Mirror) read(ctx context.Context, off, length int64, buf []byte, birth uint64) error {
	n := len(m.children)
	if n == 0 {
		return ErrNoReplicas
	}

	m.mu.Lock()
	start := int(m.readCounter % uint64(n))
	m.readCounter++
	m.mu.Unlock()

	var lastErr error
	tried := make([]bool, n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		c := m.children[idx]
		tried[idx] = true

		if c.State() == StateFaulted || c.State() == StateRemoved || c.State() == StateCantOpen {
			continue
		}
		if c.DTL().Contains(birth) {
			continue
		}

		err := c.IOStart(ctx, IORead, off, length, buf, birth)
		if err == nil {
			if m.Repair {
				m.repairOthers(ctx, idx, off, length, buf, birth)
			}
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrNoReplicas
}

// repairOthers issues self-healing writes (zio flag io_repair, §4.2) to
// every child whose DTL contains birth or that errored, after a
// known-good copy was read from goodIdx.
func (m *Mirror) repairOthers(ctx context.Context, goodIdx int, off, length int64, buf []byte, birth uint64) {
	for i, c := range m.children {
		if i == goodIdx {
			continue
		}
		if c.State() == StateFaulted || c.State() == StateRemoved {
			continue
		}
		if c.DTL().Contains(birth) {
			_ = c.IOStart(ctx, IOWrite, off, length, buf, birth)
			continue
		}
		// Verify the read matches; if not, it's silent corruption —
		// repair it too, and bump that child's checksum-error count.
		check := make([]byte, length)
		if err := c.IOStart(ctx, IORead, off, length, check, birth); err != nil || !bytesEqual(check, buf[:length]) {
			if lf, ok := c.(*Leaf); ok {
				lf.stats.ChecksumErrors++
			}
			_ = c.IOStart(ctx, IOWrite, off, length, buf, birth)
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
