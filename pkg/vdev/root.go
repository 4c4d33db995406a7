package vdev

import "context"

// Root is the top of the vdev tree: a pool's set of top-level vdevs
// (mirrors, raidz groups, or bare leaves), each an independent unit of
// redundancy. FailMode governs what happens when no top-level vdev can
// satisfy a write (§4.1, §7 "Suspension").
type Root struct {
	base
	TopLevel []Vdev
	FailMode FailMode
}

func NewRoot(guid uint64, failMode FailMode, topLevel ...Vdev) *Root {
	r := &Root{TopLevel: topLevel, FailMode: failMode}
	r.guid = guid
	r.state = StateOffline
	return r
}

func (r *Root) Children() []Vdev { return r.TopLevel }

func (r *Root) Open(ctx context.Context) (int64, uint, error) {
	var total int64
	var ashift uint
	opened := 0
	for _, c := range r.TopLevel {
		a, sh, err := c.Open(ctx)
		if err != nil {
			continue
		}
		opened++
		total += a
		if sh > ashift {
			ashift = sh
		}
	}
	if opened == 0 {
		r.SetState(StateCantOpen, AuxNoReplicas)
		return 0, 0, ErrNoReplicas
	}
	state, aux := aggregateState(r.TopLevel)
	r.SetState(state, aux)
	return total, ashift, nil
}

func (r *Root) Close(ctx context.Context) error {
	var firstErr error
	for _, c := range r.TopLevel {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IOStart is not directly addressable at the root; the allocator
// (pkg/metaslab) picks a top-level vdev per DVA and callers dispatch
// directly to that vdev. IOStart here only supports a tree-wide flush,
// used by the txg commit path to make sure every label write is durable
// before the uberblock is acknowledged (§4.8).
func (r *Root) IOStart(ctx context.Context, kind IOKind, off, length int64, buf []byte, birth uint64) error {
	if kind != IOFlush {
		return ErrNoReplicas
	}
	var firstErr error
	for _, c := range r.TopLevel {
		if err := c.IOStart(ctx, IOFlush, 0, 0, nil, 0); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if r.FailMode == FailContinue {
				continue
			}
		}
	}
	return firstErr
}

// Suspend reports whether the pool should suspend given FailMode and the
// current aggregated state — called by pkg/dsl's sync-context error path
// (§7 "A failed sync-context write escalates to pool-level suspend or
// panic per failmode").
func (r *Root) Suspend() bool {
	return r.State() == StateCantOpen && r.FailMode == FailWait
}
