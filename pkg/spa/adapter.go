// Package spa ties the pool's component layers together: vdev tree,
// metaslab allocator, ARC, DDT, the DMU dbuf cache, the txg engine, and
// the ZIL, wired the way a real import/open/write/read/sync cycle uses
// them (§4's nine leaf-first layers, driven from the top).
package spa

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"

	"github.com/coldpool/zfscore/pkg/vdev"
)

// zioVdevAdapter bridges pkg/vdev.Vdev's IOKind-typed IOStart to the
// narrower, int-kind zio.Vdev interface pkg/zio and pkg/dmu depend on.
// The two packages intentionally don't share a type so neither needs to
// import the other's full surface (see pkg/zio's own doc comment on its
// local Vdev interface); spa is where both surfaces meet, so the adapter
// lives here.
type zioVdevAdapter struct {
	v vdev.Vdev
}

func adaptVdev(v vdev.Vdev) *zioVdevAdapter {
	return &zioVdevAdapter{v: v}
}

func (a *zioVdevAdapter) IOStart(ctx context.Context, kind int, off, length int64, buf []byte, birth uint64) error {
	k := vdev.IORead
	if kind == 1 {
		k = vdev.IOWrite
	}
	return a.v.IOStart(ctx, k, off, length, buf, birth)
}
