package zinject_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpool/zfscore/pkg/vdev"
	"github.com/coldpool/zfscore/pkg/zinject"
)

type memBackend struct{ data []byte }

func newMemBackend(size int64) *memBackend { return &memBackend{data: make([]byte, size)} }

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:end], p), nil
}

func (m *memBackend) Flush() error { return nil }
func (m *memBackend) Close() error { return nil }

func TestParseBookmark(t *testing.T) {
	bm, err := zinject.ParseBookmark("1:2:0:a")
	require.NoError(t, err)
	assert.Equal(t, zinject.Bookmark{Objset: 1, Object: 2, Level: 0, BlkID: 10}, bm)

	_, err = zinject.ParseBookmark("1:2:0")
	assert.Error(t, err)
}

func TestRegistryResolveViaMountTable(t *testing.T) {
	mounts := zinject.MapMountTable{
		"t/fs/file": {Objset: 1, Object: 3, Level: 0, BlkID: 0},
	}
	r := zinject.NewRegistry(mounts)

	bm, err := r.Resolve("t/fs/file")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), bm.Object)

	_, err = r.Resolve("t/fs/nope")
	assert.Error(t, err)

	bm2, err := r.Resolve("1:3:0:0")
	require.NoError(t, err)
	assert.Equal(t, bm, bm2)
}

func TestInjectorDeviceFault(t *testing.T) {
	ctx := context.Background()
	leaf := vdev.NewLeaf(7, "leaf0", newMemBackend(4096), 12)
	leaf.SetCapacity(4096)
	_, _, err := leaf.Open(ctx)
	require.NoError(t, err)

	reg := zinject.NewRegistry(nil)
	inj := zinject.Wrap(leaf, "leaf0", reg)

	buf := make([]byte, 10)
	require.NoError(t, inj.IOStart(ctx, vdev.IORead, 0, 10, buf, 1))

	id, err := reg.Add(zinject.Record{Type: zinject.TypeDeviceFault, VdevName: "leaf0"})
	require.NoError(t, err)

	err = inj.IOStart(ctx, vdev.IORead, 0, 10, buf, 1)
	assert.Error(t, err)

	assert.True(t, reg.Remove(id))
	require.NoError(t, inj.IOStart(ctx, vdev.IORead, 0, 10, buf, 1))
}

func TestInjectorDelayIO(t *testing.T) {
	ctx := context.Background()
	leaf := vdev.NewLeaf(7, "leaf0", newMemBackend(4096), 12)
	leaf.SetCapacity(4096)
	_, _, err := leaf.Open(ctx)
	require.NoError(t, err)

	reg := zinject.NewRegistry(nil)
	inj := zinject.Wrap(leaf, "leaf0", reg)
	_, err = reg.Add(zinject.Record{Type: zinject.TypeDelayIO, VdevGUID: 7, Delay: 20 * time.Millisecond})
	require.NoError(t, err)

	buf := make([]byte, 10)
	start := time.Now()
	require.NoError(t, inj.IOStart(ctx, vdev.IORead, 0, 10, buf, 1))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestInjectBackendLabelFault(t *testing.T) {
	back := newMemBackend(4 * vdev.LabelSize)
	reg := zinject.NewRegistry(nil)
	wrapped := zinject.WrapBackend(back, 1, "leaf0", reg)

	buf := make([]byte, 16)
	_, err := wrapped.ReadAt(buf, vdev.UberblockOffset)
	require.NoError(t, err)

	_, err = reg.Add(zinject.Record{
		Type:     zinject.TypeLabelFault,
		VdevName: "leaf0",
		Section:  vdev.LabelSectionUberblock,
	})
	require.NoError(t, err)

	_, err = wrapped.ReadAt(buf, vdev.UberblockOffset)
	assert.ErrorIs(t, err, vdev.ErrChecksumMismatch)

	// A read outside any labeled section (well past the fourth label) is
	// unaffected by a label-scoped fault.
	_, err = wrapped.ReadAt(buf, 4*vdev.LabelSize+1024)
	require.NoError(t, err)
}

func TestRegistryFreqPacing(t *testing.T) {
	reg := zinject.NewRegistry(nil)
	_, err := reg.Add(zinject.Record{Type: zinject.TypeDeviceFault, VdevGUID: 5, Freq: 2})
	require.NoError(t, err)

	fail1, _ := reg.CheckDevice(5, "", nil, "")
	fail2, _ := reg.CheckDevice(5, "", nil, "")
	assert.False(t, fail1)
	assert.True(t, fail2)
}
