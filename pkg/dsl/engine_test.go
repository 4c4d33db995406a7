package dsl_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpool/zfscore/pkg/dsl"
	"github.com/coldpool/zfscore/pkg/vdev"
)

// memSeeker is an in-memory io.ReadWriteSeeker backing an UberblockRing,
// the same pattern pkg/vdev's and pkg/spa's own test helpers use.
type memSeeker struct {
	data []byte
	pos  int64
}

func (s *memSeeker) Read(p []byte) (int, error) {
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *memSeeker) Write(p []byte) (int, error) {
	end := s.pos + int64(len(p))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	n := copy(s.data[s.pos:end], p)
	s.pos += int64(n)
	return n, nil
}

func (s *memSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = offset
	case 1:
		s.pos += offset
	case 2:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}

func newRings(n int) []*vdev.UberblockRing {
	rings := make([]*vdev.UberblockRing, n)
	for i := range rings {
		rings[i] = vdev.NewUberblockRing(&memSeeker{data: make([]byte, vdev.LabelSize)}, 0)
	}
	return rings
}

func newTestEngine(t *testing.T, rings []*vdev.UberblockRing, root *vdev.Root) *dsl.Engine {
	t.Helper()
	return dsl.NewEngine(dsl.Config{
		Root:    root,
		Rings:   rings,
		Version: 1,
		GUIDSum: 0xfeed,
		Timeout: time.Second,
	})
}

func TestEngineAdvanceOpenCommitsUberblockAndOpensNext(t *testing.T) {
	e := newTestEngine(t, newRings(2), nil)
	require.EqualValues(t, 1, e.OpenTxg())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, e.AdvanceOpen(ctx))

	u := e.LastUberblock()
	require.NotNil(t, u)
	assert.EqualValues(t, 1, u.Txg)
	assert.EqualValues(t, 2, e.OpenTxg())

	require.NoError(t, e.AdvanceOpen(ctx))
	u2 := e.LastUberblock()
	require.NotNil(t, u2)
	assert.EqualValues(t, 2, u2.Txg)
	assert.True(t, u2.Newer(u))
	assert.EqualValues(t, 3, e.OpenTxg())
}

func TestEngineHoldDelaysQuiesceUntilRelease(t *testing.T) {
	e := newTestEngine(t, newRings(1), nil)
	txg := e.OpenTxg()
	e.Hold(txg)

	done := make(chan error, 1)
	go func() {
		done <- e.AdvanceOpen(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("AdvanceOpen returned before the held txg was released")
	case <-time.After(50 * time.Millisecond):
	}

	e.Release(txg)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AdvanceOpen did not unblock after Release")
	}
}

func TestEngineAdvanceOpenRespectsContextCancel(t *testing.T) {
	e := newTestEngine(t, newRings(1), nil)
	txg := e.OpenTxg()
	e.Hold(txg)
	defer e.Release(txg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.AdvanceOpen(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineRunSyncTasksSkipsRejectedCheck(t *testing.T) {
	e := newTestEngine(t, newRings(1), nil)

	var goodRan, badRan bool

	e.RegisterTask(&dsl.SyncTask{
		Name:  "good",
		Check: func(txg uint64) error { return nil },
		Sync: func(ctx context.Context, txg uint64) error {
			goodRan = true
			return nil
		},
	})
	e.RegisterTask(&dsl.SyncTask{
		Name:  "bad",
		Check: func(txg uint64) error { return errors.New("not applicable this txg") },
		Sync: func(ctx context.Context, txg uint64) error {
			badRan = true
			return nil
		},
	})

	require.NoError(t, e.AdvanceOpen(context.Background()))
	assert.True(t, goodRan, "task whose Check passed should have run Sync")
	assert.False(t, badRan, "task whose Check rejected the txg must not run Sync")
}

func TestEngineAdvanceOpenPropagatesSyncTaskError(t *testing.T) {
	e := newTestEngine(t, newRings(1), nil)
	wantErr := errors.New("sync task blew up")

	e.RegisterTask(&dsl.SyncTask{
		Name: "failing",
		Sync: func(ctx context.Context, txg uint64) error { return wantErr },
	})

	err := e.AdvanceOpen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), wantErr.Error())
	assert.Nil(t, e.LastUberblock(), "a failed sync task must prevent an uberblock commit")
}

func TestEngineSuspendedRootRefusesAdvance(t *testing.T) {
	root := vdev.NewRoot(100, vdev.FailWait, vdev.NewLeaf(1, "leaf0", nil, 12))
	root.SetState(vdev.StateCantOpen, vdev.AuxNoReplicas)

	e := newTestEngine(t, newRings(1), root)

	err := e.AdvanceOpen(context.Background())
	assert.ErrorIs(t, err, dsl.ErrSuspended)
	assert.EqualValues(t, 1, e.OpenTxg(), "a suspended advance must not move the open txg forward")
}

func TestEngineSetRootBPOffsetReachesCommittedUberblock(t *testing.T) {
	e := newTestEngine(t, newRings(1), nil)
	e.SetRootBPOffset(0xabc)

	require.NoError(t, e.AdvanceOpen(context.Background()))
	u := e.LastUberblock()
	require.NotNil(t, u)
	assert.EqualValues(t, 0xabc, u.RootBPOff)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "open", dsl.PhaseOpen.String())
	assert.Equal(t, "quiescing", dsl.PhaseQuiescing.String())
	assert.Equal(t, "syncing", dsl.PhaseSyncing.String())
}
