package ddt

import (
	"path/filepath"
	"testing"

	"github.com/coldpool/zfscore/pkg/checksum"
	"github.com/stretchr/testify/assert"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := OpenLog(filepath.Join(t.TempDir(), "ddtlog"))
	assert.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAppendThenRotateThenDrain(t *testing.T) {
	l := openTestLog(t)

	e := logEntry{
		Class: ClassDedup,
		Key:   Key{Checksum: checksum.Digest{1}, ChecksumID: checksum.SHA256},
		Phys:  Phys{Refcount: 1},
	}
	assert.NoError(t, l.Append(e))
	assert.Equal(t, uint64(0), l.Backlog(), "backlog only counts the flushing bank, not active")

	assert.NoError(t, l.Rotate())
	assert.Equal(t, uint64(1), l.Backlog())

	var drained []Phys
	n, err := l.Drain(10, func(rawKey []byte, p Phys) error {
		drained = append(drained, p)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), drained[0].Refcount)
	assert.Equal(t, uint64(0), l.Backlog())
}

func TestLogDrainRespectsMax(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Append(logEntry{
			Class: ClassDedup,
			Key:   Key{Checksum: checksum.Digest{uint64(i)}, ChecksumID: checksum.SHA256},
			Phys:  Phys{Refcount: 1},
		}))
	}
	assert.NoError(t, l.Rotate())

	n, err := l.Drain(3, func(rawKey []byte, p Phys) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(2), l.Backlog())
}

func TestLogRotatePreservesPriorFlushingOrder(t *testing.T) {
	l := openTestLog(t)
	assert.NoError(t, l.Append(logEntry{Class: ClassDedup, Key: Key{Checksum: checksum.Digest{1}, ChecksumID: checksum.SHA256}, Phys: Phys{Refcount: 1}}))
	assert.NoError(t, l.Rotate())
	assert.NoError(t, l.Append(logEntry{Class: ClassDedup, Key: Key{Checksum: checksum.Digest{2}, ChecksumID: checksum.SHA256}, Phys: Phys{Refcount: 2}}))
	assert.NoError(t, l.Rotate())

	var order []uint64
	_, err := l.Drain(10, func(rawKey []byte, p Phys) error {
		order = append(order, p.Refcount)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, order)
}
