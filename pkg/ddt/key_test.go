package ddt

import (
	"testing"

	"github.com/coldpool/zfscore/pkg/blkptr"
	"github.com/coldpool/zfscore/pkg/checksum"
	"github.com/stretchr/testify/assert"
)

func TestEncodeKeyOrdersByChecksumFirst(t *testing.T) {
	k1 := Key{Checksum: checksum.Digest{1, 0, 0, 0}, ChecksumID: checksum.SHA256}
	k2 := Key{Checksum: checksum.Digest{2, 0, 0, 0}, ChecksumID: checksum.SHA256}
	e1 := encodeKey(ClassDedup, k1)
	e2 := encodeKey(ClassDedup, k2)
	assert.NotEqual(t, e1, e2)
	assert.True(t, string(e1) < string(e2))
}

func TestEncodePhysRoundTrip(t *testing.T) {
	p := Phys{
		DVAs:     []blkptr.DVA{{Vdev: 1, Offset: 4096, ASize: 512}, {Vdev: 2, Offset: 8192, ASize: 1024}},
		Refcount: 3,
		Birth:    7,
	}
	raw, err := encodePhys(p)
	assert.NoError(t, err)
	assert.NotEmpty(t, raw)

	got, err := decodePhys(raw, 0)
	assert.NoError(t, err)
	assert.Equal(t, p.Refcount, got.Refcount)
	assert.Equal(t, p.Birth, got.Birth)
	assert.Equal(t, p.DVAs, got.DVAs)
}

func TestMarshalPhysRoundTrip(t *testing.T) {
	p := Phys{
		DVAs:       []blkptr.DVA{{Vdev: 9, Offset: 1, ASize: 1}},
		Refcount:   1,
		Birth:      2,
		ClassStart: 3,
	}
	buf := marshalPhys(p)
	got := unmarshalPhys(buf)
	assert.Equal(t, p, got)
}
