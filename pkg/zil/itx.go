package zil

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TxType names the synchronous operation an itx records (§4.9): the same
// vocabulary the intent log replays at import, one replay function per
// type.
type TxType uint64

const (
	TxCreate TxType = iota + 1
	TxMkdir
	TxSymlink
	TxRemove
	TxRmdir
	TxLink
	TxRename
	TxWrite
	TxTruncate
	TxSetattr
	TxACL
)

// ciFlag marks a case-insensitive variant of the same operation on-disk;
// §4.9 "each itx is dispatched to a replay function keyed by its
// lrc_txtype (with the CI flag bit stripped)".
const ciFlag TxType = 1 << 63

// Bare strips the CI flag bit, yielding the type a replay function is
// registered under.
func (t TxType) Bare() TxType { return t &^ ciFlag }

func (t TxType) String() string {
	switch t.Bare() {
	case TxCreate:
		return "create"
	case TxMkdir:
		return "mkdir"
	case TxSymlink:
		return "symlink"
	case TxRemove:
		return "remove"
	case TxRmdir:
		return "rmdir"
	case TxLink:
		return "link"
	case TxRename:
		return "rename"
	case TxWrite:
		return "write"
	case TxTruncate:
		return "truncate"
	case TxSetattr:
		return "setattr"
	case TxACL:
		return "acl"
	default:
		return fmt.Sprintf("txtype(%d)", uint64(t))
	}
}

// Itx is one intent-log transaction record: a synchronous operation that
// must reach stable storage before the write syscall that requested it
// (O_SYNC, fsync, ...) returns, ahead of the txg that will eventually make
// it durable through the ordinary DMU sync path.
type Itx struct {
	TxType TxType
	Txg    uint64 // the txg that must sync before this itx can be retired
	Seq    uint64 // assigned by Log.Write, monotonically increasing
	Object uint64
	Offset uint64
	Data   []byte
}

// errShortRecord is returned by decodeItx when buf doesn't hold a full
// record; the caller treats it as the end of a truncated/corrupt chain.
var errShortRecord = errors.New("zil: short itx record")

// itxHeaderSize is the fixed (txtype:64, reclen:64, txg:64, seq:64) header
// every record begins with, per §6.3.
const itxHeaderSize = 8 * 4

// encode serializes i as (txtype, reclen, txg, seq, object, offset, data),
// matching §6.3's "variable-length, each beginning with
// (txtype:64, reclen:64, txg:64, seq:64)" framing. object/offset are
// carried as part of the record body so replay can address the target
// block without a type-specific sub-union.
func (i Itx) encode() []byte {
	body := make([]byte, 16+len(i.Data))
	binary.BigEndian.PutUint64(body[0:8], i.Object)
	binary.BigEndian.PutUint64(body[8:16], i.Offset)
	copy(body[16:], i.Data)

	reclen := uint64(itxHeaderSize + len(body))
	buf := make([]byte, 0, reclen)
	var hdr [itxHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(i.TxType))
	binary.BigEndian.PutUint64(hdr[8:16], reclen)
	binary.BigEndian.PutUint64(hdr[16:24], i.Txg)
	binary.BigEndian.PutUint64(hdr[24:32], i.Seq)
	buf = append(buf, hdr[:]...)
	buf = append(buf, body...)
	return buf
}

// decodeItx parses one record from the front of buf, returning the
// decoded itx and the number of bytes it consumed.
func decodeItx(buf []byte) (Itx, int, error) {
	if len(buf) < itxHeaderSize {
		return Itx{}, 0, errShortRecord
	}
	txtype := TxType(binary.BigEndian.Uint64(buf[0:8]))
	reclen := binary.BigEndian.Uint64(buf[8:16])
	txg := binary.BigEndian.Uint64(buf[16:24])
	seq := binary.BigEndian.Uint64(buf[24:32])
	if reclen < itxHeaderSize+16 || int(reclen) > len(buf) {
		return Itx{}, 0, errShortRecord
	}
	body := buf[itxHeaderSize:reclen]
	object := binary.BigEndian.Uint64(body[0:8])
	offset := binary.BigEndian.Uint64(body[8:16])
	data := append([]byte(nil), body[16:]...)
	return Itx{TxType: txtype, Txg: txg, Seq: seq, Object: object, Offset: offset, Data: data}, int(reclen), nil
}
