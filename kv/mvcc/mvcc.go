package mvcc

import (
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyflash/kv/util/codec"
)

// Write type flags stored as the first byte of a write CF value.
const (
	WriteTypePut      = 'P'
	WriteTypeDelete   = 'D'
	WriteTypeLock     = 'L'
	WriteTypeRollback = 'R'
)

// Lock type flags stored as the first byte of a lock CF value. Lock and
// Pessimistic are intention locks and never block snapshot reads.
const (
	LockTypePut         = 'P'
	LockTypeDelete      = 'D'
	LockTypeLock        = 'L'
	LockTypePessimistic = 'S'
)

const shortValuePrefix = 'v'

var errBadWriteFormat = errors.New("bad format write CF value")
var errBadLockFormat = errors.New("bad format lock CF value")

// WriteCFValue is the decoded form of a write CF value. StartTS is the
// prewrite timestamp of the committed transaction; ShortValue, when present,
// carries the row payload inline so no default CF lookup is needed.
type WriteCFValue struct {
	Type       byte
	StartTS    uint64
	ShortValue []byte
}

func ParseWriteCFValue(b []byte) (*WriteCFValue, error) {
	if len(b) == 0 {
		return nil, errors.WithStack(errBadWriteFormat)
	}
	w := new(WriteCFValue)
	w.Type = b[0]
	switch w.Type {
	case WriteTypePut, WriteTypeDelete, WriteTypeLock, WriteTypeRollback:
	default:
		return nil, errors.WithStack(errBadWriteFormat)
	}
	b = b[1:]
	var err error
	b, w.StartTS, err = codec.DecodeUvarint(b)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(b) == 0 {
		return w, nil
	}
	if b[0] != shortValuePrefix || len(b) < 2 {
		return nil, errors.WithStack(errBadWriteFormat)
	}
	l := b[1]
	b = b[2:]
	if int(l) != len(b) {
		return nil, errors.WithStack(errBadWriteFormat)
	}
	w.ShortValue = b
	return w, nil
}

func EncodeWriteCFValue(v *WriteCFValue) []byte {
	size := 1 + 8
	shortValLen := len(v.ShortValue)
	if shortValLen > 0 {
		size += shortValLen + 2
	}
	data := make([]byte, 0, size)
	data = append(data, v.Type)
	data = codec.EncodeUvarint(data, v.StartTS)
	if shortValLen > 0 {
		data = append(data, shortValuePrefix, byte(shortValLen))
		data = append(data, v.ShortValue...)
	}
	return data
}

// DecodedLock is the decoded form of a lock CF value. StartTS doubles as the
// lock version, MinCommitTS is the lowest timestamp the owning transaction may
// commit at.
type DecodedLock struct {
	Type        byte
	Primary     []byte
	StartTS     uint64
	TTL         uint64
	MinCommitTS uint64
	ShortValue  []byte
}

func ParseLockCFValue(b []byte) (*DecodedLock, error) {
	if len(b) == 0 {
		return nil, errors.WithStack(errBadLockFormat)
	}
	lv := new(DecodedLock)
	lv.Type = b[0]
	b = b[1:]
	var err error
	b, lv.Primary, err = codec.DecodeCompactBytes(b)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b, lv.StartTS, err = codec.DecodeUvarint(b)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b, lv.TTL, err = codec.DecodeUvarint(b)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b, lv.MinCommitTS, err = codec.DecodeUvarint(b)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(b) == 0 {
		return lv, nil
	}
	if b[0] != shortValuePrefix || len(b) < 2 {
		return nil, errors.WithStack(errBadLockFormat)
	}
	l := b[1]
	b = b[2:]
	if int(l) != len(b) {
		return nil, errors.WithStack(errBadLockFormat)
	}
	lv.ShortValue = b
	return lv, nil
}

func EncodeLockCFValue(v *DecodedLock) []byte {
	buf := make([]byte, 0, 1+len(v.Primary)+24+len(v.ShortValue))
	buf = append(buf, v.Type)
	buf = codec.EncodeCompactBytes(buf, v.Primary)
	buf = codec.EncodeUvarint(buf, v.StartTS)
	buf = codec.EncodeUvarint(buf, v.TTL)
	buf = codec.EncodeUvarint(buf, v.MinCommitTS)
	if len(v.ShortValue) > 0 {
		buf = append(buf, shortValuePrefix, byte(len(v.ShortValue)))
		buf = append(buf, v.ShortValue...)
	}
	return buf
}
