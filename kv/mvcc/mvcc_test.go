package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteCFValue(t *testing.T) {
	w := &WriteCFValue{Type: WriteTypePut, StartTS: 400}
	parsed, err := ParseWriteCFValue(EncodeWriteCFValue(w))
	require.NoError(t, err)
	require.Equal(t, w, parsed)

	w = &WriteCFValue{Type: WriteTypePut, StartTS: 1, ShortValue: []byte("inline-row")}
	parsed, err = ParseWriteCFValue(EncodeWriteCFValue(w))
	require.NoError(t, err)
	require.Equal(t, w, parsed)

	w = &WriteCFValue{Type: WriteTypeRollback, StartTS: 9}
	parsed, err = ParseWriteCFValue(EncodeWriteCFValue(w))
	require.NoError(t, err)
	require.Equal(t, byte(WriteTypeRollback), parsed.Type)
}

func TestWriteCFValueBadFormat(t *testing.T) {
	_, err := ParseWriteCFValue(nil)
	require.Error(t, err)
	_, err = ParseWriteCFValue([]byte{'X', 1})
	require.Error(t, err)
	// Short value length byte does not match the payload.
	_, err = ParseWriteCFValue([]byte{WriteTypePut, 1, shortValuePrefix, 5, 'a'})
	require.Error(t, err)
}

func TestLockCFValue(t *testing.T) {
	l := &DecodedLock{
		Type:        LockTypePut,
		Primary:     []byte("pk"),
		StartTS:     100,
		TTL:         3000,
		MinCommitTS: 101,
		ShortValue:  []byte("short"),
	}
	parsed, err := ParseLockCFValue(EncodeLockCFValue(l))
	require.NoError(t, err)
	require.Equal(t, l, parsed)

	l = &DecodedLock{Type: LockTypePessimistic, Primary: []byte("p"), StartTS: 5}
	parsed, err = ParseLockCFValue(EncodeLockCFValue(l))
	require.NoError(t, err)
	require.Equal(t, uint64(5), parsed.StartTS)
	require.Nil(t, parsed.ShortValue)

	_, err = ParseLockCFValue(nil)
	require.Error(t, err)
}
