package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeKey encodes a primary key and appends an encoded timestamp. Keys and
// timestamps are encoded so that timestamped keys are sorted first by key
// (ascending), then by timestamp (descending). The encoding is based on
// https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format.
func EncodeKey(key []byte, ts uint64) []byte {
	encodedKey := EncodeBytes(key)
	return AppendTs(encodedKey, ts)
}

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//   [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
func EncodeBytes(data []byte) []byte {
	// Allocate more space to avoid unnecessary slice growing.
	// Assume that the byte slice size is about `(len(data) / encGroupSize + 1) * (encGroupSize + 1)` bytes,
	// that is `(len(data) / 8 + 1) * 9` in our implement.
	dLen := len(data)
	result := make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1)+8) // make extra room for appending ts
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		result = append(result, marker)
	}
	return result
}

// AppendTs appends the timestamp to encoded key. Note we invert the timestamp so
// that when sorted, they are in descending order.
func AppendTs(encodedKey []byte, ts uint64) []byte {
	newKey := append(encodedKey, make([]byte, 8)...)
	binary.BigEndian.PutUint64(newKey[len(newKey)-8:], ^ts)
	return newKey
}

// DecodeKey takes an encoded key + timestamp and returns both parts.
func DecodeKey(key []byte) ([]byte, uint64, error) {
	left, userKey, err := DecodeBytes(key)
	if err != nil {
		return nil, 0, err
	}
	if len(left) != 8 {
		return nil, 0, errors.Errorf("invalid timestamp length %d", len(left))
	}
	return userKey, ^binary.BigEndian.Uint64(left), nil
}

// DecodeUserKey takes an encoded key without timestamp and returns the key part.
func DecodeUserKey(key []byte) ([]byte, error) {
	left, userKey, err := DecodeBytes(key)
	if err != nil {
		return nil, err
	}
	if len(left) != 0 {
		return nil, errors.Errorf("unexpected %d trailing bytes after key", len(left))
	}
	return userKey, nil
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			var padByte = encPad
			// Check validity of padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != padByte {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeUvarint appends an unsigned varint to buf.
func EncodeUvarint(buf []byte, v uint64) []byte {
	var data [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(data[:], v)
	return append(buf, data[:n]...)
}

// DecodeUvarint decodes an unsigned varint, returns the leftover bytes and the value.
func DecodeUvarint(b []byte) ([]byte, uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, errors.New("insufficient bytes to decode uvarint")
	}
	return b[n:], v, nil
}

// EncodeCompactBytes appends a length-prefixed byte slice to buf.
func EncodeCompactBytes(buf, data []byte) []byte {
	buf = EncodeUvarint(buf, uint64(len(data)))
	return append(buf, data...)
}

// DecodeCompactBytes decodes a length-prefixed byte slice, returns the leftover
// bytes and the decoded slice.
func DecodeCompactBytes(b []byte) ([]byte, []byte, error) {
	b, l, err := DecodeUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(b)) < l {
		return nil, nil, errors.Errorf("insufficient bytes to decode value, expected %d got %d", l, len(b))
	}
	return b[l:], b[:l], nil
}
