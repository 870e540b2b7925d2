package regionstore

import (
	"bytes"

	"github.com/google/btree"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyflash/kv/mvcc"
	"github.com/pingcap-incubator/tinyflash/kv/util/codec"
)

// ColumnFamily tags one of the three logical key/value namespaces of a region.
// The set is closed, dispatch over it is always an exhaustive switch.
type ColumnFamily byte

const (
	CFDefault ColumnFamily = iota
	CFWrite
	CFLock
)

func (cf ColumnFamily) String() string {
	switch cf {
	case CFDefault:
		return "default"
	case CFWrite:
		return "write"
	case CFLock:
		return "lock"
	}
	return "unknown"
}

// DupCheck selects how an insert treats an existing key.
type DupCheck byte

const (
	// DupAllow silently overwrites, used for normal replay where idempotent
	// re-application of log entries is expected.
	DupAllow DupCheck = iota
	// DupDeny treats an overwrite as a logic fault, used where the caller has
	// proven uniqueness.
	DupDeny
)

// KeyRange is a half-open range [StartKey, EndKey) over decoded primary keys.
// An empty EndKey means unbounded.
type KeyRange struct {
	StartKey []byte
	EndKey   []byte
}

func (r KeyRange) Contains(pk []byte) bool {
	if bytes.Compare(pk, r.StartKey) < 0 {
		return false
	}
	if len(r.EndKey) == 0 {
		return true
	}
	return bytes.Compare(pk, r.EndKey) < 0
}

// cfEntry is one stored key/value pair. Default and write entries are keyed by
// decoded (primary key, timestamp); lock entries by (primary key, 0). The raw
// encoded key is kept so serialization round-trips byte-identically.
type cfEntry struct {
	pk     []byte
	ts     uint64
	rawKey []byte
	value  []byte

	// Decoded value, populated at insert so readers never re-parse.
	write *mvcc.WriteCFValue
	lock  *mvcc.DecodedLock
}

func (e *cfEntry) Less(than btree.Item) bool {
	o := than.(*cfEntry)
	if c := bytes.Compare(e.pk, o.pk); c != 0 {
		return c < 0
	}
	return e.ts < o.ts
}

func (e *cfEntry) size() uint64 {
	return uint64(len(e.rawKey) + len(e.value))
}

const cfStoreDegree = 32

// cfStore is the sorted container for one column family. Iteration order is
// (primary key ascending, timestamp ascending) and is monotonic.
type cfStore struct {
	cf   ColumnFamily
	tree *btree.BTree
}

func newCFStore(cf ColumnFamily) *cfStore {
	return &cfStore{cf: cf, tree: btree.New(cfStoreDegree)}
}

// insert adds or overwrites an entry, returning the net byte-size change.
func (s *cfStore) insert(e *cfEntry, dup DupCheck) (int64, error) {
	if dup == DupDeny && s.tree.Has(e) {
		return 0, errors.WithStack(&ErrDuplicateKey{Cf: s.cf, Key: e.rawKey})
	}
	old := s.tree.ReplaceOrInsert(e)
	if old == nil {
		return int64(e.size()), nil
	}
	return int64(e.size()) - int64(old.(*cfEntry).size()), nil
}

// remove deletes the entry at (pk, ts) if present and returns its size. A
// missing key is a no-op when tolerateMissing is set, GC deletions may target
// an already-compacted key.
func (s *cfStore) remove(pk []byte, ts uint64, tolerateMissing bool) (int64, error) {
	old := s.tree.Delete(&cfEntry{pk: pk, ts: ts})
	if old == nil {
		if tolerateMissing {
			return 0, nil
		}
		return 0, errors.Errorf("key %q ts %d not found in cf %s", pk, ts, s.cf)
	}
	return int64(old.(*cfEntry).size()), nil
}

func (s *cfStore) get(pk []byte, ts uint64) *cfEntry {
	item := s.tree.Get(&cfEntry{pk: pk, ts: ts})
	if item == nil {
		return nil
	}
	return item.(*cfEntry)
}

func (s *cfStore) len() int {
	return s.tree.Len()
}

func (s *cfStore) ascend(fn func(e *cfEntry) bool) {
	s.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*cfEntry))
	})
}

func (s *cfStore) first() *cfEntry {
	item := s.tree.Min()
	if item == nil {
		return nil
	}
	return item.(*cfEntry)
}

// seekGreater returns the first entry strictly greater than (pk, ts).
func (s *cfStore) seekGreater(pk []byte, ts uint64) *cfEntry {
	var found *cfEntry
	s.tree.AscendGreaterOrEqual(&cfEntry{pk: pk, ts: ts}, func(item btree.Item) bool {
		e := item.(*cfEntry)
		if bytes.Equal(e.pk, pk) && e.ts == ts {
			return true
		}
		found = e
		return false
	})
	return found
}

// splitInto moves entries whose primary key falls inside the range into the
// target store, returning the byte size moved.
func (s *cfStore) splitInto(r KeyRange, target *cfStore) uint64 {
	var moved []*cfEntry
	s.ascend(func(e *cfEntry) bool {
		if r.Contains(e.pk) {
			moved = append(moved, e)
		}
		return true
	})
	var size uint64
	for _, e := range moved {
		s.tree.Delete(e)
		target.tree.ReplaceOrInsert(e)
		size += e.size()
	}
	return size
}

// mergeFrom copies all entries of source into this store, returning the byte
// size added.
func (s *cfStore) mergeFrom(source *cfStore) uint64 {
	var size uint64
	source.ascend(func(e *cfEntry) bool {
		s.tree.ReplaceOrInsert(e)
		size += e.size()
		return true
	})
	return size
}

// serialize appends an ordered binary encoding of all entries to buf. The
// section is self-delimited: an entry count followed by (rawKey, value) pairs.
func (s *cfStore) serialize(buf []byte) []byte {
	buf = codec.EncodeUvarint(buf, uint64(s.tree.Len()))
	s.ascend(func(e *cfEntry) bool {
		buf = codec.EncodeCompactBytes(buf, e.rawKey)
		buf = codec.EncodeCompactBytes(buf, e.value)
		return true
	})
	return buf
}

// deserialize consumes one serialized section, rebuilding decoded entries.
// Returns the leftover bytes and the total entry size read.
func (s *cfStore) deserialize(b []byte) ([]byte, uint64, error) {
	b, count, err := codec.DecodeUvarint(b)
	if err != nil {
		return nil, 0, err
	}
	var total uint64
	for i := uint64(0); i < count; i++ {
		var rawKey, value []byte
		b, rawKey, err = codec.DecodeCompactBytes(b)
		if err != nil {
			return nil, 0, err
		}
		b, value, err = codec.DecodeCompactBytes(b)
		if err != nil {
			return nil, 0, err
		}
		e, err := decodeCFEntry(s.cf, rawKey, value)
		if err != nil {
			return nil, 0, err
		}
		s.tree.ReplaceOrInsert(e)
		total += e.size()
	}
	return b, total, nil
}

func (s *cfStore) equal(other *cfStore) bool {
	if s.tree.Len() != other.tree.Len() {
		return false
	}
	equal := true
	s.ascend(func(e *cfEntry) bool {
		o := other.get(e.pk, e.ts)
		if o == nil || !bytes.Equal(e.rawKey, o.rawKey) || !bytes.Equal(e.value, o.value) {
			equal = false
			return false
		}
		return true
	})
	return equal
}

// decodeCFEntry builds a store entry from a raw key/value pair, decoding the
// key form the family is keyed by and pre-parsing the value where the family
// carries a structured one.
func decodeCFEntry(cf ColumnFamily, rawKey, value []byte) (*cfEntry, error) {
	e := &cfEntry{rawKey: rawKey, value: value}
	switch cf {
	case CFDefault:
		pk, ts, err := codec.DecodeKey(rawKey)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		e.pk, e.ts = pk, ts
	case CFWrite:
		pk, ts, err := codec.DecodeKey(rawKey)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		w, err := mvcc.ParseWriteCFValue(value)
		if err != nil {
			return nil, err
		}
		e.pk, e.ts, e.write = pk, ts, w
	case CFLock:
		pk, err := codec.DecodeUserKey(rawKey)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		l, err := mvcc.ParseLockCFValue(value)
		if err != nil {
			return nil, err
		}
		e.pk, e.lock = pk, l
	}
	return e, nil
}
