package regionstore

import (
	"fmt"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyflash/kv/memtracker"
	"github.com/pingcap-incubator/tinyflash/kv/mvcc"
	"github.com/pingcap-incubator/tinyflash/kv/util/codec"
)

// RegionData owns the three column family stores of one region, the orphan key
// tracker, and the running byte size of the default and write families. Lock
// entries are transient and never counted against region size.
//
// RegionData itself is not synchronized. Callers serialize mutation through the
// region task lock and coordinate readers through the region read lock.
type RegionData struct {
	defaultCF *cfStore
	writeCF   *cfStore
	lockCF    *cfStore

	dataSize   uint64
	orphanKeys OrphanKeysInfo
	memTracker memtracker.Tracker

	// Set once the post-restart degraded orphan check has been logged, so the
	// log is not flooded by every unresolvable key.
	degradedOrphanCheck bool
}

func NewRegionData(tracker memtracker.Tracker) *RegionData {
	return &RegionData{
		defaultCF:  newCFStore(CFDefault),
		writeCF:    newCFStore(CFWrite),
		lockCF:     newCFStore(CFLock),
		memTracker: tracker,
	}
}

func (d *RegionData) reportAlloc(delta uint64) {
	d.memTracker.Alloc(delta)
}

func (d *RegionData) reportDealloc(delta uint64) {
	d.memTracker.Free(delta)
}

func (d *RegionData) applyDelta(delta int64) {
	if delta >= 0 {
		d.dataSize += uint64(delta)
		d.reportAlloc(uint64(delta))
	} else {
		d.dataSize -= uint64(-delta)
		d.reportDealloc(uint64(-delta))
	}
}

// Insert dispatches a raw key/value pair to the matching family store and
// returns the net tracked-size change. Lock inserts never affect tracked size.
func (d *RegionData) Insert(cf ColumnFamily, rawKey, value []byte, dup DupCheck) (int64, error) {
	e, err := decodeCFEntry(cf, rawKey, value)
	if err != nil {
		return 0, err
	}
	switch cf {
	case CFDefault:
		delta, err := d.defaultCF.insert(e, dup)
		if err != nil {
			return 0, err
		}
		d.applyDelta(delta)
		return delta, nil
	case CFWrite:
		delta, err := d.writeCF.insert(e, dup)
		if err != nil {
			return 0, err
		}
		d.applyDelta(delta)
		if !d.orphanKeys.PreHandling() {
			// Normal replay may re-deliver a write key that was buffered as an
			// orphan during snapshot pre-handling, reconcile it here.
			d.orphanKeys.ObserveKeyFromNormalWrite(rawKey)
		}
		return delta, nil
	case CFLock:
		// lock cf is not counted into the size of the region
		_, err := d.lockCF.insert(e, dup)
		return 0, err
	}
	panic(fmt.Sprintf("unknown column family %d", cf))
}

// Remove deletes the entry addressed by rawKey from the matching family store.
// Missing keys are tolerated, GC may race with normal deletion.
func (d *RegionData) Remove(cf ColumnFamily, rawKey []byte) error {
	switch cf {
	case CFDefault, CFWrite:
		pk, ts, err := codec.DecodeKey(rawKey)
		if err != nil {
			return errors.WithStack(err)
		}
		store := d.defaultCF
		if cf == CFWrite {
			store = d.writeCF
		}
		// removed by gc, may not exist.
		delta, err := store.remove(pk, ts, true)
		if err != nil {
			return err
		}
		if delta != 0 {
			d.applyDelta(-delta)
		}
		return nil
	case CFLock:
		pk, err := codec.DecodeUserKey(rawKey)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = d.lockCF.remove(pk, 0, true)
		return err
	}
	panic(fmt.Sprintf("unknown column family %d", cf))
}

// WriteCFIter is a cursor over the write family in (primary key, commit ts)
// ascending order. It stays valid across RemoveDataByWriteIt, which returns
// the successor cursor.
type WriteCFIter struct {
	store *cfStore
	cur   *cfEntry
}

func (d *RegionData) NewWriteCFIter() *WriteCFIter {
	return &WriteCFIter{store: d.writeCF, cur: d.writeCF.first()}
}

func (it *WriteCFIter) Valid() bool {
	return it.cur != nil
}

func (it *WriteCFIter) Next() {
	it.cur = it.store.seekGreater(it.cur.pk, it.cur.ts)
}

func (it *WriteCFIter) PrimaryKey() []byte {
	return it.cur.pk
}

func (it *WriteCFIter) CommitTS() uint64 {
	return it.cur.ts
}

func (it *WriteCFIter) RawKey() []byte {
	return it.cur.rawKey
}

// RemoveDataByWriteIt removes the write entry under the cursor. A Put without
// an embedded short value cascades to the default entry it points at, this is
// the MVCC GC compaction step reclaiming a version whose write record is being
// purged. Returns the successor cursor.
func (d *RegionData) RemoveDataByWriteIt(it *WriteCFIter) *WriteCFIter {
	e := it.cur
	if e.write.Type == mvcc.WriteTypePut && e.write.ShortValue == nil {
		delta, _ := d.defaultCF.remove(e.pk, e.write.StartTS, true)
		if delta != 0 {
			d.applyDelta(-delta)
		}
	}
	next := it.store.seekGreater(e.pk, e.ts)
	delta, _ := d.writeCF.remove(e.pk, e.ts, true)
	if delta != 0 {
		d.applyDelta(-delta)
	}
	return &WriteCFIter{store: it.store, cur: next}
}

// RegionDataReadInfo is one resolved committed write. Value is nil when the
// caller did not ask for it or the write is not a Put.
type RegionDataReadInfo struct {
	PrimaryKey []byte
	WriteType  byte
	CommitTS   uint64
	Value      []byte
}

// ReadDataByWriteIt resolves the write entry under the cursor to its value.
//
// A (nil, nil) return means the entry is not resolvable yet: its default
// companion has not been replayed. The caller must retry after more log has
// been applied. All other failures are fatal consistency violations.
func (d *RegionData) ReadDataByWriteIt(it *WriteCFIter, needValue bool, regionID, appliedIndex uint64, hardError bool) (*RegionDataReadInfo, error) {
	e := it.cur
	if len(e.pk) == 0 {
		return nil, errors.WithStack(&ErrIllFormatRow{RawKey: e.rawKey})
	}
	info := &RegionDataReadInfo{PrimaryKey: e.pk, WriteType: e.write.Type, CommitTS: e.ts}
	if !needValue || e.write.Type != mvcc.WriteTypePut {
		return info, nil
	}
	if e.write.ShortValue != nil {
		info.Value = e.write.ShortValue
		return info, nil
	}
	if data := d.defaultCF.get(e.pk, e.write.StartTS); data != nil {
		info.Value = data.value
		return info, nil
	}
	if !hardError {
		if d.orphanKeys.PreHandling() {
			if !d.orphanKeys.HasSnapshotIndex() {
				return nil, errors.New("snapshot index shall be set when applying snapshot")
			}
			// While pre-handling a snapshot the orphan key is accepted and kept
			// in memory, it must be resolved by later raft logs.
			d.orphanKeys.ObserveExtraKey(append([]byte{}, e.rawKey...))
			return nil, nil
		}
		if d.orphanKeys.HasSnapshotIndex() {
			// Either a known orphan, or a Put replayed before its default
			// companion, the two cannot be told apart here. Not resolvable yet.
			return nil, nil
		}
		// Orphan key info is lost after restart, so the check cannot be made.
		// This is a monitored invariant gap, not an error to guess away.
		if !d.degradedOrphanCheck {
			d.degradedOrphanCheck = true
			log.Warnf("orphan key info lost after restart, primary key %q, prewrite ts %d, region_id %d, applied_index %d",
				e.pk, e.write.StartTS, regionID, appliedIndex)
		}
		return nil, nil
	}
	return nil, errors.WithStack(&ErrIllFormatRaftRow{
		PrimaryKey:   e.pk,
		PrewriteTS:   e.write.StartTS,
		RegionID:     regionID,
		AppliedIndex: appliedIndex,
		OrphanDebug: fmt.Sprintf(", orphan_info: (snapshot_index set: %v, known orphan: %v, orphan key count: %d)",
			d.orphanKeys.HasSnapshotIndex(), d.orphanKeys.ContainsExtraKey(e.rawKey), d.orphanKeys.RemainedKeyCount()),
	})
}

// LockReadQuery describes a snapshot read asking whether a pending transaction
// lock would block it.
type LockReadQuery struct {
	ReadTS       uint64
	BypassLockTS map[uint64]struct{}
}

// GetLockInfo returns the first lock that would block a read at query.ReadTS,
// or nil. Locks created after the read timestamp, intention locks, locks that
// cannot commit before the read, and explicitly bypassed locks are skipped.
func (d *RegionData) GetLockInfo(query *LockReadQuery) *mvcc.DecodedLock {
	var found *mvcc.DecodedLock
	d.lockCF.ascend(func(e *cfEntry) bool {
		l := e.lock
		if l.StartTS > query.ReadTS || l.Type == mvcc.LockTypeLock || l.Type == mvcc.LockTypePessimistic {
			return true
		}
		if l.MinCommitTS > query.ReadTS {
			return true
		}
		if _, ok := query.BypassLockTS[l.StartTS]; ok {
			return true
		}
		found = l
		return false
	})
	return found
}

// SplitInto moves all entries inside the range to newData. Only default and
// write bytes move tracked size; process-wide accounting is unchanged, the
// bytes stay resident on this node.
func (d *RegionData) SplitInto(r KeyRange, newData *RegionData) {
	var sizeChanged uint64
	sizeChanged += d.defaultCF.splitInto(r, newData.defaultCF)
	sizeChanged += d.writeCF.splitInto(r, newData.writeCF)
	d.lockCF.splitInto(r, newData.lockCF)
	d.dataSize -= sizeChanged
	newData.dataSize += sizeChanged
}

// MergeFrom copies all entries of other into this region data, unioning the
// orphan trackers. The copies are charged to the tracker; the double count
// lasts until the source region is destroyed.
func (d *RegionData) MergeFrom(other *RegionData) {
	var sizeChanged uint64
	sizeChanged += d.defaultCF.mergeFrom(other.defaultCF)
	sizeChanged += d.writeCF.mergeFrom(other.writeCF)
	d.lockCF.mergeFrom(other.lockCF)
	d.dataSize += sizeChanged
	d.reportAlloc(sizeChanged)
	d.orphanKeys.MergeFrom(&other.orphanKeys)
}

// AssignRegionData replaces this instance's content wholesale with next, used
// when a pre-handled snapshot is swapped in. next accounted its own size when
// it was built, only the replaced content is released here.
func (d *RegionData) AssignRegionData(next *RegionData) {
	d.reportDealloc(d.dataSize)
	d.defaultCF = next.defaultCF
	d.writeCF = next.writeCF
	d.lockCF = next.lockCF
	d.orphanKeys = next.orphanKeys
	d.dataSize = next.dataSize
	d.degradedOrphanCheck = false
}

// Release returns this instance's tracked bytes to the tracker, called when
// the owning region is merged away or removed from the node.
func (d *RegionData) Release() {
	d.reportDealloc(d.dataSize)
	d.dataSize = 0
	d.defaultCF = newCFStore(CFDefault)
	d.writeCF = newCFStore(CFWrite)
	d.lockCF = newCFStore(CFLock)
}

// Serialize appends the three family sections in fixed order. The encoding is
// used both for node-local persistence and for snapshot transfer.
func (d *RegionData) Serialize(buf []byte) []byte {
	buf = d.defaultCF.serialize(buf)
	buf = d.writeCF.serialize(buf)
	buf = d.lockCF.serialize(buf)
	return buf
}

// DeserializeRegionData rebuilds a RegionData from its serialized form.
// Tracked size is recomputed from the decoded entries, never read from the
// stream.
func DeserializeRegionData(b []byte, tracker memtracker.Tracker) (*RegionData, error) {
	d := NewRegionData(tracker)
	var total uint64
	rest, size, err := d.defaultCF.deserialize(b)
	if err != nil {
		return nil, err
	}
	total += size
	rest, size, err = d.writeCF.deserialize(rest)
	if err != nil {
		return nil, err
	}
	total += size
	rest, _, err = d.lockCF.deserialize(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("unexpected %d trailing bytes after region data", len(rest))
	}
	d.dataSize = total
	d.reportAlloc(total)
	return d, nil
}

// Equal reports whether two instances hold the same entries. Size equality is
// a derived invariant check on top of store equality.
func (d *RegionData) Equal(other *RegionData) bool {
	return d.defaultCF.equal(other.defaultCF) &&
		d.writeCF.equal(other.writeCF) &&
		d.lockCF.equal(other.lockCF) &&
		d.dataSize == other.dataSize
}

func (d *RegionData) DataSize() uint64 {
	return d.dataSize
}

// Rows returns the number of committed write records held in memory.
func (d *RegionData) Rows() int {
	return d.writeCF.len()
}

func (d *RegionData) Len(cf ColumnFamily) int {
	switch cf {
	case CFDefault:
		return d.defaultCF.len()
	case CFWrite:
		return d.writeCF.len()
	case CFLock:
		return d.lockCF.len()
	}
	panic(fmt.Sprintf("unknown column family %d", cf))
}

func (d *RegionData) OrphanKeys() *OrphanKeysInfo {
	return &d.orphanKeys
}
