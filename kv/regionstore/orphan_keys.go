package regionstore

import (
	"github.com/pingcap/errors"
)

// OrphanKeysInfo tracks write CF keys observed during snapshot pre-handling
// whose default CF companion has not yet been replayed. Raft log replay
// guarantees the companions arrive before the deadline index; a key remaining
// past the deadline means its default entry was lost.
type OrphanKeysInfo struct {
	RegionID uint64

	remainedKeys map[string]struct{}

	snapshotIndex    uint64
	hasSnapshotIndex bool
	deadlineIndex    uint64
	hasDeadlineIndex bool

	preHandling bool
}

// ObserveExtraKey records a write key whose default companion is missing.
// Idempotent.
func (o *OrphanKeysInfo) ObserveExtraKey(key []byte) {
	if o.remainedKeys == nil {
		o.remainedKeys = make(map[string]struct{})
	}
	o.remainedKeys[string(key)] = struct{}{}
}

// ObserveKeyFromNormalWrite removes key if tracked and reports whether it was.
// Called when normal (non-snapshot) log replay delivers the entry, reconciling
// a previously buffered orphan.
func (o *OrphanKeysInfo) ObserveKeyFromNormalWrite(key []byte) bool {
	if _, ok := o.remainedKeys[string(key)]; !ok {
		return false
	}
	delete(o.remainedKeys, string(key))
	return true
}

func (o *OrphanKeysInfo) ContainsExtraKey(key []byte) bool {
	_, ok := o.remainedKeys[string(key)]
	return ok
}

func (o *OrphanKeysInfo) RemainedKeyCount() uint64 {
	return uint64(len(o.remainedKeys))
}

// MergeFrom unions the remained key sets, used when merging two regions.
func (o *OrphanKeysInfo) MergeFrom(other *OrphanKeysInfo) {
	for key := range other.remainedKeys {
		o.ObserveExtraKey([]byte(key))
	}
}

func (o *OrphanKeysInfo) SetPreHandling(v bool) {
	o.preHandling = v
}

func (o *OrphanKeysInfo) PreHandling() bool {
	return o.preHandling
}

func (o *OrphanKeysInfo) SetSnapshotIndex(index uint64) {
	o.snapshotIndex = index
	o.hasSnapshotIndex = true
}

func (o *OrphanKeysInfo) HasSnapshotIndex() bool {
	return o.hasSnapshotIndex
}

func (o *OrphanKeysInfo) SetDeadlineIndex(index uint64) {
	o.deadlineIndex = index
	o.hasDeadlineIndex = true
}

// AdvanceAppliedIndex is called after every applied log entry. Once the applied
// index reaches the deadline, any still-unresolved orphan key is a silent data
// loss condition and must halt the region instead of being swallowed.
func (o *OrphanKeysInfo) AdvanceAppliedIndex(appliedIndex uint64) error {
	if !o.hasSnapshotIndex || !o.hasDeadlineIndex {
		return nil
	}
	count := o.RemainedKeyCount()
	if appliedIndex >= o.deadlineIndex && count > 0 {
		var sample []byte
		for key := range o.remainedKeys {
			sample = []byte(key)
			break
		}
		return errors.WithStack(&ErrOrphanDeadlineExceeded{
			RegionID:      o.RegionID,
			SnapshotIndex: o.snapshotIndex,
			DeadlineIndex: o.deadlineIndex,
			AppliedIndex:  appliedIndex,
			Remained:      count,
			SampleKey:     sample,
		})
	}
	return nil
}
