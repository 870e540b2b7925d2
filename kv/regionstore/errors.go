package regionstore

import (
	"fmt"
)

// ErrDuplicateKey reports an insert under DupDeny that found the key already
// present. This is a logic fault: the caller claimed uniqueness.
type ErrDuplicateKey struct {
	Cf  ColumnFamily
	Key []byte
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicated key %q in cf %s", e.Key, e.Cf)
}

// ErrIllFormatRow reports a write CF entry whose decoded primary key is empty.
type ErrIllFormatRow struct {
	RawKey []byte
}

func (e *ErrIllFormatRow) Error() string {
	return fmt.Sprintf("observe empty primary key, raw key %q", e.RawKey)
}

// ErrIllFormatRaftRow reports a Put write record whose default CF companion is
// missing outside the orphan grace window. It is a fatal consistency violation,
// applying further entries risks silent data loss.
type ErrIllFormatRaftRow struct {
	PrimaryKey   []byte
	PrewriteTS   uint64
	RegionID     uint64
	AppliedIndex uint64
	OrphanDebug  string
}

func (e *ErrIllFormatRaftRow) Error() string {
	return fmt.Sprintf("primary key %q, prewrite ts %d can not be found in default cf, region_id %d, applied_index %d%s",
		e.PrimaryKey, e.PrewriteTS, e.RegionID, e.AppliedIndex, e.OrphanDebug)
}

// ErrOrphanDeadlineExceeded reports orphan write keys that survived past the
// guaranteed replay window. Their default companions were lost.
type ErrOrphanDeadlineExceeded struct {
	RegionID      uint64
	SnapshotIndex uint64
	DeadlineIndex uint64
	AppliedIndex  uint64
	Remained      uint64
	SampleKey     []byte
}

func (e *ErrOrphanDeadlineExceeded) Error() string {
	return fmt.Sprintf("orphan keys from snapshot still exist, one of total %d is %q, region_id %d, snapshot_index %d, deadline_index %d, applied_index %d",
		e.Remained, e.SampleKey, e.RegionID, e.SnapshotIndex, e.DeadlineIndex, e.AppliedIndex)
}
