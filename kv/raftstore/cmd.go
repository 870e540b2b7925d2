package raftstore

import (
	"github.com/pingcap-incubator/tinyflash/kv/regionstore"
)

// CmdType enumerates the write commands a raft log entry can carry.
type CmdType byte

const (
	CmdPut CmdType = iota
	CmdDelete
)

// Request is one key/value mutation inside a committed raft log entry. A log
// entry carries a batch of them applied atomically at one (index, term).
type Request struct {
	CmdType CmdType
	Cf      regionstore.ColumnFamily
	Key     []byte
	Value   []byte
}

// AdminCmdType enumerates region-shape commands.
type AdminCmdType byte

const (
	AdminSplit AdminCmdType = iota
	AdminCommitMerge
	AdminCompactLog
)

// SplitRequest splits the region at SplitKey. The derived region keeps
// [startKey, splitKey) and the new region takes [splitKey, endKey).
type SplitRequest struct {
	SplitKey    []byte
	NewRegionID uint64
}

// CommitMergeRequest folds the source region's data into the target region.
type CommitMergeRequest struct {
	SourceRegionID uint64
}

// CompactLogRequest asks for raft log truncation up to CompactIndex.
type CompactLogRequest struct {
	CompactIndex uint64
	CompactTerm  uint64
}

type AdminRequest struct {
	CmdType     AdminCmdType
	Split       *SplitRequest
	CommitMerge *CommitMergeRequest
	CompactLog  *CompactLogRequest
}

// ExecResult reports a region-shape change produced by an admin command.
type ExecResult struct {
	SplitNewRegion   uint64
	MergedFromRegion uint64
	CompactedToIndex uint64
}

// ApplyResult is returned from every apply call. FlushEligible tells the
// caller the region crossed a flush threshold and a Flush should be scheduled.
type ApplyResult struct {
	AppliedIndex  uint64
	AppliedTerm   uint64
	FlushEligible bool
	ExecResults   []ExecResult
}
