package raftstore

import (
	"fmt"
)

type ErrRegionNotFound struct {
	RegionId uint64
}

func (e *ErrRegionNotFound) Error() string {
	return fmt.Sprintf("region %v is not found", e.RegionId)
}

type ErrKeyNotInRegion struct {
	Key      []byte
	RegionId uint64
	StartKey []byte
	EndKey   []byte
}

func (e *ErrKeyNotInRegion) Error() string {
	return fmt.Sprintf("key %q is not in region %v [%q, %q)", e.Key, e.RegionId, e.StartKey, e.EndKey)
}

type ErrServerIsBusy struct {
	Reason    string
	BackoffMs uint64
}

func (e *ErrServerIsBusy) Error() string {
	return fmt.Sprintf("server is busy, reason %v, backoff ms %v", e.Reason, e.BackoffMs)
}

type ErrStaleCommand struct{}

func (e *ErrStaleCommand) Error() string {
	return fmt.Sprintf("stale command")
}

type ErrRegionDestroyed struct {
	RegionId uint64
}

func (e *ErrRegionDestroyed) Error() string {
	return fmt.Sprintf("region %v is destroyed", e.RegionId)
}

type ErrFlushNotAcked struct {
	RegionId       uint64
	PersistedIndex uint64
	CompactIndex   uint64
}

func (e *ErrFlushNotAcked) Error() string {
	return fmt.Sprintf("can not compact log of region %v to index %v, sink only acked up to %v",
		e.RegionId, e.CompactIndex, e.PersistedIndex)
}
