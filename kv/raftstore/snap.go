package raftstore

import (
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyflash/kv/regionstore"
)

// preHandledSnap is a snapshot turned into region data off the apply path,
// waiting for the apply worker to swap it in.
type preHandledSnap struct {
	meta          RegionMeta
	data          *regionstore.RegionData
	snapshotIndex uint64
	snapshotTerm  uint64
}

// PreHandleSnapshot builds region data from a serialized snapshot without
// touching the live region. At most SnapConcurrency snapshots build at once;
// beyond that the caller gets a busy error and should back off.
//
// Write records whose default companion is absent from the snapshot are
// recorded as orphan keys. They must be delivered by the raft log that
// follows the snapshot, ApplySnapshot arms the deadline that enforces it.
func (c *Controller) PreHandleSnapshot(meta RegionMeta, snapData []byte, snapshotIndex, snapshotTerm uint64) error {
	select {
	case c.snapSem <- struct{}{}:
	default:
		return errors.WithStack(&ErrServerIsBusy{Reason: "too many ongoing snapshot prehandles", BackoffMs: 100})
	}
	defer func() { <-c.snapSem }()
	c.ongoingSnapCount.Add(1)
	defer c.ongoingSnapCount.Sub(1)

	start := time.Now()
	data, err := regionstore.DeserializeRegionData(snapData, c.tracker)
	if err != nil {
		return err
	}
	orphans := data.OrphanKeys()
	orphans.RegionID = meta.ID
	orphans.SetSnapshotIndex(snapshotIndex)
	orphans.SetPreHandling(true)

	it := data.NewWriteCFIter()
	for ; it.Valid(); it.Next() {
		if _, err := data.ReadDataByWriteIt(it, true, meta.ID, snapshotIndex, false); err != nil {
			data.Release()
			return err
		}
	}

	if err := c.snapStorage.Stage(meta.ID, snapshotIndex, snapData); err != nil {
		data.Release()
		return err
	}

	c.metaMu.Lock()
	if old, ok := c.pendingSnaps[meta.ID]; ok {
		old.data.Release()
	}
	c.pendingSnaps[meta.ID] = &preHandledSnap{
		meta:          meta,
		data:          data,
		snapshotIndex: snapshotIndex,
		snapshotTerm:  snapshotTerm,
	}
	c.metaMu.Unlock()

	log.Infof("region %d pre-handled snapshot at index %d, %d rows, %d orphan keys, takes %v",
		meta.ID, snapshotIndex, data.Rows(), orphans.RemainedKeyCount(), time.Since(start))
	return nil
}

// OngoingSnapshotCount reports how many snapshot prehandles are in flight.
func (c *Controller) OngoingSnapshotCount() int64 {
	return c.ongoingSnapCount.Load()
}

// ApplySnapshot swaps the pre-handled snapshot into the live region under the
// task lock, waiting for active readers to drain. deadlineIndex is the raft
// index by which every orphan key must have been resolved by normal replay.
func (c *Controller) ApplySnapshot(regionID, deadlineIndex uint64) error {
	c.metaMu.Lock()
	snap, ok := c.pendingSnaps[regionID]
	if ok {
		delete(c.pendingSnaps, regionID)
	}
	c.metaMu.Unlock()
	if !ok {
		return errors.Errorf("no pre-handled snapshot for region %d", regionID)
	}

	p, err := c.getPeer(regionID)
	if _, notFound := errors.Cause(err).(*ErrRegionNotFound); notFound {
		// First snapshot for a region this node has never hosted.
		if err := c.CreateRegion(snap.meta); err != nil {
			snap.data.Release()
			return err
		}
		p, err = c.getPeer(regionID)
	}
	if err != nil {
		snap.data.Release()
		return err
	}

	orphans := snap.data.OrphanKeys()
	orphans.SetDeadlineIndex(deadlineIndex)
	orphans.SetPreHandling(false)

	p.taskMu.Lock()
	p.dataMu.Lock()
	p.data.AssignRegionData(snap.data)
	p.dataMu.Unlock()
	p.appliedIndex = snap.snapshotIndex
	p.appliedTerm = snap.snapshotTerm
	p.persistedIndex = 0
	p.lastFlushTime = time.Now()
	p.stopped = false
	p.taskMu.Unlock()

	c.metaMu.Lock()
	c.index.upsert(snap.meta)
	c.metaMu.Unlock()

	if err := c.snapStorage.Delete(regionID, snap.snapshotIndex); err != nil {
		log.Warnf("region %d failed to clean staged snapshot at index %d: %v", regionID, snap.snapshotIndex, err)
	}
	log.Infof("region %d applied snapshot at index %d, orphan deadline index %d",
		regionID, snap.snapshotIndex, deadlineIndex)
	return nil
}
