package raftstore

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/uber-go/atomic"

	"github.com/pingcap-incubator/tinyflash/kv/config"
	"github.com/pingcap-incubator/tinyflash/kv/memtracker"
	"github.com/pingcap-incubator/tinyflash/kv/mvcc"
	"github.com/pingcap-incubator/tinyflash/kv/regionstore"
	"github.com/pingcap-incubator/tinyflash/kv/util/codec"
	"github.com/pingcap-incubator/tinyflash/kv/util/worker"
)

// regionPeer is the per-region apply state. taskMu serializes all mutators
// (write apply, admin apply, flush, snapshot swap, destroy); dataMu lets MVCC
// readers run concurrently while making swap and repartition wait for them.
type regionPeer struct {
	regionID uint64

	taskMu sync.Mutex
	dataMu sync.RWMutex

	data *regionstore.RegionData

	appliedIndex uint64
	appliedTerm  uint64
	// Raft log truncated up to here, never beyond persistedIndex.
	truncatedIndex uint64
	// Applied index covered by the last acknowledged sink write.
	persistedIndex uint64
	lastFlushTime  time.Time

	// Region aborted by a fatal consistency fault or destroyed. Further apply
	// calls are rejected rather than risking data loss.
	stopped bool
}

// Controller routes committed raft entries into region data, decides flush
// eligibility, and orchestrates snapshots and region shape changes.
type Controller struct {
	cfg     *config.Config
	sink    Sink
	tracker memtracker.Tracker
	limiter *IOLimiter

	metaMu       sync.Mutex
	index        *regionIndex
	peers        map[uint64]*regionPeer
	pendingSnaps map[uint64]*preHandledSnap

	snapStorage *snapStorage
	// Bounds concurrent snapshot pre-handling; the counter is exported for
	// backpressure decisions, the channel does the gating.
	ongoingSnapCount *atomic.Int64
	snapSem          chan struct{}

	flushWorker *worker.Worker
	wg          sync.WaitGroup
}

func NewController(cfg *config.Config, sink Sink, tracker memtracker.Tracker) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	storage, err := openSnapStorage(cfg.SnapPath)
	if err != nil {
		return nil, err
	}
	limiter := NewInfLimiter()
	if cfg.SinkBytesPerSec > 0 {
		limiter = NewIOLimiter(cfg.SinkBytesPerSec)
	}
	c := &Controller{
		cfg:              cfg,
		sink:             sink,
		tracker:          tracker,
		limiter:          limiter,
		index:            newRegionIndex(),
		peers:            make(map[uint64]*regionPeer),
		pendingSnaps:     make(map[uint64]*preHandledSnap),
		snapStorage:      storage,
		ongoingSnapCount: atomic.NewInt64(0),
		snapSem:          make(chan struct{}, cfg.SnapConcurrency),
	}
	c.flushWorker = worker.NewWorker("region-flush", &c.wg)
	c.flushWorker.Start(&flushTaskHandler{ctl: c})
	return c, nil
}

func (c *Controller) Close() error {
	c.flushWorker.Stop()
	c.wg.Wait()
	c.metaMu.Lock()
	for id, snap := range c.pendingSnaps {
		snap.data.Release()
		delete(c.pendingSnaps, id)
	}
	c.metaMu.Unlock()
	return c.snapStorage.Close()
}

// CreateRegion registers an empty region with the given range.
func (c *Controller) CreateRegion(meta RegionMeta) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if _, ok := c.peers[meta.ID]; ok {
		return errors.Errorf("region %d already exists", meta.ID)
	}
	p := &regionPeer{
		regionID:      meta.ID,
		data:          regionstore.NewRegionData(c.tracker),
		lastFlushTime: time.Now(),
	}
	p.data.OrphanKeys().RegionID = meta.ID
	c.peers[meta.ID] = p
	c.index.upsert(meta)
	return nil
}

func (c *Controller) getPeer(regionID uint64) (*regionPeer, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	p, ok := c.peers[regionID]
	if !ok {
		return nil, errors.WithStack(&ErrRegionNotFound{RegionId: regionID})
	}
	return p, nil
}

func (c *Controller) getMeta(regionID uint64) (RegionMeta, bool) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.index.get(regionID)
}

// RegionForKey returns the region owning the decoded primary key.
func (c *Controller) RegionForKey(pk []byte) (RegionMeta, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	meta, ok := c.index.search(pk)
	if !ok {
		return RegionMeta{}, errors.WithStack(&ErrRegionNotFound{})
	}
	return meta, nil
}

// checkEntryIndex enforces the apply ordering contract: entries arrive in
// strictly increasing index order with no gaps. A stale entry is rejected, a
// gap is a raft layer bug and must not be papered over.
func (p *regionPeer) checkEntryIndex(index uint64) error {
	if index <= p.appliedIndex {
		return errors.WithStack(&ErrStaleCommand{})
	}
	if p.appliedIndex != 0 && index != p.appliedIndex+1 {
		panic(fmt.Sprintf("region %d expect index %d, got %d", p.regionID, p.appliedIndex+1, index))
	}
	return nil
}

func checkKeyInRegion(pk []byte, meta RegionMeta) error {
	if bytes.Compare(pk, meta.StartKey) >= 0 && (len(meta.EndKey) == 0 || bytes.Compare(pk, meta.EndKey) < 0) {
		return nil
	}
	return errors.WithStack(&ErrKeyNotInRegion{
		Key: pk, RegionId: meta.ID, StartKey: meta.StartKey, EndKey: meta.EndKey})
}

func decodePrimaryKey(cf regionstore.ColumnFamily, rawKey []byte) ([]byte, error) {
	if cf == regionstore.CFLock {
		return codec.DecodeUserKey(rawKey)
	}
	pk, _, err := codec.DecodeKey(rawKey)
	return pk, err
}

// ApplyWrite applies one committed log entry's mutation batch to the region.
// The orphan deadline check runs after the batch; a deadline violation stops
// the region and surfaces the error for the apply worker to crash on.
func (c *Controller) ApplyWrite(regionID uint64, reqs []Request, index, term uint64) (*ApplyResult, error) {
	p, err := c.getPeer(regionID)
	if err != nil {
		return nil, err
	}
	meta, _ := c.getMeta(regionID)

	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	if p.stopped {
		return nil, errors.WithStack(&ErrRegionDestroyed{RegionId: regionID})
	}
	if err := p.checkEntryIndex(index); err != nil {
		return nil, err
	}

	p.dataMu.Lock()
	for i := range reqs {
		req := &reqs[i]
		pk, err := decodePrimaryKey(req.Cf, req.Key)
		if err != nil {
			p.dataMu.Unlock()
			return nil, err
		}
		if err := checkKeyInRegion(pk, meta); err != nil {
			p.dataMu.Unlock()
			return nil, err
		}
		switch req.CmdType {
		case CmdPut:
			_, err = p.data.Insert(req.Cf, req.Key, req.Value, regionstore.DupAllow)
		case CmdDelete:
			err = p.data.Remove(req.Cf, req.Key)
		default:
			panic(fmt.Sprintf("unknown command type %d", req.CmdType))
		}
		if err != nil {
			p.dataMu.Unlock()
			return nil, err
		}
	}
	p.dataMu.Unlock()

	p.appliedIndex, p.appliedTerm = index, term
	if err := p.data.OrphanKeys().AdvanceAppliedIndex(index); err != nil {
		// Silent data loss condition. Stop the region, the caller decides
		// whether the whole node goes down.
		p.stopped = true
		log.Errorf("region %d stopped: %v", regionID, err)
		return nil, err
	}
	return &ApplyResult{
		AppliedIndex:  index,
		AppliedTerm:   term,
		FlushEligible: c.flushEligible(p),
	}, nil
}

// ApplyAdmin applies a region shape command under the same task lock as
// writes.
func (c *Controller) ApplyAdmin(regionID uint64, admin *AdminRequest, index, term uint64) (*ApplyResult, error) {
	p, err := c.getPeer(regionID)
	if err != nil {
		return nil, err
	}
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	if p.stopped {
		return nil, errors.WithStack(&ErrRegionDestroyed{RegionId: regionID})
	}
	if err := p.checkEntryIndex(index); err != nil {
		return nil, err
	}

	var execResults []ExecResult
	switch admin.CmdType {
	case AdminSplit:
		res, err := c.execSplit(p, admin.Split, index, term)
		if err != nil {
			return nil, err
		}
		execResults = append(execResults, res)
	case AdminCommitMerge:
		res, err := c.execCommitMerge(p, admin.CommitMerge)
		if err != nil {
			return nil, err
		}
		execResults = append(execResults, res)
	case AdminCompactLog:
		res, err := c.execCompactLog(p, admin.CompactLog)
		if err != nil {
			return nil, err
		}
		execResults = append(execResults, res)
	default:
		panic(fmt.Sprintf("unknown admin command type %d", admin.CmdType))
	}

	p.appliedIndex, p.appliedTerm = index, term
	if err := p.data.OrphanKeys().AdvanceAppliedIndex(index); err != nil {
		p.stopped = true
		log.Errorf("region %d stopped: %v", regionID, err)
		return nil, err
	}
	return &ApplyResult{
		AppliedIndex:  index,
		AppliedTerm:   term,
		FlushEligible: c.flushEligible(p),
		ExecResults:   execResults,
	}, nil
}

// execSplit carves [splitKey, endKey) out of the derived region into a fresh
// one. The repartition waits for active readers so they never observe a half
// moved range.
func (c *Controller) execSplit(p *regionPeer, split *SplitRequest, index, term uint64) (ExecResult, error) {
	meta, ok := c.getMeta(p.regionID)
	if !ok {
		return ExecResult{}, errors.WithStack(&ErrRegionNotFound{RegionId: p.regionID})
	}
	if err := checkKeyInRegion(split.SplitKey, meta); err != nil {
		return ExecResult{}, err
	}

	newPeer := &regionPeer{
		regionID:      split.NewRegionID,
		data:          regionstore.NewRegionData(c.tracker),
		appliedIndex:  index,
		appliedTerm:   term,
		lastFlushTime: time.Now(),
	}
	newPeer.data.OrphanKeys().RegionID = split.NewRegionID

	p.dataMu.Lock()
	p.data.SplitInto(regionstore.KeyRange{StartKey: split.SplitKey, EndKey: meta.EndKey}, newPeer.data)
	p.dataMu.Unlock()

	c.metaMu.Lock()
	c.peers[split.NewRegionID] = newPeer
	c.index.upsert(RegionMeta{ID: split.NewRegionID, StartKey: split.SplitKey, EndKey: meta.EndKey})
	c.index.upsert(RegionMeta{ID: meta.ID, StartKey: meta.StartKey, EndKey: split.SplitKey})
	c.metaMu.Unlock()

	log.Infof("region %d splits at %q, new region %d", p.regionID, split.SplitKey, split.NewRegionID)
	return ExecResult{SplitNewRegion: split.NewRegionID}, nil
}

// execCommitMerge folds the adjacent source region into the target. The source
// peer's task lock is taken while the target's is held; the raft layer
// guarantees no further entries are delivered to the source, so the ordering
// cannot deadlock.
func (c *Controller) execCommitMerge(p *regionPeer, merge *CommitMergeRequest) (ExecResult, error) {
	source, err := c.getPeer(merge.SourceRegionID)
	if err != nil {
		return ExecResult{}, err
	}
	targetMeta, _ := c.getMeta(p.regionID)
	sourceMeta, ok := c.getMeta(merge.SourceRegionID)
	if !ok {
		return ExecResult{}, errors.WithStack(&ErrRegionNotFound{RegionId: merge.SourceRegionID})
	}

	source.taskMu.Lock()
	defer source.taskMu.Unlock()

	p.dataMu.Lock()
	source.dataMu.Lock()
	p.data.MergeFrom(source.data)
	source.data.Release()
	source.stopped = true
	source.dataMu.Unlock()
	p.dataMu.Unlock()

	merged := targetMeta
	if bytes.Compare(sourceMeta.StartKey, targetMeta.StartKey) < 0 {
		merged.StartKey = sourceMeta.StartKey
	} else {
		merged.EndKey = sourceMeta.EndKey
	}

	c.metaMu.Lock()
	c.index.delete(merge.SourceRegionID)
	delete(c.peers, merge.SourceRegionID)
	c.index.upsert(merged)
	c.metaMu.Unlock()

	log.Infof("region %d merged region %d, range now [%q, %q)", p.regionID, merge.SourceRegionID, merged.StartKey, merged.EndKey)
	return ExecResult{MergedFromRegion: merge.SourceRegionID}, nil
}

// execCompactLog permits raft log truncation, gated on the sink having acked
// everything up to the compact index.
func (c *Controller) execCompactLog(p *regionPeer, compact *CompactLogRequest) (ExecResult, error) {
	if compact.CompactIndex > p.persistedIndex {
		return ExecResult{}, errors.WithStack(&ErrFlushNotAcked{
			RegionId:       p.regionID,
			PersistedIndex: p.persistedIndex,
			CompactIndex:   compact.CompactIndex,
		})
	}
	if compact.CompactIndex > p.truncatedIndex {
		p.truncatedIndex = compact.CompactIndex
	}
	return ExecResult{CompactedToIndex: p.truncatedIndex}, nil
}

// DestroyRegion removes the region and returns its memory to the tracker.
func (c *Controller) DestroyRegion(regionID uint64) error {
	p, err := c.getPeer(regionID)
	if err != nil {
		return err
	}
	p.taskMu.Lock()
	defer p.taskMu.Unlock()

	p.dataMu.Lock()
	p.data.Release()
	p.stopped = true
	p.dataMu.Unlock()

	c.metaMu.Lock()
	c.index.delete(regionID)
	delete(c.peers, regionID)
	c.metaMu.Unlock()

	log.Infof("region %d destroyed", regionID)
	return nil
}

// ReadView runs fn against the region's data under the read lock. fn must not
// retain references past its return.
func (c *Controller) ReadView(regionID uint64, fn func(data *regionstore.RegionData) error) error {
	p, err := c.getPeer(regionID)
	if err != nil {
		return err
	}
	p.dataMu.RLock()
	defer p.dataMu.RUnlock()
	return fn(p.data)
}

// GetLockInfo is the lock visibility check for snapshot reads.
func (c *Controller) GetLockInfo(regionID uint64, query *regionstore.LockReadQuery) (*mvcc.DecodedLock, error) {
	var lock *mvcc.DecodedLock
	err := c.ReadView(regionID, func(data *regionstore.RegionData) error {
		lock = data.GetLockInfo(query)
		return nil
	})
	return lock, err
}
