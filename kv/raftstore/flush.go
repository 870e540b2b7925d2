package raftstore

import (
	"context"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"golang.org/x/time/rate"

	"github.com/pingcap-incubator/tinyflash/kv/mvcc"
	"github.com/pingcap-incubator/tinyflash/kv/util/worker"
)

type IOLimiter = rate.Limiter

func NewIOLimiter(rateLimit int) *IOLimiter {
	return rate.NewLimiter(rate.Limit(rateLimit), rateLimit)
}

func NewInfLimiter() *IOLimiter {
	return rate.NewLimiter(rate.Inf, 0)
}

// ResolvedRow is one committed version handed to the columnar engine. Value is
// nil for deletes.
type ResolvedRow struct {
	PrimaryKey []byte
	CommitTS   uint64
	WriteType  byte
	Value      []byte
}

// Block is one flush unit. AppliedIndex is the raft index the block covers;
// once the sink acks it, log up to that index may be truncated.
type Block struct {
	RegionID     uint64
	AppliedIndex uint64
	Rows         []ResolvedRow
	Bytes        uint64
}

// Sink is the columnar storage engine. Persist must be atomic: either the
// whole block becomes durable or the error is returned and nothing is.
type Sink interface {
	Persist(block *Block) error
}

type flushTask struct {
	regionID uint64
}

type flushTaskHandler struct {
	ctl *Controller
}

func (h *flushTaskHandler) Handle(t worker.Task) {
	task := t.(flushTask)
	if err := h.ctl.Flush(task.regionID); err != nil {
		if _, ok := errors.Cause(err).(*ErrRegionNotFound); ok {
			return
		}
		log.Errorf("flush region %d failed: %v", task.regionID, err)
	}
}

// ScheduleFlush hands the region to the background flush worker.
func (c *Controller) ScheduleFlush(regionID uint64) {
	c.flushWorker.Sender() <- flushTask{regionID: regionID}
}

// flushEligible is evaluated after every applied entry, with the task lock
// held.
func (c *Controller) flushEligible(p *regionPeer) bool {
	if uint64(p.data.Rows()) >= c.cfg.FlushRowsThreshold {
		return true
	}
	if p.data.DataSize() >= c.cfg.FlushBytesThreshold {
		return true
	}
	if time.Since(p.lastFlushTime) >= c.cfg.FlushInterval {
		return true
	}
	// Eager GC: a large applied-over-persisted gap means raft log cannot be
	// compacted and memory keeps growing, flush even below the size thresholds.
	if p.appliedIndex-p.persistedIndex >= c.cfg.EagerGCRowGap {
		return true
	}
	return false
}

// Flush drains all currently resolvable committed writes to the sink, then
// removes them from memory and advances the persisted index. Pending rows
// whose default companion has not replayed stay in memory for the next flush.
//
// The task lock is held across the sink call so no mutation interleaves
// between building the block and truncating the drained entries. Readers are
// only blocked during the truncation itself.
func (c *Controller) Flush(regionID uint64) error {
	p, err := c.getPeer(regionID)
	if err != nil {
		return err
	}
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	if p.stopped {
		return errors.WithStack(&ErrRegionDestroyed{RegionId: regionID})
	}

	block, drained, pending, err := c.buildBlock(p)
	if err != nil {
		return err
	}
	if len(drained) == 0 {
		p.lastFlushTime = time.Now()
		if pending == 0 {
			p.persistedIndex = p.appliedIndex
		}
		return nil
	}

	if err := c.persistWithRetry(block); err != nil {
		return err
	}

	p.dataMu.Lock()
	it := p.data.NewWriteCFIter()
	for it.Valid() {
		if _, ok := drained[string(it.RawKey())]; ok {
			it = p.data.RemoveDataByWriteIt(it)
		} else {
			it.Next()
		}
	}
	p.dataMu.Unlock()

	// Rows still pending keep the persisted index back; truncating past them
	// would drop log entries whose effects are not yet durable anywhere.
	if pending == 0 {
		p.persistedIndex = block.AppliedIndex
	}
	p.lastFlushTime = time.Now()
	log.Infof("region %d flushed %d rows (%d bytes) at applied index %d",
		regionID, len(block.Rows), block.Bytes, block.AppliedIndex)
	return nil
}

// buildBlock resolves every write record it can under the read lock. Lock and
// Rollback records resolve to no row but are still drained, they carry nothing
// the columnar engine needs.
func (c *Controller) buildBlock(p *regionPeer) (*Block, map[string]struct{}, int, error) {
	p.dataMu.RLock()
	defer p.dataMu.RUnlock()

	block := &Block{RegionID: p.regionID, AppliedIndex: p.appliedIndex}
	drained := make(map[string]struct{})
	pending := 0
	it := p.data.NewWriteCFIter()
	for ; it.Valid(); it.Next() {
		info, err := p.data.ReadDataByWriteIt(it, true, p.regionID, p.appliedIndex, false)
		if err != nil {
			return nil, nil, 0, err
		}
		if info == nil {
			// Not resolvable yet, keep for a later flush.
			pending++
			continue
		}
		drained[string(it.RawKey())] = struct{}{}
		if info.WriteType != mvcc.WriteTypePut && info.WriteType != mvcc.WriteTypeDelete {
			continue
		}
		block.Rows = append(block.Rows, ResolvedRow{
			PrimaryKey: info.PrimaryKey,
			CommitTS:   info.CommitTS,
			WriteType:  info.WriteType,
			Value:      info.Value,
		})
		block.Bytes += uint64(len(info.PrimaryKey) + len(info.Value))
	}
	return block, drained, pending, nil
}

func (c *Controller) persistWithRetry(block *Block) error {
	c.waitIOQuota(int(block.Bytes))
	var err error
	for attempt := 0; attempt <= c.cfg.SinkMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.SinkRetryBackoff * time.Duration(attempt))
		}
		if err = c.sink.Persist(block); err == nil {
			return nil
		}
		log.Warnf("persist block of region %d failed (attempt %d): %v", block.RegionID, attempt+1, err)
	}
	return errors.Errorf("persist block of region %d failed after %d attempts: %v",
		block.RegionID, c.cfg.SinkMaxRetries+1, err)
}

// waitIOQuota blocks until the limiter grants n bytes, chunking requests that
// exceed the burst.
func (c *Controller) waitIOQuota(n int) {
	if c.limiter.Limit() == rate.Inf || n == 0 {
		return
	}
	burst := c.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		_ = c.limiter.WaitN(context.Background(), chunk)
		n -= chunk
	}
}

// PersistedIndex reports the applied index the sink has acknowledged.
func (c *Controller) PersistedIndex(regionID uint64) (uint64, error) {
	p, err := c.getPeer(regionID)
	if err != nil {
		return 0, err
	}
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	return p.persistedIndex, nil
}
