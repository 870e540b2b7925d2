package raftstore

import (
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyflash/kv/config"
	"github.com/pingcap-incubator/tinyflash/kv/memtracker"
	"github.com/pingcap-incubator/tinyflash/kv/mvcc"
	"github.com/pingcap-incubator/tinyflash/kv/regionstore"
	"github.com/pingcap-incubator/tinyflash/kv/util/codec"
)

type mockSink struct {
	mu       sync.Mutex
	blocks   []*Block
	failures int
}

func (s *mockSink) Persist(block *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.blocks = append(s.blocks, block)
	return nil
}

func (s *mockSink) blockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func newTestController(t *testing.T) (*Controller, *mockSink, func()) {
	dir, err := ioutil.TempDir("", "tinyflash-raftstore")
	require.NoError(t, err)
	cfg := config.NewTestConfig()
	cfg.SnapPath = dir
	sink := &mockSink{}
	ctl, err := NewController(cfg, sink, memtracker.NewTracker())
	require.NoError(t, err)
	return ctl, sink, func() {
		require.NoError(t, ctl.Close())
		os.RemoveAll(dir)
	}
}

func putReq(cf regionstore.ColumnFamily, key, value []byte) Request {
	return Request{CmdType: CmdPut, Cf: cf, Key: key, Value: value}
}

func committedPut(pk []byte, startTS, commitTS uint64, value []byte) []Request {
	return []Request{
		putReq(regionstore.CFDefault, codec.EncodeKey(pk, startTS), value),
		putReq(regionstore.CFWrite, codec.EncodeKey(pk, commitTS),
			mvcc.EncodeWriteCFValue(&mvcc.WriteCFValue{Type: mvcc.WriteTypePut, StartTS: startTS})),
	}
}

func TestApplyWriteAndRead(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	res, err := ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.AppliedIndex)

	err = ctl.ReadView(1, func(data *regionstore.RegionData) error {
		it := data.NewWriteCFIter()
		require.True(t, it.Valid())
		info, err := data.ReadDataByWriteIt(it, true, 1, 1, false)
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), info.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyWriteOrdering(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	_, err := ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.NoError(t, err)

	// Replayed entry is rejected as stale.
	_, err = ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.Error(t, err)
	_, ok := errors.Cause(err).(*ErrStaleCommand)
	require.True(t, ok)

	// A gap in the sequence is a raft layer bug.
	require.Panics(t, func() {
		ctl.ApplyWrite(1, committedPut([]byte("u2"), 20, 21, []byte("v2")), 5, 1)
	})
}

func TestApplyWriteKeyNotInRegion(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1, StartKey: []byte("m")}))

	_, err := ctl.ApplyWrite(1, committedPut([]byte("a"), 10, 11, []byte("v")), 1, 1)
	require.Error(t, err)
	_, ok := errors.Cause(err).(*ErrKeyNotInRegion)
	require.True(t, ok)
}

func TestApplyWriteUnknownRegion(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	_, err := ctl.ApplyWrite(42, nil, 1, 1)
	require.Error(t, err)
	_, ok := errors.Cause(err).(*ErrRegionNotFound)
	require.True(t, ok)
}

func TestFlushThenCompactLog(t *testing.T) {
	ctl, sink, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	_, err := ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.NoError(t, err)
	_, err = ctl.ApplyWrite(1, committedPut([]byte("u2"), 20, 21, []byte("v2")), 2, 1)
	require.NoError(t, err)

	// Truncation before the sink acked anything is refused.
	_, err = ctl.ApplyAdmin(1, &AdminRequest{
		CmdType:    AdminCompactLog,
		CompactLog: &CompactLogRequest{CompactIndex: 2, CompactTerm: 1},
	}, 3, 1)
	require.Error(t, err)
	_, ok := errors.Cause(err).(*ErrFlushNotAcked)
	require.True(t, ok)

	require.NoError(t, ctl.Flush(1))
	require.Equal(t, 1, sink.blockCount())
	require.Len(t, sink.blocks[0].Rows, 2)

	// The failed admin entry did not advance the applied index.
	persisted, err := ctl.PersistedIndex(1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), persisted)

	res, err := ctl.ApplyAdmin(1, &AdminRequest{
		CmdType:    AdminCompactLog,
		CompactLog: &CompactLogRequest{CompactIndex: 2, CompactTerm: 1},
	}, 3, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.ExecResults[0].CompactedToIndex)

	// Flushed rows left memory.
	err = ctl.ReadView(1, func(data *regionstore.RegionData) error {
		require.Equal(t, 0, data.Rows())
		return nil
	})
	require.NoError(t, err)
}

func TestFlushRetriesSinkFailure(t *testing.T) {
	ctl, sink, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))
	sink.failures = 1

	_, err := ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.NoError(t, err)
	require.NoError(t, ctl.Flush(1))
	require.Equal(t, 1, sink.blockCount())
}

func TestFlushGivesUpAfterRetries(t *testing.T) {
	ctl, sink, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))
	sink.failures = 100

	_, err := ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.NoError(t, err)
	require.Error(t, ctl.Flush(1))

	persisted, err := ctl.PersistedIndex(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), persisted)
}

func TestFlushKeepsPendingRows(t *testing.T) {
	ctl, sink, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	// A Put whose default companion never arrived cannot be drained.
	reqs := []Request{putReq(regionstore.CFWrite, codec.EncodeKey([]byte("u1"), 11),
		mvcc.EncodeWriteCFValue(&mvcc.WriteCFValue{Type: mvcc.WriteTypePut, StartTS: 10}))}
	_, err := ctl.ApplyWrite(1, reqs, 1, 1)
	require.NoError(t, err)

	require.NoError(t, ctl.Flush(1))
	require.Equal(t, 0, sink.blockCount())

	persisted, err := ctl.PersistedIndex(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), persisted)

	err = ctl.ReadView(1, func(data *regionstore.RegionData) error {
		require.Equal(t, 1, data.Rows())
		return nil
	})
	require.NoError(t, err)
}

func TestFlushEligibleByRowCount(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	index := uint64(0)
	eligible := false
	for i := 0; i < int(ctl.cfg.FlushRowsThreshold); i++ {
		index++
		pk := []byte{'k', byte(i)}
		res, err := ctl.ApplyWrite(1, committedPut(pk, 10, 11, []byte("v")), index, 1)
		require.NoError(t, err)
		eligible = res.FlushEligible
	}
	require.True(t, eligible)
}

func TestScheduledFlush(t *testing.T) {
	ctl, sink, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	_, err := ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.NoError(t, err)

	ctl.ScheduleFlush(1)
	for i := 0; i < 100 && sink.blockCount() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, sink.blockCount())
}

func TestSplitAndRouting(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	index := uint64(0)
	for _, pk := range []string{"a", "b", "c", "d"} {
		index++
		_, err := ctl.ApplyWrite(1, committedPut([]byte(pk), 10, 11, []byte("value-"+pk)), index, 1)
		require.NoError(t, err)
	}

	index++
	res, err := ctl.ApplyAdmin(1, &AdminRequest{
		CmdType: AdminSplit,
		Split:   &SplitRequest{SplitKey: []byte("c"), NewRegionID: 2},
	}, index, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.ExecResults[0].SplitNewRegion)

	meta, err := ctl.RegionForKey([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.ID)
	meta, err = ctl.RegionForKey([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.ID)

	err = ctl.ReadView(2, func(data *regionstore.RegionData) error {
		require.Equal(t, 2, data.Rows())
		return nil
	})
	require.NoError(t, err)

	// The new region accepts entries in its own range.
	_, err = ctl.ApplyWrite(2, committedPut([]byte("e"), 30, 31, []byte("value-e")), index+1, 1)
	require.NoError(t, err)
}

func TestCommitMerge(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	index := uint64(0)
	for _, pk := range []string{"a", "b", "c", "d"} {
		index++
		_, err := ctl.ApplyWrite(1, committedPut([]byte(pk), 10, 11, []byte("value-"+pk)), index, 1)
		require.NoError(t, err)
	}
	index++
	_, err := ctl.ApplyAdmin(1, &AdminRequest{
		CmdType: AdminSplit,
		Split:   &SplitRequest{SplitKey: []byte("c"), NewRegionID: 2},
	}, index, 1)
	require.NoError(t, err)

	index++
	res, err := ctl.ApplyAdmin(1, &AdminRequest{
		CmdType:     AdminCommitMerge,
		CommitMerge: &CommitMergeRequest{SourceRegionID: 2},
	}, index, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.ExecResults[0].MergedFromRegion)

	meta, err := ctl.RegionForKey([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.ID)

	err = ctl.ReadView(1, func(data *regionstore.RegionData) error {
		require.Equal(t, 4, data.Rows())
		return nil
	})
	require.NoError(t, err)

	_, err = ctl.ApplyWrite(2, nil, 1, 1)
	require.Error(t, err)
}

func TestControllerGetLockInfo(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	lockReq := []Request{putReq(regionstore.CFLock, codec.EncodeBytes([]byte("u1")),
		mvcc.EncodeLockCFValue(&mvcc.DecodedLock{Type: mvcc.LockTypePut, Primary: []byte("u1"), StartTS: 9}))}
	_, err := ctl.ApplyWrite(1, lockReq, 1, 1)
	require.NoError(t, err)

	lock, err := ctl.GetLockInfo(1, &regionstore.LockReadQuery{ReadTS: 15})
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Equal(t, uint64(9), lock.StartTS)

	lock, err = ctl.GetLockInfo(1, &regionstore.LockReadQuery{ReadTS: 5})
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestDestroyRegion(t *testing.T) {
	ctl, _, cleanup := newTestController(t)
	defer cleanup()
	tracker := ctl.tracker
	require.NoError(t, ctl.CreateRegion(RegionMeta{ID: 1}))

	_, err := ctl.ApplyWrite(1, committedPut([]byte("u1"), 10, 11, []byte("v1")), 1, 1)
	require.NoError(t, err)
	require.NotZero(t, tracker.Consumed())

	require.NoError(t, ctl.DestroyRegion(1))
	require.Zero(t, tracker.Consumed())

	_, err = ctl.ApplyWrite(1, nil, 2, 1)
	require.Error(t, err)
}
