package raftstore

import (
	"bytes"

	"github.com/google/btree"
)

// RegionMeta is the controller's view of one region: its id and the half-open
// decoded-key range it owns. An empty EndKey means unbounded.
type RegionMeta struct {
	ID       uint64
	StartKey []byte
	EndKey   []byte
}

var _ btree.Item = &regionItem{}

type regionItem struct {
	meta RegionMeta
}

// Less returns true if the region start key is less than the other.
func (r *regionItem) Less(other btree.Item) bool {
	left := r.meta.StartKey
	right := other.(*regionItem).meta.StartKey
	return bytes.Compare(left, right) < 0
}

func (r *regionItem) Contains(key []byte) bool {
	start, end := r.meta.StartKey, r.meta.EndKey
	return bytes.Compare(key, start) >= 0 && (len(end) == 0 || bytes.Compare(key, end) < 0)
}

// regionIndex maps key ranges to region ids. Not synchronized, guarded by the
// controller's meta mutex.
type regionIndex struct {
	regionsRange *btree.BTree      // start key -> region
	regionsKey   map[uint64][]byte // regionID -> startKey
}

func newRegionIndex() *regionIndex {
	return &regionIndex{
		regionsRange: btree.New(2),
		regionsKey:   make(map[uint64][]byte),
	}
}

func (idx *regionIndex) upsert(meta RegionMeta) {
	if old, ok := idx.regionsKey[meta.ID]; ok && !bytes.Equal(old, meta.StartKey) {
		idx.regionsRange.Delete(&regionItem{meta: RegionMeta{StartKey: old}})
	}
	idx.regionsRange.ReplaceOrInsert(&regionItem{meta: meta})
	idx.regionsKey[meta.ID] = meta.StartKey
}

func (idx *regionIndex) delete(regionID uint64) {
	startKey, ok := idx.regionsKey[regionID]
	if !ok {
		return
	}
	idx.regionsRange.Delete(&regionItem{meta: RegionMeta{StartKey: startKey}})
	delete(idx.regionsKey, regionID)
}

func (idx *regionIndex) get(regionID uint64) (RegionMeta, bool) {
	startKey, ok := idx.regionsKey[regionID]
	if !ok {
		return RegionMeta{}, false
	}
	item := idx.regionsRange.Get(&regionItem{meta: RegionMeta{StartKey: startKey}})
	if item == nil {
		return RegionMeta{}, false
	}
	return item.(*regionItem).meta, true
}

// search returns the region owning key, walking down from the first region
// whose start key is greater than key.
func (idx *regionIndex) search(key []byte) (RegionMeta, bool) {
	var found *regionItem
	idx.regionsRange.DescendLessOrEqual(&regionItem{meta: RegionMeta{StartKey: key}}, func(i btree.Item) bool {
		found = i.(*regionItem)
		return false
	})
	if found == nil || !found.Contains(key) {
		return RegionMeta{}, false
	}
	return found.meta, true
}
