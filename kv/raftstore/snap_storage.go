package raftstore

import (
	"encoding/binary"
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// snapStorage stages serialized pre-handled snapshots in a local badger db so
// a restart between pre-handling and swap-in does not force a re-transfer.
type snapStorage struct {
	db   *badger.DB
	path string
}

func openSnapStorage(path string) (*snapStorage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &snapStorage{db: db, path: path}, nil
}

func snapKey(regionID, snapshotIndex uint64) []byte {
	buf := make([]byte, 20)
	copy(buf, "snap")
	binary.BigEndian.PutUint64(buf[4:], regionID)
	binary.BigEndian.PutUint64(buf[12:], snapshotIndex)
	return buf
}

func (s *snapStorage) Stage(regionID, snapshotIndex uint64, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(regionID, snapshotIndex), data)
	})
	return errors.WithStack(err)
}

func (s *snapStorage) Load(regionID, snapshotIndex uint64) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapKey(regionID, snapshotIndex))
		if err != nil {
			return err
		}
		data, err = item.Value()
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func (s *snapStorage) Delete(regionID, snapshotIndex uint64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapKey(regionID, snapshotIndex))
	})
	return errors.WithStack(err)
}

func (s *snapStorage) Close() error {
	return s.db.Close()
}
