// badger.go implements the persistent Store backend on BadgerDB. Secrets
// and serialized trees live under distinct key prefixes in one database so
// a video's material is co-located and removed together.
package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/streamgate/streamgate/merkle"
)

// Key prefixes for the two record types.
const (
	secretPrefix = "secret:"
	treePrefix   = "tree:"
)

// BadgerStore is a persistent Store backed by BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger-backed store at dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func secretKey(videoID string) []byte { return []byte(secretPrefix + videoID) }
func treeKey(videoID string) []byte   { return []byte(treePrefix + videoID) }

// PutSecret stores the master secret for a video.
func (s *BadgerStore) PutSecret(videoID string, secret []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(secretKey(videoID), secret)
	})
}

// Secret returns the master secret for a video.
func (s *BadgerStore) Secret(videoID string) ([]byte, error) {
	var secret []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(secretKey(videoID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		secret, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// DeleteSecret removes the master secret for a video.
func (s *BadgerStore) DeleteSecret(videoID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(secretKey(videoID))
	})
}

// PutTree stores the serialized commitment tree for a video.
func (s *BadgerStore) PutTree(videoID string, tree *merkle.Tree) error {
	data, err := tree.MarshalBinary()
	if err != nil {
		return fmt.Errorf("store: marshal tree: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(treeKey(videoID), data)
	})
}

// Tree loads and decodes the commitment tree for a video.
func (s *BadgerStore) Tree(videoID string) (*merkle.Tree, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(treeKey(videoID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return merkle.UnmarshalTree(data)
}

// DeleteTree removes the commitment tree for a video.
func (s *BadgerStore) DeleteTree(videoID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(treeKey(videoID))
	})
}
