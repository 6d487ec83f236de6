// Package storage is a thin wrapper over badger used for quota snapshots and
// audit events. Values are opaque bytes; key layout is owned by the callers.
package storage

import (
	badger "github.com/dgraph-io/badger/v4"
)

type Config struct {
	Path string
}

type Storage interface {
	Setup() error
	Close() error

	GetKey(key []byte) ([]byte, error)
	GetByPrefix(prefix []byte) ([]*KeyValueItem, error)

	BatchWrite(updates map[string][]byte) error
	Set(key, value []byte) error

	Vacuum() error
	DbPath() string
}

type KeyValueItem struct {
	Key   []byte
	Value []byte
}

type BadgerStorage struct {
	config *Config
	db     *badger.DB
}

func NewWithPath(path string) (Storage, error) {
	return New(&Config{
		Path: path,
	})
}

func New(c *Config) (Storage, error) {
	// Sync writes: a sponsorship charge that survives the process but not a
	// power cut would let the same quota be spent twice after restart.
	opts := badger.DefaultOptions(c.Path)
	db, err := badger.Open(
		opts.WithSyncWrites(true),
	)

	if err != nil {
		return nil, err
	}

	return &BadgerStorage{
		config: c,
		db:     db,
	}, nil
}

func (s *BadgerStorage) Setup() error {
	return nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) BatchWrite(updates map[string][]byte) error {
	txn := s.db.NewTransaction(true)
	for k, v := range updates {
		if err := txn.Set([]byte(k), v); err == badger.ErrTxnTooBig {
			_ = txn.Commit()
			txn = s.db.NewTransaction(true)
			_ = txn.Set([]byte(k), v)
		}
	}
	return txn.Commit()
}

func (s *BadgerStorage) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStorage) GetKey(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	return value, err
}

// GetByPrefix returns every key/value pair whose key starts with prefix, in
// key order. Audit events use ulid ids as key suffix, so key order is
// creation order.
func (s *BadgerStorage) GetByPrefix(prefix []byte) ([]*KeyValueItem, error) {
	var result []*KeyValueItem

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 30
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			k := item.KeyCopy(nil)
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}

			result = append(result, &KeyValueItem{
				Key:   k,
				Value: v,
			})
		}
		return nil
	})

	return result, err
}

// Vacuum triggers one round of badger value log garbage collection. Badger
// answers ErrNoRewrite when nothing was reclaimable, which callers treat as
// success.
func (s *BadgerStorage) Vacuum() error {
	return s.db.RunValueLogGC(0.7)
}

func (s *BadgerStorage) DbPath() string {
	return s.config.Path
}
