package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const defaultValueLogFileSize = 64 << 20

type badgerConfig struct {
	inMemory         bool
	valueLogFileSize int64
}

// BadgerOption customizes how badger is opened.
type BadgerOption func(*badgerConfig) error

// InMemory keeps everything in RAM; the path is ignored.
func InMemory() BadgerOption {
	return func(c *badgerConfig) error {
		c.inMemory = true
		return nil
	}
}

// WithValueLogFileSize sets the max bytes per value log file.
func WithValueLogFileSize(n int64) BadgerOption {
	return func(c *badgerConfig) error {
		if n <= 0 {
			return fmt.Errorf("store: value log file size must be > 0, got %d", n)
		}
		c.valueLogFileSize = n
		return nil
	}
}

type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string, options ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerConfig{valueLogFileSize: defaultValueLogFileSize}
	for _, o := range options {
		if o == nil {
			continue
		}
		if err := o(&cfg); err != nil {
			return nil, err
		}
	}
	opts := badger.DefaultOptions(path).WithValueLogFileSize(cfg.valueLogFileSize)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, mapErr(err)
}

func (s *BadgerStore) Set(key string, value []byte) error {
	return mapErr(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}))
}

func (s *BadgerStore) Delete(key string) error {
	return mapErr(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}))
}

func (s *BadgerStore) Keys(prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, mapErr(err)
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	default:
		return err
	}
}
