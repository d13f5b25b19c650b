package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/types"
)

// Database wraps Badger behind the types.Store contract. Single-key
// operations are linearizable; cross-shard atomicity is layered on top by the
// coordinator.
type Database struct {
	db     *badger.DB
	logger hclog.Logger
}

var _ types.Store = (*Database)(nil)

// NewDatabase opens (or creates) a Badger database at path.
func NewDatabase(path string, logger hclog.Logger) (*Database, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(false).
		WithDetectConflicts(false)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &Database{db: db, logger: logger.Named("store")}, nil
}

// NewInMemory opens an in-memory database, used by tests and benchmarks.
func NewInMemory(logger hclog.Logger) (*Database, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	return &Database{db: db, logger: logger.Named("store")}, nil
}

// Get retrieves the value for a key.
func (d *Database) Get(key []byte) ([]byte, error) {
	var valCopy []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		valCopy, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %q: %w", key, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return valCopy, nil
}

// Set stores a key-value pair.
func (d *Database) Set(key, value []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return nil
}

// Delete removes a key.
func (d *Database) Delete(key []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return nil
}

// ScanPrefix visits every key-value pair under prefix. The callback receives
// copies safe to retain.
func (d *Database) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return nil
}

// Close shuts the underlying database down.
func (d *Database) Close() error {
	return d.db.Close()
}
