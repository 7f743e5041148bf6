package kv

import (
	"context"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/aurelia-network/aurelia-core/common/logging"
)

// badgerBackend is a badger-backed persistent kv backend.
type badgerBackend struct {
	db     *badger.DB
	logger *logging.Logger
}

// NewBadgerBackend creates a new badger-backed kv backend at the given
// filesystem path.
func NewBadgerBackend(path string) (Backend, error) {
	logger := logging.GetLogger("storage/kv/badger")

	opts := badger.DefaultOptions(path)
	opts = opts.WithLogger(nil)
	opts = opts.WithSyncWrites(true)
	opts = opts.WithCompression(0)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "storage/kv: failed to open badger database")
	}

	return &badgerBackend{
		db:     db,
		logger: logger,
	}, nil
}

func (b *badgerBackend) NewTransaction() Transaction {
	return &badgerTransaction{
		backend: b,
		txn:     b.db.NewTransaction(true),
	}
}

func (b *badgerBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.Wrap(err, "storage/kv: failed to close badger database")
	}
	return nil
}

type badgerTransaction struct {
	backend  *badgerBackend
	txn      *badger.Txn
	finished bool
}

func (t *badgerTransaction) Get(ctx context.Context, key []byte) ([]byte, error) {
	if t.finished {
		return nil, ErrTxFinished
	}

	item, err := t.txn.Get(key)
	switch err {
	case nil:
	case badger.ErrKeyNotFound:
		return nil, nil
	default:
		return nil, errors.Wrap(err, "storage/kv: get failed")
	}

	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Wrap(err, "storage/kv: value copy failed")
	}
	return value, nil
}

func (t *badgerTransaction) Insert(ctx context.Context, key, value []byte) error {
	if t.finished {
		return ErrTxFinished
	}

	if err := t.txn.Set(append([]byte{}, key...), append([]byte{}, value...)); err != nil {
		return errors.Wrap(err, "storage/kv: set failed")
	}
	return nil
}

func (t *badgerTransaction) Remove(ctx context.Context, key []byte) error {
	if t.finished {
		return ErrTxFinished
	}

	switch err := t.txn.Delete(append([]byte{}, key...)); err {
	case nil, badger.ErrKeyNotFound:
		return nil
	default:
		return errors.Wrap(err, "storage/kv: delete failed")
	}
}

func (t *badgerTransaction) NewIterator(ctx context.Context) Iterator {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	return &badgerIterator{it: t.txn.NewIterator(opts)}
}

func (t *badgerTransaction) Commit(ctx context.Context) error {
	if t.finished {
		return ErrTxFinished
	}
	t.finished = true

	if err := t.txn.Commit(); err != nil {
		return errors.Wrap(err, "storage/kv: commit failed")
	}
	return nil
}

func (t *badgerTransaction) Discard() {
	if t.finished {
		return
	}
	t.finished = true
	t.txn.Discard()
}

type badgerIterator struct {
	it    *badger.Iterator
	err   error
	value []byte
}

func (it *badgerIterator) Seek(key []byte) {
	it.it.Seek(key)
	it.fetch()
}

func (it *badgerIterator) Valid() bool {
	return it.it.Valid()
}

func (it *badgerIterator) Next() {
	it.it.Next()
	it.fetch()
}

func (it *badgerIterator) Key() []byte {
	if !it.it.Valid() {
		return nil
	}
	return it.it.Item().Key()
}

func (it *badgerIterator) Value() []byte {
	return it.value
}

func (it *badgerIterator) Err() error {
	return it.err
}

func (it *badgerIterator) Close() {
	it.it.Close()
}

func (it *badgerIterator) fetch() {
	it.value = nil
	if !it.it.Valid() {
		return
	}
	it.value, it.err = it.it.Item().ValueCopy(nil)
}
