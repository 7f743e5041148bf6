package kv

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
)

const btreeDegree = 32

type memItem struct {
	key   []byte
	value []byte
}

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

// memoryBackend is an in-memory kv backend, used in tests and for
// non-persistent nodes. Transactions work on copy-on-write clones of
// the underlying B-tree, so a discarded transaction costs nothing and
// commits are a single root swap.
type memoryBackend struct {
	mu     sync.Mutex
	tree   *btree.BTree
	closed bool
}

// NewMemoryBackend creates a new in-memory kv backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		tree: btree.New(btreeDegree),
	}
}

func (b *memoryBackend) NewTransaction() Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &memoryTransaction{
		backend: b,
		tree:    b.tree.Clone(),
	}
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.closed = true
	b.tree = nil
	return nil
}

type memoryTransaction struct {
	backend  *memoryBackend
	tree     *btree.BTree
	finished bool
}

func (t *memoryTransaction) Get(ctx context.Context, key []byte) ([]byte, error) {
	if t.finished {
		return nil, ErrTxFinished
	}

	item := t.tree.Get(&memItem{key: key})
	if item == nil {
		return nil, nil
	}
	value := item.(*memItem).value
	return append([]byte{}, value...), nil
}

func (t *memoryTransaction) Insert(ctx context.Context, key, value []byte) error {
	if t.finished {
		return ErrTxFinished
	}

	t.tree.ReplaceOrInsert(&memItem{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
	return nil
}

func (t *memoryTransaction) Remove(ctx context.Context, key []byte) error {
	if t.finished {
		return ErrTxFinished
	}

	t.tree.Delete(&memItem{key: key})
	return nil
}

func (t *memoryTransaction) NewIterator(ctx context.Context) Iterator {
	return &memoryIterator{tx: t}
}

func (t *memoryTransaction) Commit(ctx context.Context) error {
	if t.finished {
		return ErrTxFinished
	}
	t.finished = true

	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	if t.backend.closed {
		return ErrClosed
	}
	t.backend.tree = t.tree
	t.tree = nil
	return nil
}

func (t *memoryTransaction) Discard() {
	t.finished = true
	t.tree = nil
}

// memoryIterator walks the B-tree one key at a time. Each step is a
// separate descend from the root keyed on the current position, which
// keeps the iterator valid across mutations of the transaction.
type memoryIterator struct {
	tx      *memoryTransaction
	current *memItem
	valid   bool
}

func (it *memoryIterator) Seek(key []byte) {
	it.valid = false
	it.current = nil
	if it.tx.finished {
		return
	}

	it.tx.tree.AscendGreaterOrEqual(&memItem{key: key}, func(item btree.Item) bool {
		it.current = item.(*memItem)
		it.valid = true
		return false
	})
}

func (it *memoryIterator) Valid() bool {
	return it.valid
}

func (it *memoryIterator) Next() {
	if !it.valid {
		return
	}

	prev := it.current
	it.valid = false
	it.current = nil
	it.tx.tree.AscendGreaterOrEqual(&memItem{key: prev.key}, func(item btree.Item) bool {
		i := item.(*memItem)
		if bytes.Equal(i.key, prev.key) {
			return true
		}
		it.current = i
		it.valid = true
		return false
	})
}

func (it *memoryIterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.current.key
}

func (it *memoryIterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.current.value
}

func (it *memoryIterator) Err() error {
	return nil
}

func (it *memoryIterator) Close() {
	it.valid = false
	it.current = nil
}
