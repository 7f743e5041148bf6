// Package kv provides the transactional key-value storage interface
// consumed by the consensus state machine.
//
// All state mutations flow through a Transaction so that block
// execution either commits atomically or leaves no trace. Iteration
// order is always ascending lexicographic key order, which combined
// with the keyformat package yields deterministic range scans.
package kv

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is the error returned when using a closed backend.
	ErrClosed = errors.New("storage/kv: backend closed")

	// ErrTxFinished is the error returned when using a committed or
	// discarded transaction.
	ErrTxFinished = errors.New("storage/kv: transaction already finished")
)

// Iterator is an ordered key iterator.
type Iterator interface {
	// Seek positions the iterator at the first key greater than or
	// equal to the given key.
	Seek(key []byte)

	// Valid returns whether the iterator points to a valid entry.
	Valid() bool

	// Next advances the iterator to the next key.
	Next()

	// Key returns the current key, valid only until Next or Close.
	Key() []byte

	// Value returns the current value, valid only until Next or Close.
	Value() []byte

	// Err returns the iteration error, if any.
	Err() error

	// Close releases the iterator.
	Close()
}

// Tree is a readable and writable view of the key-value state.
type Tree interface {
	// Get looks up the value under the given key, returning nil if
	// the key does not exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Insert inserts or overwrites the value under the given key.
	Insert(ctx context.Context, key, value []byte) error

	// Remove removes the key, a no-op if the key does not exist.
	Remove(ctx context.Context, key []byte) error

	// NewIterator creates a new iterator over the tree.
	NewIterator(ctx context.Context) Iterator
}

// Transaction is an atomic unit of state mutation.
type Transaction interface {
	Tree

	// Commit atomically applies all of the transaction's mutations.
	Commit(ctx context.Context) error

	// Discard drops the transaction. It is safe to call after Commit.
	Discard()
}

// Backend is a transactional key-value storage backend.
type Backend interface {
	// NewTransaction starts a new transaction over the current state.
	NewTransaction() Transaction

	// Close releases all backend resources.
	Close() error
}
