package kv

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, backend Backend) {
	require := require.New(t)
	ctx := context.Background()

	tx := backend.NewTransaction()
	require.NoError(tx.Insert(ctx, []byte("key2"), []byte("value2")), "Insert")
	require.NoError(tx.Insert(ctx, []byte("key1"), []byte("value1")), "Insert")
	require.NoError(tx.Insert(ctx, []byte("key3"), []byte("value3")), "Insert")
	require.NoError(tx.Commit(ctx), "Commit")

	// Discarded transactions leave no trace.
	tx = backend.NewTransaction()
	require.NoError(tx.Insert(ctx, []byte("key4"), []byte("value4")), "Insert")
	require.NoError(tx.Remove(ctx, []byte("key1")), "Remove")
	tx.Discard()

	tx = backend.NewTransaction()
	v, err := tx.Get(ctx, []byte("key1"))
	require.NoError(err, "Get")
	require.Equal([]byte("value1"), v, "discarded tx did not remove key1")

	v, err = tx.Get(ctx, []byte("key4"))
	require.NoError(err, "Get")
	require.Nil(v, "discarded tx did not insert key4")

	v, err = tx.Get(ctx, []byte("missing"))
	require.NoError(err, "Get missing")
	require.Nil(v, "missing key yields nil")

	// Iteration in lexicographic key order, including uncommitted writes.
	require.NoError(tx.Insert(ctx, []byte("key0"), []byte("value0")), "Insert in read tx")
	it := tx.NewIterator(ctx)

	var keys []string
	for it.Seek([]byte("key")); it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Key(), []byte("key")) {
			break
		}
		keys = append(keys, string(it.Key()))
	}
	require.NoError(it.Err(), "iterator error")
	require.Equal([]string{"key0", "key1", "key2", "key3"}, keys, "iteration order")
	it.Close()
	tx.Discard()

	// Finished transactions reject further use.
	tx = backend.NewTransaction()
	require.NoError(tx.Commit(ctx), "empty Commit")
	require.Equal(ErrTxFinished, tx.Insert(ctx, []byte("x"), []byte("y")), "Insert after Commit")
	_, err = tx.Get(ctx, []byte("x"))
	require.Equal(ErrTxFinished, err, "Get after Commit")
}

func TestMemoryBackend(t *testing.T) {
	backend := NewMemoryBackend()
	defer backend.Close()

	testBackend(t, backend)
}

func TestBadgerBackend(t *testing.T) {
	backend, err := NewBadgerBackend(t.TempDir())
	require.NoError(t, err, "NewBadgerBackend")
	defer backend.Close()

	testBackend(t, backend)
}
