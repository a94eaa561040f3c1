package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := t.Context()
	store := NewMemoryStore()

	data := []byte("chunk")
	require.NoError(t, store.Put(ctx, "a/1", data))
	require.NoError(t, store.Put(ctx, "a/2", []byte("x")))
	require.NoError(t, store.Put(ctx, "b/1", []byte("y")))

	// Mutating the caller's buffer must not change the stored blob.
	data[0] = 'X'

	got, err := ReadAll(ctx, store, "a/1")
	require.NoError(t, err)
	assert.Equal(t, "chunk", string(got))

	blob, err := store.Open(ctx, "a/1")
	require.NoError(t, err)
	buf := make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 2)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "unk", string(buf[:n]))

	names, err := store.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, names)
	assert.Equal(t, 3, store.Len())

	require.NoError(t, store.Delete(ctx, "a/1"))
	_, err = store.Open(ctx, "a/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	store := NewMemoryStore()
	assert.ErrorIs(t, store.Put(ctx, "a", nil), context.Canceled)
	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

// openOnly hides MemoryStore.Get so ReadAll exercises the Open path.
type openOnly struct{ *MemoryStore }

func (o openOnly) Get() {}

func TestReadAll_OpenPath(t *testing.T) {
	ctx := t.Context()
	ms := NewMemoryStore()
	require.NoError(t, ms.Put(ctx, "k", []byte("payload")))
	require.NoError(t, ms.Put(ctx, "empty", nil))

	var s BlobStore = openOnly{ms}
	_, isGetter := s.(Getter)
	require.False(t, isGetter)

	got, err := ReadAll(ctx, s, "k")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	got, err = ReadAll(ctx, s, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}
