package blobstore

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBlobStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := t.Context()

	name := "vol/density/0_0_0.chunk"
	data := []byte("hello world, this is a test chunk")

	require.NoError(t, store.Put(ctx, name, data))

	// Verify file exists on disk
	_, err = os.Stat(filepath.Join(tmpDir, "vol", "density", "0_0_0.chunk"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
	require.NoError(t, blob.Close())

	got, err := ReadAll(ctx, store, name)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// Overwrite replaces content.
	require.NoError(t, store.Put(ctx, name, []byte("v2")))
	got, err = ReadAll(ctx, store, name)
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))

	require.NoError(t, store.Put(ctx, "vol/other/1_0_0.chunk", []byte("x")))

	names, err := store.List(ctx, "vol/density/")
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{name, "vol/other/1_0_0.chunk"}, all)

	require.NoError(t, store.Delete(ctx, name))
	require.NoError(t, store.Delete(ctx, name), "deleting twice is not an error")

	_, err = store.Open(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ReadAll(ctx, store, name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalBlobStore_RejectsEscapingNames(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, name := range []string{"", "..", "../x", "/abs"} {
		err := store.Put(t.Context(), name, []byte("x"))
		assert.Error(t, err, name)
	}
}

func TestLocalBlobStore_DirectoryLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory lock is unix only")
	}
	dir := t.TempDir()

	first, err := NewLocalStore(dir)
	require.NoError(t, err)

	_, err = NewLocalStore(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := NewLocalStore(dir)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
