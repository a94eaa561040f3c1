package minio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/voxman/blobstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NotFound"}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("boom")))
}

func TestStore_Key(t *testing.T) {
	s := NewStore(nil, "b", "volumes/")
	assert.Equal(t, "volumes/v/a/0_0_0.chunk", s.key("v/a/0_0_0.chunk"))

	s = NewStore(nil, "b", "")
	assert.Equal(t, "x", s.key("x"))
}

// TestMinioStore_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := "localhost:9000"
	accessKey := "minioadmin"
	secretKey := "minioadmin"
	bucket := "test-voxman"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	// Check if MinIO is reachable
	if _, err = client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix/")

	data := []byte("hello minio world")
	require.NoError(t, store.Put(ctx, "vol/a/0_0_0.chunk", data))

	got, err := blobstore.ReadAll(ctx, store, "vol/a/0_0_0.chunk")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	blob, err := store.Open(ctx, "vol/a/0_0_0.chunk")
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "minio", string(buf[:n]))
	require.NoError(t, blob.Close())

	names, err := store.List(ctx, "vol/")
	require.NoError(t, err)
	assert.Contains(t, names, "vol/a/0_0_0.chunk")

	require.NoError(t, store.Delete(ctx, "vol/a/0_0_0.chunk"))

	_, err = store.Get(ctx, "vol/a/0_0_0.chunk")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
